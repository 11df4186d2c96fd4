package inspector

import (
	"fmt"
	"math"
	"sort"
)

// FieldType is the value type of a configuration field.
type FieldType int

const (
	FieldFloat FieldType = iota
	FieldInt
	FieldBool
	FieldString
)

func (t FieldType) String() string {
	switch t {
	case FieldFloat:
		return "float"
	case FieldInt:
		return "int"
	case FieldBool:
		return "bool"
	case FieldString:
		return "string"
	}
	return "unknown"
}

// Field describes one configuration entry of a demodulator class.
type Field struct {
	Name    string
	Type    FieldType
	Default any
	Desc    string
	// Min and Max bound numeric fields when Min < Max.
	Min, Max float64
	// Choices restricts string fields when non-empty.
	Choices []string
}

// Schema is the ordered configuration description of a class.
type Schema []Field

// Config holds configuration values keyed by field name. Values are
// normalized to float64, int64, bool or string.
type Config map[string]any

// Lookup returns the field called name.
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Defaults returns a Config with every field at its default value.
func (s Schema) Defaults() Config {
	cfg := make(Config, len(s))
	for _, f := range s {
		cfg[f.Name] = f.Default
	}
	return cfg
}

// Merge validates update against the schema and returns base with update
// applied. base is not modified. Unknown names and type mismatches wrap
// ErrInvalidConfig; out-of-range values wrap ErrInvalidArgument.
func (s Schema) Merge(base, update Config) (Config, error) {
	out := base.Clone()
	if out == nil {
		out = s.Defaults()
	}
	names := make([]string, 0, len(update))
	for name := range update {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := s.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidConfig, name)
		}
		v, err := f.normalize(update[name])
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (f Field) normalize(raw any) (any, error) {
	switch f.Type {
	case FieldFloat:
		v, ok := toFloat(raw)
		if !ok || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: %s wants float, got %T", ErrInvalidConfig, f.Name, raw)
		}
		if f.Min < f.Max && (v < f.Min || v > f.Max) {
			return nil, fmt.Errorf("%w: %s=%g outside [%g, %g]", ErrInvalidArgument, f.Name, v, f.Min, f.Max)
		}
		return v, nil
	case FieldInt:
		fv, ok := toFloat(raw)
		if !ok || fv != math.Trunc(fv) {
			return nil, fmt.Errorf("%w: %s wants int, got %v", ErrInvalidConfig, f.Name, raw)
		}
		if f.Min < f.Max && (fv < f.Min || fv > f.Max) {
			return nil, fmt.Errorf("%w: %s=%g outside [%g, %g]", ErrInvalidArgument, f.Name, fv, f.Min, f.Max)
		}
		return int64(fv), nil
	case FieldBool:
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants bool, got %T", ErrInvalidConfig, f.Name, raw)
		}
		return v, nil
	case FieldString:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants string, got %T", ErrInvalidConfig, f.Name, raw)
		}
		if len(f.Choices) > 0 && !contains(f.Choices, v) {
			return nil, fmt.Errorf("%w: %s=%q not one of %v", ErrInvalidArgument, f.Name, v, f.Choices)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s has unsupported type", ErrInvalidConfig, f.Name)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Float returns a float field, or zero.
func (c Config) Float(name string) float64 {
	v, _ := toFloat(c[name])
	return v
}

// Int returns an int field, or zero.
func (c Config) Int(name string) int {
	v, _ := toFloat(c[name])
	return int(v)
}

// Bool returns a bool field, or false.
func (c Config) Bool(name string) bool {
	v, _ := c[name].(bool)
	return v
}

// String returns a string field, or "".
func (c Config) String(name string) string {
	v, _ := c[name].(string)
	return v
}
