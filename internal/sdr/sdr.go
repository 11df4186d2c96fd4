package sdr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEndOfStream is returned by RX once a finite source is exhausted.
var ErrEndOfStream = errors.New("sdr: end of stream")

// Format is the sample layout of a file source.
type Format int

const (
	// FormatCF32 is interleaved little-endian float32 I/Q.
	FormatCF32 Format = iota
	// FormatCS16 is interleaved little-endian int16 I/Q, full scale 32768.
	FormatCS16
	// FormatMono is little-endian float32 real samples.
	FormatMono
)

func (f Format) String() string {
	switch f {
	case FormatCF32:
		return "cf32"
	case FormatCS16:
		return "cs16"
	case FormatMono:
		return "mono"
	}
	return "unknown"
}

// ParseFormat maps a format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cf32", "raw", "iq":
		return FormatCF32, nil
	case "cs16":
		return FormatCS16, nil
	case "mono", "real":
		return FormatMono, nil
	}
	return FormatCF32, fmt.Errorf("unknown sample format %q", s)
}

// BytesPerSample returns the size of one complex sample on disk.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatCS16, FormatMono:
		return 4
	}
	return 8
}

// Config carries parameters required to initialize a sample source.
type Config struct {
	SampleRate float64
	Frequency  float64 // tuner frequency reported to clients, Hz
	Bandwidth  float64
	ToneOffset float64 // mock tone offset from the tuner frequency, Hz
	NoiseLevel float64 // mock noise standard deviation
	NumSamples int     // samples per RX call
	Path       string  // file sources only
	Format     Format
	Loop       bool // restart file sources at EOF
}

const (
	defaultSampleRate = 250e3
	defaultNumSamples = 4096
)

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.NumSamples <= 0 {
		c.NumSamples = defaultNumSamples
	}
	if c.Bandwidth <= 0 || c.Bandwidth > c.SampleRate {
		c.Bandwidth = c.SampleRate
	}
	return c
}

// Info describes the stream a source produces.
type Info struct {
	Name       string
	SampleRate float64
	Frequency  float64
	Bandwidth  float64
	Realtime   bool
}

// Source captures the sample operations required by the analyzer.
type Source interface {
	Init(ctx context.Context, cfg Config) error
	// RX returns the next batch. Finite sources return ErrEndOfStream when
	// exhausted.
	RX(ctx context.Context) ([]complex64, error)
	Info() Info
	Close() error
}

// New returns an uninitialized source: a file source when path is set, the
// synthetic tone generator otherwise.
func New(cfg Config) Source {
	if cfg.Path != "" {
		return NewFile()
	}
	return NewMock()
}
