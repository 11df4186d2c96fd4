package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "WARNING": Warn, " error ": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != JSON {
		t.Fatalf("expected json format, got %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, JSON, &buf).With(F("subsystem", "delivery"))
	l.Debug("hidden")
	l.Warn("slow network", F("discarded", 3), F("err", errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["level"] != "WARN" || entry["msg"] != "slow network" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["subsystem"] != "delivery" || entry["discarded"].(float64) != 3 || entry["err"] != "boom" {
		t.Fatalf("missing fields: %v", entry)
	}
}

func TestDefaultNeverNil(t *testing.T) {
	if Default() == nil || OrDefault(nil) == nil {
		t.Fatalf("default logger must not be nil")
	}
}
