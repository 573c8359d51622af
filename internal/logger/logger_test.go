package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"trace":   zerolog.TraceLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Log.With("component", "engine").Info("pushed", "queue", "in0", "err", errors.New("boom"), "dangling")

	out := buf.String()
	for _, want := range []string{`"component":"engine"`, `"queue":"in0"`, `"err":"boom"`, `"message":"pushed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %s", out, want)
		}
	}
	if strings.Contains(out, "dangling") {
		t.Errorf("odd trailing key should be dropped: %q", out)
	}
}
