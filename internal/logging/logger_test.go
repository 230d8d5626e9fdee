package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestInitJSONOutput verifies that the json format writes structured lines
// and that the level filter is applied.
func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{Level: "info", Format: "console"}) })

	Info().Msg("hidden")
	Warn().Str("nickname", "alice").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"nickname":"alice"`) || !strings.Contains(out, `"message":"visible"`) {
		t.Errorf("expected structured warn line, got %s", out)
	}
}

// TestSetLoggerRoutesHelpers verifies that the package helpers write through
// a logger installed with SetLogger and that Logger returns it.
func TestSetLoggerRoutesHelpers(t *testing.T) {
	previous := Logger()
	t.Cleanup(func() { SetLogger(previous) })

	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).With().Str("component", "test").Logger())

	Warn().Msg("captured")
	if !strings.Contains(buf.String(), `"message":"captured"`) {
		t.Errorf("expected helper output in buffer, got %q", buf.String())
	}

	buf.Reset()
	l := Logger()
	l.Warn().Msg("direct")
	if !strings.Contains(buf.String(), `"component":"test"`) {
		t.Errorf("Logger should return the installed logger, got %q", buf.String())
	}
}
