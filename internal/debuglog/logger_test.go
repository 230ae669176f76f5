package debuglog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
		"warning": zerolog.WarnLevel,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v, %v", raw, got, ok)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be ignored")
	}
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv(EnvDebug, "1")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogJSON, "true")
	cfg := ConfigFromEnv()
	if cfg.Level != zerolog.DebugLevel || !cfg.JSON {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	t.Setenv(EnvLogLevel, "error")
	if cfg := ConfigFromEnv(); cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("explicit level should win over debug flag, got %v", cfg.Level)
	}
}

func TestBuildJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	l.Debug().Msg("hidden")
	l.Info().Str("session", "abc").Msg("ready")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"session":"abc"`) || !strings.Contains(out, `"message":"ready"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestRateLimitedfUsesGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: zerolog.DebugLevel, JSON: true, Out: &buf})
	RateLimitedf(l, "drop:10.0.0.1", time.Hour, "dropped %d", 1)
	RateLimitedf(l, "drop:10.0.0.1", time.Hour, "dropped %d", 2)
	RateLimitedf(l, "drop:10.0.0.2", time.Hour, "dropped %d", 3)
	out := buf.String()
	if strings.Count(out, "\n") != 2 || !strings.Contains(out, "dropped 1") || !strings.Contains(out, "dropped 3") {
		t.Fatalf("unexpected output: %s", out)
	}

	var quiet bytes.Buffer
	RateLimitedf(New(Config{Level: zerolog.InfoLevel, JSON: true, Out: &quiet}), "drop:10.0.0.3", time.Hour, "hidden")
	if quiet.Len() != 0 {
		t.Fatalf("info logger should skip debug lines: %s", quiet.String())
	}
}
