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
		"":      zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"off":   zerolog.Disabled,
		"trace": zerolog.TraceLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESH_LOG_LEVEL", "error")
	t.Setenv("MESH_DEBUG", "")
	if got := levelFromEnv(zerolog.InfoLevel); got != zerolog.ErrorLevel {
		t.Fatalf("expected error level, got %v", got)
	}
	t.Setenv("MESH_DEBUG", "1")
	if got := levelFromEnv(zerolog.InfoLevel); got != zerolog.DebugLevel {
		t.Fatalf("MESH_DEBUG should force debug, got %v", got)
	}
	t.Setenv("MESH_LOG_LEVEL", "trace")
	if got := levelFromEnv(zerolog.InfoLevel); got != zerolog.TraceLevel {
		t.Fatalf("trace is already below debug, got %v", got)
	}
}

func TestRateLimitedf(t *testing.T) {
	t.Setenv("MESH_LOG_LEVEL", "debug")
	t.Setenv("MESH_DEBUG", "")
	var buf bytes.Buffer
	Init(&buf, zerolog.InfoLevel)
	defer Init(nil, zerolog.InfoLevel)

	for i := 0; i < 5; i++ {
		RateLimitedf("drop:fragment", time.Hour, "dropped fragment %d", i)
	}
	if n := strings.Count(buf.String(), "dropped fragment"); n != 1 {
		t.Fatalf("expected one line, got %d:\n%s", n, buf.String())
	}
	Logf("plain %s", "line")
	if !strings.Contains(buf.String(), "plain line") {
		t.Fatalf("missing Logf output")
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	t.Setenv("MESH_LOG_LEVEL", "")
	t.Setenv("MESH_DEBUG", "")
	var buf bytes.Buffer
	Init(&buf, zerolog.InfoLevel)
	defer Init(nil, zerolog.InfoLevel)
	Debugf("hidden")
	RateLimitedf("k", time.Millisecond, "hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}
