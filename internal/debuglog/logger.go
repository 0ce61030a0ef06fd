package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	root    zerolog.Logger
	initted bool

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// ParseLevel maps a config or env string to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "off", "disabled", "none":
		return zerolog.Disabled, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("debuglog: bad level %q", s)
	}
	return lvl, nil
}

// levelFromEnv applies MESH_LOG_LEVEL, then MESH_DEBUG=1 which forces debug.
func levelFromEnv(fallback zerolog.Level) zerolog.Level {
	lvl := fallback
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		if parsed, err := ParseLevel(v); err == nil {
			lvl = parsed
		}
	}
	if os.Getenv("MESH_DEBUG") == "1" && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	return lvl
}

// Init builds the process logger on w with a console writer. The level comes
// from level, overridden by the environment.
func Init(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	l := zerolog.New(out).Level(levelFromEnv(level)).With().Timestamp().Logger()
	mu.Lock()
	root = l
	initted = true
	mu.Unlock()
	return l
}

// L returns the process logger, initializing it on stderr on first use.
func L() zerolog.Logger {
	mu.RLock()
	if initted {
		l := root
		mu.RUnlock()
		return l
	}
	mu.RUnlock()
	return Init(os.Stderr, zerolog.InfoLevel)
}

// Component returns the process logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return L().With().Str("component", name).Logger()
}

func enabled() bool {
	l := L()
	return l.GetLevel() <= zerolog.DebugLevel
}

func Logf(format string, args ...any) {
	l := L()
	l.Info().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	l := L()
	l.Debug().Msgf(format, args...)
}

// RateLimitedf logs at debug level at most once per interval for key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
