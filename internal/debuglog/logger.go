// Package debuglog builds the process loggers. Output goes to stderr as
// console text, or JSON lines when ALNP_LOG_JSON=1.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvDebug    = "ALNP_DEBUG"
	EnvLogLevel = "ALNP_LOG_LEVEL"
	EnvLogJSON  = "ALNP_LOG_JSON"
)

type Config struct {
	Level zerolog.Level
	JSON  bool
	Out   io.Writer
}

var (
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// ConfigFromEnv reads the ALNP_DEBUG, ALNP_LOG_LEVEL and ALNP_LOG_JSON overrides.
func ConfigFromEnv() Config {
	cfg := Config{Level: zerolog.InfoLevel, Out: os.Stderr}
	if v, ok := parseBool(os.Getenv(EnvDebug)); ok && v {
		cfg.Level = zerolog.DebugLevel
	}
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
	return cfg
}

// New builds a logger from cfg. Writes are serialized, so cfg.Out need not be safe for concurrent use.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Out != nil {
		out = zerolog.SyncWriter(cfg.Out)
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// RateLimitedf logs to l at debug level at most once per interval for key.
func RateLimitedf(l zerolog.Logger, key string, interval time.Duration, format string, args ...any) {
	if key == "" || l.GetLevel() > zerolog.DebugLevel {
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
	l.Debug().Str("key", key).Msg(fmt.Sprintf(format, args...))
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
