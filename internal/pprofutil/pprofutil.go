// Package pprofutil runs an optional pprof listener, enabled by ALNP_PPROF=1.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvEnable      = "ALNP_PPROF"
	EnvAddr        = "ALNP_PPROF_ADDR"
	EnvAllowPublic = "ALNP_PPROF_ALLOW_PUBLIC"

	defaultAddr = "127.0.0.1:6060"
)

type Config struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

var (
	startOnce sync.Once
	startErr  error
)

func ConfigFromEnv() Config {
	cfg := Config{
		Enabled:     strings.TrimSpace(os.Getenv(EnvEnable)) == "1",
		Addr:        strings.TrimSpace(os.Getenv(EnvAddr)),
		AllowPublic: strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1",
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	return cfg
}

// StartFromEnv starts the listener once per process if the environment
// enables it.
func StartFromEnv(log zerolog.Logger) error {
	cfg := ConfigFromEnv()
	if !cfg.Enabled {
		return nil
	}
	startOnce.Do(func() {
		_, startErr = Start(cfg, log)
	})
	return startErr
}

// Start listens on cfg.Addr and serves /debug/pprof/ in the background. It
// returns the bound address.
func Start(cfg Config, log zerolog.Logger) (net.Addr, error) {
	if !cfg.AllowPublic && !isLoopbackBind(cfg.Addr) {
		return nil, fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, cfg.Addr)
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	srv := &http.Server{
		Handler:           mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	log.Info().Str("url", "http://"+ln.Addr().String()+"/debug/pprof/").Msg("pprof enabled")
	return ln.Addr(), nil
}

func mux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
