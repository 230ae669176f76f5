package pprofutil

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvEnable, "1")
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvAllowPublic, "")
	cfg := ConfigFromEnv()
	if !cfg.Enabled || cfg.Addr != defaultAddr || cfg.AllowPublic {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestStartRejectsPublicBind(t *testing.T) {
	if _, err := Start(Config{Addr: "0.0.0.0:0"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected public bind to be rejected")
	}
}

func TestStartServesIndex(t *testing.T) {
	addr, err := Start(Config{Addr: "127.0.0.1:0"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
