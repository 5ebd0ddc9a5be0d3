package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEnvConfigDefaults(t *testing.T) {
	t.Setenv("PAF_HOME", "/tmp/paf-test")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.ClaudePort != 8801 || cfg.CodexPort != 8802 || cfg.WebPort != 8800 {
		t.Fatalf("ports = %d/%d/%d", cfg.ClaudePort, cfg.CodexPort, cfg.WebPort)
	}
	if cfg.LedgerMaxEntries != 50 {
		t.Fatalf("ledger max entries = %d", cfg.LedgerMaxEntries)
	}
	if cfg.WatchDebounce != 200*time.Millisecond {
		t.Fatalf("watch debounce = %v", cfg.WatchDebounce)
	}
	if cfg.ListenAddress != "0.0.0.0" {
		t.Fatalf("listen address = %q", cfg.ListenAddress)
	}
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	t.Setenv("PAF_HOME", "/srv/paf")
	t.Setenv("PAF_CLAUDE_PORT", "9901")
	t.Setenv("PAF_LEDGER_MAX_ENTRIES", "200")
	t.Setenv("PAF_WATCH_DEBOUNCE", "1s")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.ClaudePort != 9901 {
		t.Fatalf("claude port = %d", cfg.ClaudePort)
	}
	if cfg.LedgerMaxEntries != 200 {
		t.Fatalf("ledger max entries = %d", cfg.LedgerMaxEntries)
	}
	if cfg.WatchDebounce != time.Second {
		t.Fatalf("watch debounce = %v", cfg.WatchDebounce)
	}
}

func TestLoadEnvConfigInvalidValuesAccumulate(t *testing.T) {
	t.Setenv("PAF_HOME", "/srv/paf")
	t.Setenv("PAF_CLAUDE_PORT", "not-a-number")
	t.Setenv("PAF_WEB_PORT", "70000")
	t.Setenv("PAF_WATCH_DEBOUNCE", "fast")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"PAF_CLAUDE_PORT", "PAF_WEB_PORT", "PAF_WATCH_DEBOUNCE"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %s", msg, want)
		}
	}
}

func TestStateDirectoryLayout(t *testing.T) {
	t.Setenv("PAF_HOME", "/srv/paf")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if got := cfg.ClaudeConfigPath(); got != filepath.Join("/srv/paf", "claude.toml") {
		t.Fatalf("claude config path = %q", got)
	}
	if got := cfg.BalancerPath(); got != filepath.Join("/srv/paf", "data", "lb_config.toml") {
		t.Fatalf("balancer path = %q", got)
	}
	if got := cfg.LedgerPath(); got != filepath.Join("/srv/paf", "data", "proxy_requests.db") {
		t.Fatalf("ledger path = %q", got)
	}
	if got := cfg.PidPath(); got != filepath.Join("/srv/paf", "paf.pid") {
		t.Fatalf("pid path = %q", got)
	}
}
