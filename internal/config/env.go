// Package config handles environment-based configuration loading and
// the layout of the state directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// HomeDir is the state directory holding upstream config files, the
	// balancer state, the request ledger, logs, and the pid file.
	HomeDir string

	// Network
	ListenAddress string

	// Ports
	ClaudePort   int
	CodexPort    int
	WebPort      int
	MaxBodyBytes int

	// Ledger
	LedgerMaxEntries int
	LedgerQueueSize  int

	// Upstream config watching
	WatchDebounce time.Duration

	// Log rotation
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.HomeDir = envStr("PAF_HOME", "")
	if cfg.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			errs = append(errs, fmt.Sprintf("PAF_HOME unset and user home unavailable: %v", err))
		} else {
			cfg.HomeDir = filepath.Join(home, ".paf")
		}
	}
	cfg.ListenAddress = strings.TrimSpace(envStr("PAF_LISTEN_ADDRESS", "0.0.0.0"))

	cfg.ClaudePort = envInt("PAF_CLAUDE_PORT", 8801, &errs)
	cfg.CodexPort = envInt("PAF_CODEX_PORT", 8802, &errs)
	cfg.WebPort = envInt("PAF_WEB_PORT", 8800, &errs)
	cfg.MaxBodyBytes = envInt("PAF_API_MAX_BODY_BYTES", 10<<20, &errs)

	cfg.LedgerMaxEntries = envInt("PAF_LEDGER_MAX_ENTRIES", 50, &errs)
	cfg.LedgerQueueSize = envInt("PAF_LEDGER_QUEUE_SIZE", 1024, &errs)

	cfg.WatchDebounce = envDuration("PAF_WATCH_DEBOUNCE", 200*time.Millisecond, &errs)

	cfg.LogMaxSizeMB = envInt("PAF_LOG_MAX_SIZE_MB", 10, &errs)
	cfg.LogMaxBackups = envInt("PAF_LOG_MAX_BACKUPS", 3, &errs)
	cfg.LogMaxAgeDays = envInt("PAF_LOG_MAX_AGE_DAYS", 30, &errs)

	if cfg.ListenAddress == "" {
		errs = append(errs, "PAF_LISTEN_ADDRESS must not be empty")
	}
	validatePort("PAF_CLAUDE_PORT", cfg.ClaudePort, &errs)
	validatePort("PAF_CODEX_PORT", cfg.CodexPort, &errs)
	validatePort("PAF_WEB_PORT", cfg.WebPort, &errs)
	validatePositive("PAF_API_MAX_BODY_BYTES", cfg.MaxBodyBytes, &errs)
	validatePositive("PAF_LEDGER_MAX_ENTRIES", cfg.LedgerMaxEntries, &errs)
	validatePositive("PAF_LEDGER_QUEUE_SIZE", cfg.LedgerQueueSize, &errs)
	if cfg.WatchDebounce <= 0 {
		errs = append(errs, "PAF_WATCH_DEBOUNCE must be positive")
	}
	validatePositive("PAF_LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB, &errs)
	if cfg.LogMaxBackups < 0 {
		errs = append(errs, fmt.Sprintf("PAF_LOG_MAX_BACKUPS: must not be negative, got %d", cfg.LogMaxBackups))
	}
	if cfg.LogMaxAgeDays < 0 {
		errs = append(errs, fmt.Sprintf("PAF_LOG_MAX_AGE_DAYS: must not be negative, got %d", cfg.LogMaxAgeDays))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// State directory layout.

func (c *EnvConfig) ClaudeConfigPath() string { return filepath.Join(c.HomeDir, "claude.toml") }
func (c *EnvConfig) CodexConfigPath() string  { return filepath.Join(c.HomeDir, "codex.toml") }
func (c *EnvConfig) DataDir() string          { return filepath.Join(c.HomeDir, "data") }
func (c *EnvConfig) LogDir() string           { return filepath.Join(c.HomeDir, "logs") }
func (c *EnvConfig) PidPath() string          { return filepath.Join(c.HomeDir, "paf.pid") }

// Balancer state is JSON but historically named lb_config.toml; readers
// of existing installs depend on the name.
func (c *EnvConfig) BalancerPath() string { return filepath.Join(c.DataDir(), "lb_config.toml") }

func (c *EnvConfig) LedgerPath() string { return filepath.Join(c.DataDir(), "proxy_requests.db") }

// EnsureHomeDir creates the state directory tree.
func (c *EnvConfig) EnsureHomeDir() error {
	for _, dir := range []string{c.HomeDir, c.DataDir(), c.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
