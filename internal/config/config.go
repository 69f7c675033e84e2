// Package config loads server configuration from an optional YAML file
// with environment-variable overrides. Environment always wins, so a
// deployment can ship a baseline file and still tune per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`

	// Vault selects credential storage: the encrypted file vault by
	// default, Postgres when a DSN is set.
	VaultPath       string `yaml:"vault_path"`
	VaultPassphrase string `yaml:"-"` // env only, never in the file
	PostgresDSN     string `yaml:"postgres_dsn"`

	// Audit sink selection: ClickHouse when a DSN is set, otherwise a JSONL
	// file when a path is set, otherwise structured logs.
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	AuditFilePath string `yaml:"audit_file_path"`
	AuditRingCap  int    `yaml:"audit_ring_cap"`

	CostHistoryPath string `yaml:"cost_history_path"`

	// BlocklistPath points at a file of SHA-256 hashes of compromised keys,
	// one lowercase hex hash per line.
	BlocklistPath string `yaml:"blocklist_path"`

	LockTimeout   time.Duration `yaml:"lock_timeout"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:        "8080",
		LogLevel:        "info",
		VaultPath:       defaultVaultPath(),
		AuditRingCap:    10_000,
		CostHistoryPath: "",
		LockTimeout:     30 * time.Second,
		VerifyTimeout:   15 * time.Second,
		RateLimit: RateLimitConfig{
			Window:      15 * time.Minute,
			MaxAttempts: 5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			BackoffFactor:    2.0,
			MaxCooldown:      5 * time.Minute,
		},
	}
}

func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.vault"
	}
	return home + "/.authcore/credentials.vault"
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty; a missing file at an explicit path is an error), then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config.Load: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config.Load: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = envOrDefault("AUTHCORE_HTTP_PORT", c.HTTPPort)
	c.LogLevel = envOrDefault("AUTHCORE_LOG_LEVEL", c.LogLevel)
	c.VaultPath = envOrDefault("AUTHCORE_VAULT_PATH", c.VaultPath)
	c.VaultPassphrase = envOrDefault("AUTHCORE_VAULT_PASSPHRASE", c.VaultPassphrase)
	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.ClickHouseDSN)
	c.AuditFilePath = envOrDefault("AUTHCORE_AUDIT_FILE", c.AuditFilePath)
	c.AuditRingCap = envOrDefaultInt("AUTHCORE_AUDIT_RING_CAP", c.AuditRingCap)
	c.CostHistoryPath = envOrDefault("AUTHCORE_COST_HISTORY", c.CostHistoryPath)
	c.BlocklistPath = envOrDefault("AUTHCORE_BLOCKLIST_PATH", c.BlocklistPath)
	c.LockTimeout = envOrDefaultDuration("AUTHCORE_LOCK_TIMEOUT", c.LockTimeout)
	c.VerifyTimeout = envOrDefaultDuration("AUTHCORE_VERIFY_TIMEOUT", c.VerifyTimeout)
	c.RateLimit.Window = envOrDefaultDuration("AUTHCORE_RATE_WINDOW", c.RateLimit.Window)
	c.RateLimit.MaxAttempts = envOrDefaultInt("AUTHCORE_RATE_MAX_ATTEMPTS", c.RateLimit.MaxAttempts)
	c.Breaker.FailureThreshold = envOrDefaultInt("AUTHCORE_BREAKER_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.Cooldown = envOrDefaultDuration("AUTHCORE_BREAKER_COOLDOWN", c.Breaker.Cooldown)
	c.Breaker.BackoffFactor = envOrDefaultFloat("AUTHCORE_BREAKER_BACKOFF", c.Breaker.BackoffFactor)
	c.Breaker.MaxCooldown = envOrDefaultDuration("AUTHCORE_BREAKER_MAX_COOLDOWN", c.Breaker.MaxCooldown)
}

func (c *Config) validate() error {
	if c.RateLimit.MaxAttempts <= 0 {
		return fmt.Errorf("config: rate_limit.max_attempts must be positive, got %d", c.RateLimit.MaxAttempts)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: rate_limit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.BackoffFactor < 1 {
		return fmt.Errorf("config: breaker.backoff_factor must be >= 1, got %v", c.Breaker.BackoffFactor)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: lock_timeout must be positive, got %s", c.LockTimeout)
	}
	return nil
}

// LoadBlocklist reads the compromised-key hash file named by BlocklistPath:
// one lowercase hex SHA-256 per line, blank lines and #-comments skipped.
// An empty path yields an empty list.
func (c *Config) LoadBlocklist() ([]string, error) {
	if c.BlocklistPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.BlocklistPath)
	if err != nil {
		return nil, fmt.Errorf("config.LoadBlocklist: %w", err)
	}
	var hashes []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hashes = append(hashes, strings.ToLower(line))
	}
	return hashes, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
