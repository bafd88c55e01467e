// Package config loads daemon configuration from an optional YAML file with
// environment variable overrides. Durations are configured as integer
// millisecond/second fields in the file, mirroring the wire's millisecond
// timestamps; accessor methods convert to time.Duration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Root is the relay home; everything lives under it unless overridden.
	Root string `yaml:"root"`
	// SocketPath is the unix domain socket the daemon listens on.
	SocketPath string `yaml:"socket_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"

	// MetricsAddr enables the Prometheus endpoint when set, e.g.
	// "127.0.0.1:9464". Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	MaxAgents int `yaml:"max_agents"` // 0 = unlimited

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Policy    PolicyConfig    `yaml:"policy"`

	ProcessingTimeoutSeconds int `yaml:"processing_timeout_seconds"`
	SpawningTimeoutSeconds   int `yaml:"spawning_timeout_seconds"`
	DedupWindow              int `yaml:"dedup_window"`
	WriteQueueSize           int `yaml:"write_queue_size"`
	WriteTimeoutSeconds      int `yaml:"write_timeout_seconds"`
}

type RateLimitConfig struct {
	Disabled bool    `yaml:"disabled"`
	Rate     float64 `yaml:"rate"`  // tokens per second
	Burst    int     `yaml:"burst"` // bucket capacity
}

type DeliveryConfig struct {
	BaseMs      int `yaml:"base_ms"`
	Multiplier  int `yaml:"multiplier"`
	MaxAttempts int `yaml:"max_attempts"`
	TTLSeconds  int `yaml:"ttl_seconds"`
}

type WatchdogConfig struct {
	SettleMs             int   `yaml:"settle_ms"`
	StabilityProbeMs     int   `yaml:"stability_probe_ms"`
	MalformedTimeoutSecs int   `yaml:"malformed_timeout_seconds"`
	ReconcileSeconds     int   `yaml:"reconcile_seconds"`
	CleanupSeconds       int   `yaml:"cleanup_seconds"`
	StaleSeconds         int   `yaml:"stale_seconds"`
	MaxMessageBytes      int64 `yaml:"max_message_bytes"`
	MaxAttachmentBytes   int64 `yaml:"max_attachment_bytes"`
	OrphanedPendingSecs  int   `yaml:"orphaned_pending_seconds"`
	ArchiveRetentionDays int   `yaml:"archive_retention_days"`
}

type PolicyConfig struct {
	Enforce bool `yaml:"enforce"`
}

// envOverrides are the recognised environment variables. They win over the
// YAML file, which wins over defaults.
type envOverrides struct {
	SocketPath       string `env:"RELAY_SOCKET_PATH"`
	Root             string `env:"RELAY_ROOT"`
	LogLevel         string `env:"RELAY_LOG_LEVEL"`
	MetricsAddr      string `env:"RELAY_METRICS_ADDR"`
	RateLimitDisable bool   `env:"RELAY_RATE_LIMIT_DISABLED"`
	PolicyEnforce    bool   `env:"RELAY_POLICY_ENFORCE" envDefault:"false"`
	MaxAgents        int    `env:"RELAY_MAX_AGENTS" envDefault:"-1"`
}

// Load reads the YAML file (optional: empty path or missing file falls back
// to defaults), applies defaults, overlays environment variables and
// validates the result. A .env file in the working directory is honoured;
// its absence is not an error.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	explicitSocket := cfg.SocketPath != ""
	cfg.applyDefaults()

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if ov.Root != "" {
		cfg.Root = ov.Root
		if !explicitSocket {
			cfg.SocketPath = "" // re-derive from the new root below
		}
	}
	if ov.SocketPath != "" {
		cfg.SocketPath = ov.SocketPath
	}
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if ov.MetricsAddr != "" {
		cfg.MetricsAddr = ov.MetricsAddr
	}
	if ov.RateLimitDisable {
		cfg.RateLimit.Disabled = true
	}
	if ov.PolicyEnforce {
		cfg.Policy.Enforce = true
	}
	if ov.MaxAgents >= 0 {
		cfg.MaxAgents = ov.MaxAgents
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.Root, "relayd.sock")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Root = filepath.Join(home, ".agent-relay")
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.Root, "relayd.sock")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Delivery.BaseMs == 0 {
		c.Delivery.BaseMs = 1000
	}
	if c.Delivery.Multiplier == 0 {
		c.Delivery.Multiplier = 2
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Delivery.TTLSeconds == 0 {
		c.Delivery.TTLSeconds = 60
	}
	w := &c.Watchdog
	if w.SettleMs == 0 {
		w.SettleMs = 500
	}
	if w.StabilityProbeMs == 0 {
		w.StabilityProbeMs = 50
	}
	if w.MalformedTimeoutSecs == 0 {
		w.MalformedTimeoutSecs = 10
	}
	if w.ReconcileSeconds == 0 {
		w.ReconcileSeconds = 30
	}
	if w.CleanupSeconds == 0 {
		w.CleanupSeconds = 60
	}
	if w.StaleSeconds == 0 {
		w.StaleSeconds = 60
	}
	if w.MaxMessageBytes == 0 {
		w.MaxMessageBytes = 1 << 20
	}
	if w.MaxAttachmentBytes == 0 {
		w.MaxAttachmentBytes = 10 << 20
	}
	if w.OrphanedPendingSecs == 0 {
		w.OrphanedPendingSecs = 30
	}
	if w.ArchiveRetentionDays == 0 {
		w.ArchiveRetentionDays = 7
	}
	if c.ProcessingTimeoutSeconds == 0 {
		c.ProcessingTimeoutSeconds = 30
	}
	if c.SpawningTimeoutSeconds == 0 {
		c.SpawningTimeoutSeconds = 60
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 2000
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = 256
	}
	if c.WriteTimeoutSeconds == 0 {
		c.WriteTimeoutSeconds = 10
	}
}

func (c *Config) validate() error {
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery max_attempts must be positive: %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.Multiplier < 1 {
		return fmt.Errorf("delivery multiplier must be >= 1: %d", c.Delivery.Multiplier)
	}
	if c.Watchdog.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive: %d", c.Watchdog.MaxMessageBytes)
	}
	if c.RateLimit.Rate < 0 {
		return fmt.Errorf("rate_limit rate cannot be negative: %f", c.RateLimit.Rate)
	}
	if c.MaxAgents < 0 {
		return fmt.Errorf("max_agents cannot be negative: %d", c.MaxAgents)
	}
	return nil
}

// Path helpers; all directories live under Root.

func (c *Config) OutboxDir() string      { return filepath.Join(c.Root, "outbox") }
func (c *Config) ArchiveDir() string     { return filepath.Join(c.Root, "archive") }
func (c *Config) MetaDir() string        { return filepath.Join(c.Root, "meta") }
func (c *Config) LedgerPath() string     { return filepath.Join(c.Root, "meta", "ledger.sqlite") }
func (c *Config) StoreDir() string       { return filepath.Join(c.Root, "meta", "store") }
func (c *Config) AttachmentsDir() string { return filepath.Join(c.Root, "attachments") }
