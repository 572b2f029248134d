// Package config loads the application configuration from a YAML file,
// expanding environment variables and applying defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:newsriver.db?cache=shared&mode=rwc,description=Database connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Database configuration"`

	Poll struct {
		Interval   time.Duration `yaml:"interval" json:"interval" jsonschema:"default=15m,description=Poll run interval"`
		Timeout    time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=Per-feed fetch timeout"`
		MaxWorkers int           `yaml:"max_workers" json:"max_workers" jsonschema:"default=5,description=Maximum concurrent source fetches"`
		UserAgent  string        `yaml:"user_agent" json:"user_agent" jsonschema:"default=newsriver/1.0 feed aggregator,description=User agent for feed requests"`
	} `yaml:"poll" json:"poll" jsonschema:"description=Poll orchestrator configuration"`

	Dedup struct {
		Lookback  time.Duration `yaml:"lookback" json:"lookback" jsonschema:"default=168h,description=Age limit of the story-group dedup window"`
		Threshold float64       `yaml:"threshold" json:"threshold" jsonschema:"default=0.6,minimum=0,maximum=1,description=Jaccard similarity threshold for grouping"`
	} `yaml:"dedup" json:"dedup" jsonschema:"description=Title dedup configuration"`

	Lifecycle struct {
		Retention        time.Duration `yaml:"retention" json:"retention" jsonschema:"default=336h,description=Item retention window after publication"`
		DeletionGrace    time.Duration `yaml:"deletion_grace" json:"deletion_grace" jsonschema:"default=1h,description=Fast-track expiry for marked items"`
		DisableThreshold int           `yaml:"disable_threshold" json:"disable_threshold" jsonschema:"default=5,minimum=1,description=Consecutive failures before a source is auto-disabled"`
		SweepBatchSize   int           `yaml:"sweep_batch_size" json:"sweep_batch_size" jsonschema:"default=25,minimum=1,description=Items deleted per sweep batch"`
		CleanupInterval  time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" jsonschema:"default=24h,description=Scheduled cleanup interval"`
		StreamInterval   time.Duration `yaml:"stream_interval" json:"stream_interval" jsonschema:"default=1m,description=Removal stream consumer interval"`
	} `yaml:"lifecycle" json:"lifecycle" jsonschema:"description=Deletion lifecycle configuration"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "file:newsriver.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 3600
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = 15 * time.Minute
	}
	if c.Poll.Timeout == 0 {
		c.Poll.Timeout = 30 * time.Second
	}
	if c.Poll.MaxWorkers == 0 {
		c.Poll.MaxWorkers = 5
	}
	if c.Poll.UserAgent == "" {
		c.Poll.UserAgent = "newsriver/1.0 feed aggregator"
	}

	if c.Dedup.Lookback == 0 {
		c.Dedup.Lookback = 7 * 24 * time.Hour
	}
	if c.Dedup.Threshold == 0 {
		c.Dedup.Threshold = 0.6
	}

	if c.Lifecycle.Retention == 0 {
		c.Lifecycle.Retention = 14 * 24 * time.Hour
	}
	if c.Lifecycle.DeletionGrace == 0 {
		c.Lifecycle.DeletionGrace = time.Hour
	}
	if c.Lifecycle.DisableThreshold == 0 {
		c.Lifecycle.DisableThreshold = 5
	}
	if c.Lifecycle.SweepBatchSize == 0 {
		c.Lifecycle.SweepBatchSize = 25
	}
	if c.Lifecycle.CleanupInterval == 0 {
		c.Lifecycle.CleanupInterval = 24 * time.Hour
	}
	if c.Lifecycle.StreamInterval == 0 {
		c.Lifecycle.StreamInterval = time.Minute
	}
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	if cfg.Poll.Interval < time.Minute {
		return fmt.Errorf("poll.interval must be at least 1 minute")
	}
	if cfg.Poll.MaxWorkers < 1 {
		return fmt.Errorf("poll.max_workers must be at least 1")
	}

	if cfg.Dedup.Threshold < 0 || cfg.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be between 0 and 1")
	}

	if cfg.Lifecycle.Retention < cfg.Dedup.Lookback {
		return fmt.Errorf("lifecycle.retention must not be shorter than dedup.lookback")
	}
	if cfg.Lifecycle.DisableThreshold < 1 {
		return fmt.Errorf("lifecycle.disable_threshold must be at least 1")
	}
	if cfg.Lifecycle.SweepBatchSize < 1 {
		return fmt.Errorf("lifecycle.sweep_batch_size must be at least 1")
	}

	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}
