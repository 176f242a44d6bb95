// Package config loads the application configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the qualification engine.
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Blocklist BlocklistConfig `yaml:"blocklist"`
	Progress  ProgressConfig  `yaml:"progress"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DataConfig holds the persistent state layout.
type DataConfig struct {
	Dir       string `yaml:"dir"`        // root for stores and outputs
	OutputDir string `yaml:"output_dir"` // category outputs; defaults to <dir>/output
}

// MetadataDBPath returns the metadata store artifact path.
func (c DataConfig) MetadataDBPath() string { return filepath.Join(c.Dir, "metadata.db") }

// CacheDBPath returns the processing cache artifact path.
func (c DataConfig) CacheDBPath() string { return filepath.Join(c.Dir, "proccache.db") }

// BlocklistDir returns the directory holding the blocklist append-logs.
func (c DataConfig) BlocklistDir() string { return filepath.Join(c.Dir, "blocklists") }

// PipelineConfig tunes the processing run.
type PipelineConfig struct {
	Readers          int    `yaml:"readers"`            // concurrent file readers
	Workers          int    `yaml:"workers"`            // record workers; 0 = NumCPU
	ChannelDepth     int    `yaml:"channel_depth"`      // record channel bound
	FlushThreshold   int    `yaml:"flush_threshold"`    // per-category buffer bound
	Dedup            string `yaml:"dedup"`              // none | within_batch | against_cache
	ReaderTimeoutMin int    `yaml:"reader_timeout_min"` // per-file budget
	RecordTimeoutMS  int    `yaml:"record_timeout_ms"`  // per-record budget
	SkipIfCached     bool   `yaml:"skip_if_cached"`
	EnrichFromStore  bool   `yaml:"enrich_from_store"`
}

// ReaderTimeout returns the per-file reader budget.
func (c PipelineConfig) ReaderTimeout() time.Duration {
	return time.Duration(c.ReaderTimeoutMin) * time.Minute
}

// RecordTimeout returns the per-record budget.
func (c PipelineConfig) RecordTimeout() time.Duration {
	return time.Duration(c.RecordTimeoutMS) * time.Millisecond
}

// BlocklistConfig tunes the blocklist service.
type BlocklistConfig struct {
	PromotionThreshold int `yaml:"promotion_threshold"` // K blocked addresses per domain
	HistoryCapacity    int `yaml:"history_capacity"`
}

// ProgressConfig controls progress mirroring. Redis is optional; when the
// address is empty every snapshot stays in memory and no connection is made.
type ProgressConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	TTLHours  int    `yaml:"ttl_hours"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and the data dir
// rooted at the given path.
func Default(dataDir string) *Config {
	cfg := &Config{}
	cfg.Data.Dir = dataDir
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Data.Dir == "" {
		c.Data.Dir = "data"
	}
	if c.Data.OutputDir == "" {
		c.Data.OutputDir = filepath.Join(c.Data.Dir, "output")
	}
	if c.Pipeline.Readers == 0 {
		c.Pipeline.Readers = 2
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = runtime.NumCPU()
	}
	if c.Pipeline.ChannelDepth == 0 {
		c.Pipeline.ChannelDepth = 10000
	}
	if c.Pipeline.FlushThreshold == 0 {
		c.Pipeline.FlushThreshold = 5000
	}
	if c.Pipeline.Dedup == "" {
		c.Pipeline.Dedup = "within_batch"
	}
	if c.Pipeline.ReaderTimeoutMin == 0 {
		c.Pipeline.ReaderTimeoutMin = 10
	}
	if c.Pipeline.RecordTimeoutMS == 0 {
		c.Pipeline.RecordTimeoutMS = 1000
	}
	if c.Blocklist.PromotionThreshold == 0 {
		c.Blocklist.PromotionThreshold = 5
	}
	if c.Blocklist.HistoryCapacity == 0 {
		c.Blocklist.HistoryCapacity = 100
	}
	if c.Progress.TTLHours == 0 {
		c.Progress.TTLHours = 24
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so local
// settings can live in .env and real env vars win in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("MAILQUAL_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
		cfg.Data.OutputDir = filepath.Join(v, "output")
	}
	if v := os.Getenv("MAILQUAL_OUTPUT_DIR"); v != "" {
		cfg.Data.OutputDir = v
	}
	if v := os.Getenv("MAILQUAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("MAILQUAL_REDIS_ADDR"); v != "" {
		cfg.Progress.RedisAddr = v
	}
	if v := os.Getenv("MAILQUAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
