// Package config loads and validates the probeline daemon configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration, loaded from YAML with
// environment variable overrides.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Collector CollectorConfig `yaml:"collector"`
	Retention RetentionConfig `yaml:"retention"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"PROBELINE_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty"`
}

// StorageConfig contains event storage settings.
type StorageConfig struct {
	// Path is the directory holding the DuckDB database file. Created
	// if missing.
	Path string `yaml:"path" env:"PROBELINE_STORAGE_PATH"`
}

// CollectorConfig tunes the instrumentation pipeline.
type CollectorConfig struct {
	// RingCapacity is the per-session ring buffer capacity in entries.
	// Must be a power of two.
	RingCapacity uint64 `yaml:"ring_capacity"`
	// DrainInterval is the harvest tick.
	DrainInterval time.Duration `yaml:"drain_interval"`
	// InstallTimeout bounds the per-batch wait for a hook install
	// confirmation from the embedded collector.
	InstallTimeout time.Duration `yaml:"install_timeout"`
	// PollInterval bounds each coordinator loop iteration so child
	// notifications interleave with command servicing.
	PollInterval time.Duration `yaml:"poll_interval"`
	// SampleIntervalMax caps the adaptive sampling interval.
	SampleIntervalMax uint32 `yaml:"sample_interval_max"`
	// HighWatermarkPct and LowWatermarkPct classify a drain cycle's
	// volume against ring capacity, in percent.
	HighWatermarkPct int `yaml:"high_watermark_pct"`
	LowWatermarkPct  int `yaml:"low_watermark_pct"`
	// RaiseStreak is the number of consecutive high cycles before the
	// sampling interval doubles; LowerStreak the consecutive low cycles
	// before it halves.
	RaiseStreak int `yaml:"raise_streak"`
	LowerStreak int `yaml:"lower_streak"`
	// FullPromotionThreshold is the resolved match count at or below
	// which a broad pattern is promoted to full capture.
	FullPromotionThreshold int `yaml:"full_promotion_threshold"`
}

// RetentionConfig bounds per-session event storage.
type RetentionConfig struct {
	// MaxEventsPerSession caps evictable event rows per session.
	MaxEventsPerSession int `yaml:"max_events_per_session" env:"PROBELINE_MAX_EVENTS"`
	// FlushBatchSize triggers a persistence flush when the pending
	// batch reaches this size.
	FlushBatchSize int `yaml:"flush_batch_size"`
	// FlushInterval triggers a persistence flush on a timer.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Path: "probeline-data",
		},
		Collector: CollectorConfig{
			RingCapacity:           16384,
			DrainInterval:          10 * time.Millisecond,
			InstallTimeout:         5 * time.Second,
			PollInterval:           50 * time.Millisecond,
			SampleIntervalMax:      256,
			HighWatermarkPct:       50,
			LowWatermarkPct:        10,
			RaiseStreak:            2,
			LowerStreak:            5,
			FullPromotionThreshold: 10,
		},
		Retention: RetentionConfig{
			MaxEventsPerSession: 100000,
			FlushBatchSize:      100,
			FlushInterval:       10 * time.Millisecond,
		},
	}
}

// Load reads configuration from the given YAML file, applies defaults
// for unset values, then applies environment overrides. A missing file
// is not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnvOverrides(&cfg)
				return cfg, cfg.Validate()
			}
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// applyEnvOverrides applies PROBELINE_* environment variables on top of
// the file-derived configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROBELINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PROBELINE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PROBELINE_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retention.MaxEventsPerSession = n
		}
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.Collector.RingCapacity == 0 || c.Collector.RingCapacity&(c.Collector.RingCapacity-1) != 0 {
		return fmt.Errorf("collector.ring_capacity must be a power of two, got %d", c.Collector.RingCapacity)
	}
	if c.Collector.DrainInterval <= 0 {
		return fmt.Errorf("collector.drain_interval must be positive")
	}
	if c.Collector.InstallTimeout <= 0 {
		return fmt.Errorf("collector.install_timeout must be positive")
	}
	if c.Collector.PollInterval <= 0 {
		return fmt.Errorf("collector.poll_interval must be positive")
	}
	if c.Collector.SampleIntervalMax < 1 {
		return fmt.Errorf("collector.sample_interval_max must be at least 1")
	}
	if c.Collector.HighWatermarkPct <= c.Collector.LowWatermarkPct {
		return fmt.Errorf("collector.high_watermark_pct (%d) must exceed low_watermark_pct (%d)",
			c.Collector.HighWatermarkPct, c.Collector.LowWatermarkPct)
	}
	if c.Collector.RaiseStreak < 1 || c.Collector.LowerStreak < 1 {
		return fmt.Errorf("collector streak thresholds must be at least 1")
	}
	if c.Collector.FullPromotionThreshold < 0 {
		return fmt.Errorf("collector.full_promotion_threshold must not be negative")
	}
	if c.Retention.MaxEventsPerSession < 1 {
		return fmt.Errorf("retention.max_events_per_session must be at least 1")
	}
	if c.Retention.FlushBatchSize < 1 {
		return fmt.Errorf("retention.flush_batch_size must be at least 1")
	}
	if c.Retention.FlushInterval <= 0 {
		return fmt.Errorf("retention.flush_interval must be positive")
	}
	return nil
}
