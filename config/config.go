// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery tracker service.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Storage  StorageConfig  `yaml:"storage"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Workload WorkloadConfig `yaml:"workload"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TrackerConfig holds per-subscription delivery state settings.
type TrackerConfig struct {
	BlockSize         int           `yaml:"block_size"`         // identifiers per bit block, multiple of 64
	DefaultPriority   int           `yaml:"default_priority"`   // level for messages registered without one
	RollbackPolicy    string        `yaml:"rollback_policy"`    // maintain, increment
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // shared group sweep, 0 disables
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir     string        `yaml:"badger_dir"`
	SyncWrites    bool          `yaml:"sync_writes"`
	FlushInterval time.Duration `yaml:"flush_interval"` // bit block write-behind period
	GCInterval    time.Duration `yaml:"gc_interval"`
	Compression   string        `yaml:"compression"` // none, s2, zstd
}

// ReaperConfig holds settings of the worker pool deleting evicted messages.
type ReaperConfig struct {
	Workers         int                  `yaml:"workers"`
	QueueSize       int                  `yaml:"queue_size"`
	Rate            float64              `yaml:"rate"` // deletions per second, 0 is unlimited
	Burst           int                  `yaml:"burst"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
	Retry           RetryConfig          `yaml:"retry"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for message deletion.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	ExportInterval  time.Duration `yaml:"export_interval"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// WorkloadConfig drives the synthetic publish/consume run of the service.
type WorkloadConfig struct {
	Duration        time.Duration `yaml:"duration"` // 0 runs until interrupted
	Subscriptions   int           `yaml:"subscriptions"`
	SharedConsumers int           `yaml:"shared_consumers"` // members of the shared group, 0 disables
	BoundedLimit    int           `yaml:"bounded_limit"`    // limit of the bounded subscription, 0 disables
	Durable         bool          `yaml:"durable"`
	PublishRate     float64       `yaml:"publish_rate"` // messages per second
	PayloadSize     int           `yaml:"payload_size"`
	MessageTTL      time.Duration `yaml:"message_ttl"`
	RollbackRatio   float64       `yaml:"rollback_ratio"` // share of deliveries rolled back
	BrowseInterval  time.Duration `yaml:"browse_interval"`
	ReportInterval  time.Duration `yaml:"report_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracker: TrackerConfig{
			BlockSize:         8192,
			DefaultPriority:   9,
			RollbackPolicy:    "maintain",
			ReconcileInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:          "memory",
			BadgerDir:     "/tmp/fluxtrack/data",
			FlushInterval: time.Second,
			GCInterval:    5 * time.Minute,
			Compression:   "s2",
		},
		Reaper: ReaperConfig{
			Workers:         4,
			QueueSize:       10000,
			Rate:            0,
			Burst:           100,
			ShutdownTimeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			OTLPEndpoint:    "localhost:4317",
			ServiceName:     "fluxtrack",
			ServiceVersion:  "1.0.0",
			ExportInterval:  10 * time.Second,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Workload: WorkloadConfig{
			Duration:        30 * time.Second,
			Subscriptions:   2,
			SharedConsumers: 2,
			BoundedLimit:    1000,
			Durable:         false,
			PublishRate:     500,
			PayloadSize:     256,
			MessageTTL:      time.Minute,
			RollbackRatio:   0.1,
			BrowseInterval:  5 * time.Second,
			ReportInterval:  5 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}

	if c.Tracker.BlockSize <= 0 || c.Tracker.BlockSize%64 != 0 {
		return fmt.Errorf("tracker.block_size must be a positive multiple of 64")
	}
	if c.Tracker.DefaultPriority < 0 || c.Tracker.DefaultPriority > 10 {
		return fmt.Errorf("tracker.default_priority must be between 0 and 10")
	}
	if c.Tracker.RollbackPolicy != "maintain" && c.Tracker.RollbackPolicy != "increment" {
		return fmt.Errorf("tracker.rollback_policy must be maintain or increment")
	}
	if c.Tracker.ReconcileInterval < 0 {
		return fmt.Errorf("tracker.reconcile_interval cannot be negative")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when storage.type is badger")
		}
		if c.Storage.FlushInterval <= 0 {
			return fmt.Errorf("storage.flush_interval must be positive")
		}
	default:
		return fmt.Errorf("storage.type must be memory or badger")
	}
	validCompression := map[string]bool{"none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	if c.Reaper.Workers < 1 {
		return fmt.Errorf("reaper.workers must be at least 1")
	}
	if c.Reaper.QueueSize < 1 {
		return fmt.Errorf("reaper.queue_size must be at least 1")
	}
	if c.Reaper.Rate < 0 {
		return fmt.Errorf("reaper.rate cannot be negative")
	}
	if c.Reaper.Rate > 0 && c.Reaper.Burst < 1 {
		return fmt.Errorf("reaper.burst must be at least 1 when reaper.rate is set")
	}
	if c.Reaper.Retry.MaxAttempts < 1 {
		return fmt.Errorf("reaper.retry.max_attempts must be at least 1")
	}
	if c.Reaper.Retry.Multiplier < 1 {
		return fmt.Errorf("reaper.retry.multiplier must be at least 1")
	}
	if c.Reaper.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("reaper.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Metrics.Enabled {
		if c.Metrics.OTLPEndpoint == "" {
			return fmt.Errorf("metrics.otlp_endpoint required when metrics are enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name required when metrics are enabled")
		}
	}
	if c.Metrics.TraceSampleRate < 0 || c.Metrics.TraceSampleRate > 1 {
		return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
	}

	if c.Workload.Duration < 0 {
		return fmt.Errorf("workload.duration cannot be negative")
	}
	if c.Workload.Subscriptions < 0 || c.Workload.SharedConsumers < 0 || c.Workload.BoundedLimit < 0 {
		return fmt.Errorf("workload subscription counts cannot be negative")
	}
	if c.Workload.PublishRate <= 0 {
		return fmt.Errorf("workload.publish_rate must be positive")
	}
	if c.Workload.RollbackRatio < 0 || c.Workload.RollbackRatio > 1 {
		return fmt.Errorf("workload.rollback_ratio must be between 0.0 and 1.0")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
