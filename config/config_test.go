// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test tracker defaults
	if cfg.Tracker.BlockSize != 8192 {
		t.Errorf("expected block size 8192, got %d", cfg.Tracker.BlockSize)
	}
	if cfg.Tracker.DefaultPriority != 9 {
		t.Errorf("expected default priority 9, got %d", cfg.Tracker.DefaultPriority)
	}
	if cfg.Tracker.RollbackPolicy != "maintain" {
		t.Errorf("expected rollback policy maintain, got %s", cfg.Tracker.RollbackPolicy)
	}

	// Test storage defaults
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected storage type memory, got %s", cfg.Storage.Type)
	}

	// Test reaper defaults
	if cfg.Reaper.Workers != 4 {
		t.Errorf("expected 4 reaper workers, got %d", cfg.Reaper.Workers)
	}

	// Test log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
		},
		{
			name: "block size not a multiple of 64",
			modify: func(c *Config) {
				c.Tracker.BlockSize = 1000
			},
			wantErr: true,
		},
		{
			name: "default priority out of range",
			modify: func(c *Config) {
				c.Tracker.DefaultPriority = 11
			},
			wantErr: true,
		},
		{
			name: "lowest default priority",
			modify: func(c *Config) {
				c.Tracker.DefaultPriority = 0
			},
			wantErr: false,
		},
		{
			name: "unknown rollback policy",
			modify: func(c *Config) {
				c.Tracker.RollbackPolicy = "decrement"
			},
			wantErr: true,
		},
		{
			name: "badger without directory",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "badger with directory",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
			},
			wantErr: false,
		},
		{
			name: "unknown storage type",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "unknown compression",
			modify: func(c *Config) {
				c.Storage.Compression = "lz4"
			},
			wantErr: true,
		},
		{
			name: "no reaper workers",
			modify: func(c *Config) {
				c.Reaper.Workers = 0
			},
			wantErr: true,
		},
		{
			name: "rate without burst",
			modify: func(c *Config) {
				c.Reaper.Rate = 100
				c.Reaper.Burst = 0
			},
			wantErr: true,
		},
		{
			name: "metrics without endpoint",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.OTLPEndpoint = ""
			},
			wantErr: true,
		},
		{
			name: "sample rate above one",
			modify: func(c *Config) {
				c.Metrics.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "rollback ratio above one",
			modify: func(c *Config) {
				c.Workload.RollbackRatio = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Tracker.BlockSize != 8192 {
		t.Errorf("expected default config, got block size %d", cfg.Tracker.BlockSize)
	}
}

func TestLoadPartialFile(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := []byte("tracker:\n  rollback_policy: increment\nstorage:\n  compression: zstd\n")
	if err := os.WriteFile(tmpfile, data, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tracker.RollbackPolicy != "increment" {
		t.Errorf("expected rollback policy increment, got %s", cfg.Tracker.RollbackPolicy)
	}
	if cfg.Storage.Compression != "zstd" {
		t.Errorf("expected compression zstd, got %s", cfg.Storage.Compression)
	}
	if cfg.Tracker.DefaultPriority != 9 {
		t.Errorf("unset fields should keep defaults, got default priority %d", cfg.Tracker.DefaultPriority)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("tracker:\n  block_size: 100\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(tmpfile); err == nil {
		t.Error("Load() should reject an invalid block size")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	// Create custom config
	cfg := Default()
	cfg.Storage.Type = "badger"
	cfg.Storage.BadgerDir = "/var/lib/fluxtrack"
	cfg.Reaper.Retry.MaxInterval = 30 * time.Second
	cfg.Log.Level = "debug"

	// Save
	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Load
	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify
	if loaded.Storage.BadgerDir != "/var/lib/fluxtrack" {
		t.Errorf("expected badger dir /var/lib/fluxtrack, got %s", loaded.Storage.BadgerDir)
	}
	if loaded.Reaper.Retry.MaxInterval != 30*time.Second {
		t.Errorf("expected max interval 30s, got %v", loaded.Reaper.Retry.MaxInterval)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
