// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides gateway configuration loading.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML config file, then environment variable overrides. CLI flags are
// applied by the caller on top of the loaded config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete Tollgate configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Data      DataConfig      `yaml:"data"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig configures how the gateway listens for connections.
type ListenConfig struct {
	// Addr is the TCP address to listen on.
	// Environment: TOLLGATE_ADDR
	// Default: 127.0.0.1:8787
	Addr string `yaml:"addr"`
}

// DataConfig configures where gateway state lives on disk.
type DataConfig struct {
	// Dir is the data directory holding all persisted state.
	// Environment: TOLLGATE_DATA_DIR
	// Default: ~/.tollgate
	Dir string `yaml:"dir"`

	// CredentialFile is the credential store path. Default: <dir>/api_keys.json
	CredentialFile string `yaml:"credential_file"`

	// TunnelFile is the tunnel registry path. Default: <dir>/tunnels.json
	TunnelFile string `yaml:"tunnel_file"`

	// PipelineFile is the pipeline run state path. Default: <dir>/pipeline_state.json
	PipelineFile string `yaml:"pipeline_file"`

	// UsageFile is the usage counter path. Default: <dir>/usage.json
	UsageFile string `yaml:"usage_file"`

	// AuditDB is the SQLite audit trail path. Default: <dir>/audit.db
	AuditDB string `yaml:"audit_db"`

	// UsageFlushEvery persists usage counters every N increments per key.
	// Default: 100
	UsageFlushEvery int `yaml:"usage_flush_every"`
}

// RateLimitConfig configures the per-key burst limiter. The daily request
// cap is carried by each credential, not here.
type RateLimitConfig struct {
	// Enabled controls whether burst limiting is active. Default: true
	Enabled bool `yaml:"enabled"`

	// RequestsPerSecond is the sustained per-key request rate. Default: 25
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// BurstSize is the token bucket capacity. Default: 50
	BurstSize int `yaml:"burst_size"`
}

// LogConfig configures gateway logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error). Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text). Default: json
	Format string `yaml:"format"`
}

// Default returns a configuration with built-in defaults applied.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Listen: ListenConfig{
			Addr: "127.0.0.1:8787",
		},
		Data: DataConfig{
			Dir:             dataDir,
			UsageFlushEvery: 100,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 25,
			BurstSize:         50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (optional), applying defaults first and
// environment overrides last. An empty path skips the file layer; a missing
// file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if addr := os.Getenv("TOLLGATE_ADDR"); addr != "" {
		c.Listen.Addr = addr
	}
	if dir := os.Getenv("TOLLGATE_DATA_DIR"); dir != "" {
		c.Data.Dir = dir
	}
	if v := os.Getenv("TOLLGATE_USAGE_FLUSH_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Data.UsageFlushEvery = n
		}
	}
	if level := os.Getenv("TOLLGATE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// ResolvePaths fills in file paths relative to the data directory for any
// path left unset. Called after all overrides (file, env, flags) have been
// applied, so a data-dir override moves every default path with it.
func (c *Config) ResolvePaths() {
	if c.Data.CredentialFile == "" {
		c.Data.CredentialFile = filepath.Join(c.Data.Dir, "api_keys.json")
	}
	if c.Data.TunnelFile == "" {
		c.Data.TunnelFile = filepath.Join(c.Data.Dir, "tunnels.json")
	}
	if c.Data.PipelineFile == "" {
		c.Data.PipelineFile = filepath.Join(c.Data.Dir, "pipeline_state.json")
	}
	if c.Data.UsageFile == "" {
		c.Data.UsageFile = filepath.Join(c.Data.Dir, "usage.json")
	}
	if c.Data.AuditDB == "" {
		c.Data.AuditDB = filepath.Join(c.Data.Dir, "audit.db")
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("%w: listen.addr must not be empty", ErrInvalidConfig)
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("%w: data.dir must not be empty", ErrInvalidConfig)
	}
	if c.Data.UsageFlushEvery <= 0 {
		return fmt.Errorf("%w: data.usage_flush_every must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("%w: rate_limit.requests_per_second must be positive", ErrInvalidConfig)
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("%w: rate_limit.burst_size must be positive", ErrInvalidConfig)
		}
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tollgate"
	}
	return filepath.Join(home, ".tollgate")
}
