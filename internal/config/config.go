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

// Package config loads flowline configuration from a YAML file and the
// environment. Environment variables take precedence over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/flowline/pkg/errors"
)

// Backend drivers.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the complete flowline daemon configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Engine        EngineConfig        `yaml:"engine"`
	Backend       BackendConfig       `yaml:"backend"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080" or "127.0.0.1:8080".
	Addr string `yaml:"addr"`

	// AuthToken enables bearer authentication when non-empty.
	// Environment: FLOWLINE_AUTH_TOKEN
	AuthToken string `yaml:"auth_token,omitempty"`

	// RateLimit is the sustained request rate per second. Zero disables
	// rate limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// RateBurst is the burst allowance when rate limiting is enabled.
	RateBurst int `yaml:"rate_burst,omitempty"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout bounds the wait for in-flight executions on shutdown.
	// Environment: FLOWLINE_DRAIN_TIMEOUT
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	// Environment: LOG_LEVEL, FLOWLINE_LOG_LEVEL
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource includes source positions in log records.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source,omitempty"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	// MaxConcurrentExecutions caps in-flight executions.
	// Environment: FLOWLINE_MAX_CONCURRENT
	MaxConcurrentExecutions int64 `yaml:"max_concurrent_executions,omitempty"`

	// DefaultWorkflowTimeout bounds one execution end to end.
	// Environment: FLOWLINE_WORKFLOW_TIMEOUT
	DefaultWorkflowTimeout time.Duration `yaml:"default_workflow_timeout,omitempty"`

	// LegacyExpressionSemantics makes unparseable guard expressions
	// evaluate true with a warning instead of failing the step.
	LegacyExpressionSemantics bool `yaml:"legacy_expression_semantics,omitempty"`

	// SeedSampleWorkflow inserts a sample pipeline on first start.
	SeedSampleWorkflow bool `yaml:"seed_sample_workflow,omitempty"`
}

// BackendConfig selects and configures the persistence backend.
type BackendConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Ignored by the memory driver.
	// Environment: FLOWLINE_DB_PATH
	Path string `yaml:"path,omitempty"`
}

// NotificationsConfig configures terminal execution notifications.
type NotificationsConfig struct {
	// Enabled turns notification delivery on.
	Enabled bool `yaml:"enabled"`

	// URL receives a JSON POST per terminal execution.
	// Environment: FLOWLINE_NOTIFY_URL
	URL string `yaml:"url,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 10,
			DefaultWorkflowTimeout:  time.Hour,
		},
		Backend: BackendConfig{
			Driver: BackendSQLite,
		},
	}
}

// Load reads configuration from an optional YAML file, fills defaults,
// and applies environment overrides. An empty path uses defaults and
// the environment only.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigurationError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load %s: %v", configPath, err),
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyDefaults fills zero values so minimal files work without
// spelling out every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = defaults.Server.DrainTimeout
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		c.Server.RateBurst = int(c.Server.RateLimit)
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Engine.MaxConcurrentExecutions == 0 {
		c.Engine.MaxConcurrentExecutions = defaults.Engine.MaxConcurrentExecutions
	}
	if c.Engine.DefaultWorkflowTimeout == 0 {
		c.Engine.DefaultWorkflowTimeout = defaults.Engine.DefaultWorkflowTimeout
	}

	if c.Backend.Driver == "" {
		c.Backend.Driver = defaults.Backend.Driver
	}
	if c.Backend.Driver == BackendSQLite && c.Backend.Path == "" {
		if dir, err := DataDir(); err == nil {
			c.Backend.Path = filepath.Join(dir, "flowline.db")
		}
	}
}

// loadFromEnv applies environment overrides on top of file values.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("FLOWLINE_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("FLOWLINE_AUTH_TOKEN"); val != "" {
		c.Server.AuthToken = val
	}
	if val := os.Getenv("FLOWLINE_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.DrainTimeout = d
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("FLOWLINE_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Log.AddSource = b
		}
	}
	if val := os.Getenv("FLOWLINE_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n > 0 {
			c.Engine.MaxConcurrentExecutions = n
		}
	}
	if val := os.Getenv("FLOWLINE_WORKFLOW_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.DefaultWorkflowTimeout = d
		}
	}
	if val := os.Getenv("FLOWLINE_DB_PATH"); val != "" {
		c.Backend.Path = val
	}
	if val := os.Getenv("FLOWLINE_NOTIFY_URL"); val != "" {
		c.Notifications.URL = val
		c.Notifications.Enabled = true
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Backend.Driver {
	case BackendSQLite:
		if c.Backend.Path == "" {
			return &errors.ConfigurationError{
				Key:        "backend.path",
				Reason:     "sqlite backend requires a database path",
				Suggestion: "set backend.path or FLOWLINE_DB_PATH",
			}
		}
	case BackendMemory:
	default:
		return &errors.ConfigurationError{
			Key:        "backend.driver",
			Reason:     fmt.Sprintf("unknown backend driver %q", c.Backend.Driver),
			Suggestion: "use sqlite or memory",
		}
	}

	if c.Server.RateLimit < 0 {
		return &errors.ConfigurationError{
			Key:    "server.rate_limit",
			Reason: "rate limit must not be negative",
		}
	}
	if c.Engine.MaxConcurrentExecutions <= 0 {
		return &errors.ConfigurationError{
			Key:    "engine.max_concurrent_executions",
			Reason: "concurrency limit must be positive",
		}
	}
	if c.Notifications.Enabled && c.Notifications.URL == "" {
		return &errors.ConfigurationError{
			Key:        "notifications.url",
			Reason:     "notifications enabled without a target URL",
			Suggestion: "set notifications.url or FLOWLINE_NOTIFY_URL",
		}
	}
	return nil
}
