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

// Package config loads the daemon configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/durable/pkg/errors"
)

// Config is the durabled daemon configuration.
type Config struct {
	Log LogConfig `yaml:"log"`

	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`

	// Listen is the HTTP address serving /metrics and /healthz.
	Listen string `yaml:"listen"`

	// Workers bounds concurrent action execution in the scheduler.
	Workers int `yaml:"workers,omitempty"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "json"},
		DBPath: "durable.db",
		Listen: "127.0.0.1:8690",
	}
}

// Load reads the configuration file at path, applying defaults for
// missing fields. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "cannot read config file", Cause: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "cannot parse config file", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &errors.ConfigError{Key: "db_path", Reason: "cannot be empty"}
	}
	if c.Workers < 0 {
		return &errors.ConfigError{Key: "workers", Reason: fmt.Sprintf("cannot be negative, got %d", c.Workers)}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return &errors.ConfigError{Key: "log.format", Reason: "must be json or text"}
	}
	return nil
}
