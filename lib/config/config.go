// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Faultline.
//
// Configuration is loaded from a single YAML file specified by:
//   - FAULTLINE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This keeps the
// effective configuration deterministic and auditable, with no hidden
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full Faultline configuration.
type Config struct {
	// Enabled gates all fault capture and reporting. When false the
	// daemon starts, serves webhooks, but records nothing new.
	Enabled bool `yaml:"enabled"`

	// Database configures event persistence.
	Database DatabaseConfig `yaml:"database"`

	// Tracker configures the issue tracker connection.
	Tracker TrackerConfig `yaml:"tracker"`

	// Webhook configures the inbound notification endpoint.
	Webhook WebhookConfig `yaml:"webhook"`

	// IgnoredFaults lists ignore-rule identifiers, resolved against
	// the capture rule registry at startup. Typically exact fault
	// type names.
	IgnoredFaults []string `yaml:"ignored_faults"`
}

// DatabaseConfig configures the SQLite event store.
type DatabaseConfig struct {
	// Path is the SQLite database file. Created on first run.
	Path string `yaml:"path"`
}

// TrackerConfig configures the issue tracker client.
type TrackerConfig struct {
	// BaseURL overrides the tracker API endpoint. Empty means the
	// public GitHub API.
	BaseURL string `yaml:"base_url,omitempty"`

	// Token is the API credential used to create issues and
	// comments.
	Token string `yaml:"token"`

	// Repository is the target repository as "owner/name".
	Repository string `yaml:"repository"`

	// Mention is an optional handle appended to new issue bodies.
	Mention string `yaml:"mention,omitempty"`
}

// WebhookConfig configures the inbound webhook endpoint.
type WebhookConfig struct {
	// Secret is the shared HMAC secret for delivery verification.
	// With no secret configured every delivery is rejected.
	Secret string `yaml:"secret"`

	// Listen is the TCP listen address for the webhook server.
	Listen string `yaml:"listen"`
}

// Default returns the configuration defaults applied before the file
// is read.
func Default() *Config {
	return &Config{
		Enabled: true,
		Database: DatabaseConfig{
			Path: "faultline.db",
		},
		Webhook: WebhookConfig{
			Listen: "127.0.0.1:9137",
		},
	}
}

// Load reads the configuration from the file named by the
// FAULTLINE_CONFIG environment variable.
func Load() (*Config, error) {
	path := os.Getenv("FAULTLINE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("FAULTLINE_CONFIG environment variable not set; " +
			"set it to the path of your faultline.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at path, applying
// defaults for unset fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency. Tracker credentials are
// only required when capture is enabled; a disabled install may have
// a bare config file.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Webhook.Listen == "" {
		return fmt.Errorf("webhook.listen is required")
	}

	if !c.Enabled {
		return nil
	}

	if c.Tracker.Token == "" {
		return fmt.Errorf("tracker.token is required when enabled")
	}
	owner, name, ok := strings.Cut(c.Tracker.Repository, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("tracker.repository must be \"owner/name\" (got %q)", c.Tracker.Repository)
	}
	return nil
}
