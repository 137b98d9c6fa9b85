// Package config handles configuration loading and validation for swarmhost.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/swarmhost/swarmhost/internal/host"
	"github.com/swarmhost/swarmhost/pkg/bytesize"
)

// TLSConfig holds configuration for automatic certificate issuance.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`    // HTTPS listen address (default: ":443")
	CacheDir string `yaml:"cache_dir"` // Certificate cache directory (default: <data_dir>/certs)
	Email    string `yaml:"email"`     // Contact email for the ACME account (optional)
}

// TrackerConfig holds configuration for swarm peer tracking.
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"` // Serve a tracker on /tracker (default: true)
	URL     string `yaml:"url"`     // External tracker to announce to; empty uses the built-in one
}

// Config holds configuration for the swarmhost server.
type Config struct {
	Listen                string        `yaml:"listen" envconfig:"LISTEN"`
	Domain                string        `yaml:"domain" envconfig:"DOMAIN"`
	DataDir               string        `yaml:"data_dir" envconfig:"DATA_DIR"`
	SitesMode             string        `yaml:"sites_mode" envconfig:"SITES_MODE"`
	DefaultDiskUsageLimit bytesize.Size `yaml:"default_disk_usage_limit" envconfig:"DEFAULT_DISK_USAGE_LIMIT"`
	MaxActiveArchives     int           `yaml:"max_active_archives" envconfig:"MAX_ACTIVE_ARCHIVES"`
	CacheStalenessSeconds int           `yaml:"cache_staleness_seconds" envconfig:"CACHE_STALENESS_SECONDS"`
	SessionSecret         string        `yaml:"session_secret" envconfig:"SESSION_SECRET"`
	RegistrationOpen      bool          `yaml:"registration_open" envconfig:"REGISTRATION_OPEN"`
	TLS                   TLSConfig     `yaml:"tls"`
	Tracker               TrackerConfig `yaml:"tracker"`
}

// Load reads configuration from a YAML file, applies defaults, and overlays
// SWARMHOST_* environment variables. An empty path skips the file and builds
// the configuration from defaults and environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("swarmhost", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/swarmhost"
	}
	if strings.HasPrefix(cfg.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(homeDir, cfg.DataDir[2:])
		}
	}
	if cfg.SitesMode == "" {
		cfg.SitesMode = string(host.SitesPerArchive)
	}
	if cfg.DefaultDiskUsageLimit == 0 {
		cfg.DefaultDiskUsageLimit = bytesize.Size(10 * bytesize.GB)
	}
	if cfg.MaxActiveArchives == 0 {
		cfg.MaxActiveArchives = 128
	}
	if cfg.CacheStalenessSeconds == 0 {
		cfg.CacheStalenessSeconds = 30
	}
	if cfg.TLS.Enabled {
		if cfg.TLS.Listen == "" {
			cfg.TLS.Listen = ":443"
		}
		if cfg.TLS.CacheDir == "" {
			cfg.TLS.CacheDir = filepath.Join(cfg.DataDir, "certs")
		}
	}
	// Tracker served by default; an explicit external URL turns it off.
	if cfg.Tracker.URL == "" {
		cfg.Tracker.Enabled = true
	}

	return cfg, nil
}

// Staleness returns the cache staleness bound as a duration.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.CacheStalenessSeconds) * time.Second
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if !host.SitesMode(c.SitesMode).Valid() {
		return fmt.Errorf("invalid sites_mode %q", c.SitesMode)
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("session_secret is required")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("session_secret must be at least 32 characters")
	}
	if c.MaxActiveArchives <= 0 {
		return fmt.Errorf("max_active_archives must be positive")
	}
	if c.CacheStalenessSeconds <= 0 {
		return fmt.Errorf("cache_staleness_seconds must be positive")
	}
	if c.TLS.Enabled && c.Tracker.URL == "" && !c.Tracker.Enabled {
		return fmt.Errorf("tracker must be enabled or an external tracker url set")
	}
	return nil
}
