// Package config handles configuration loading and validation for castore.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castore/castore/pkg/bytesize"
)

// Config holds the server configuration.
type Config struct {
	Listen        string `yaml:"listen"`         // Object API listen address
	MetricsListen string `yaml:"metrics_listen"` // Prometheus listen address (empty disables)
	DataDir       string `yaml:"data_dir"`       // Root for blocks and the metadata store
	DBPath        string `yaml:"db_path"`        // Metadata store path (default: <data_dir>/meta.db)
	LogLevel      string `yaml:"log_level"`

	// EncryptionKey is a hex-encoded 32-byte master key for at-rest block
	// encryption. Empty disables encryption. Changing the key makes
	// previously written blocks unreadable.
	EncryptionKey string `yaml:"encryption_key"`

	LockLease     string `yaml:"lock_lease"`     // Duration string, e.g. "60s"
	SweepInterval string `yaml:"sweep_interval"` // Duration string, e.g. "5m"

	// MaxPartSize caps a single uploaded part. Accepts a number of bytes
	// or a string with units ("100MB", "1Gi").
	MaxPartSize bytesize.Size `yaml:"max_part_size"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":5000"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/castore"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LockLease == "" {
		c.LockLease = "60s"
	}
	if c.SweepInterval == "" {
		c.SweepInterval = "5m"
	}
	if c.MaxPartSize == 0 {
		c.MaxPartSize = bytesize.Size(100 * bytesize.MB)
	}
}

// Validate checks for configuration errors that would otherwise only
// surface once the server is already running.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.LockLease); err != nil {
		return fmt.Errorf("invalid lock_lease: %w", err)
	}
	if _, err := time.ParseDuration(c.SweepInterval); err != nil {
		return fmt.Errorf("invalid sweep_interval: %w", err)
	}
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	return nil
}

// BlocksDir returns the directory holding block files.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.DataDir, "blocks")
}

// MetaPath returns the metadata store path.
func (c *Config) MetaPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "meta.db")
}

// LockLeaseDuration returns the parsed lock lease.
func (c *Config) LockLeaseDuration() time.Duration {
	d, _ := time.ParseDuration(c.LockLease)
	return d
}

// SweepIntervalDuration returns the parsed sweep interval.
func (c *Config) SweepIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.SweepInterval)
	return d
}

// MasterKey decodes the at-rest encryption key, returning nil when
// encryption is disabled.
func (c *Config) MasterKey() (*[32]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption_key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption_key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
