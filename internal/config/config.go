// Package config handles configuration loading and validation for the file broker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/filebroker/filebroker/pkg/bytesize"
)

// Duration is a time.Duration that unmarshals from YAML strings like "720h"
// or "90s", or from a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var secs int64
	if err := unmarshal(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var str string
	if err := unmarshal(&str); err == nil {
		parsed, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		*d = Duration(parsed)
		return nil
	}

	return fmt.Errorf("duration must be a string (e.g., 720h) or a number of seconds")
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ThumbnailConfig holds configuration for background thumbnail derivation.
type ThumbnailConfig struct {
	MaxDimension int `yaml:"max_dimension"` // Longest side of the preview in pixels (default: 150)
	Quality      int `yaml:"quality"`       // JPEG quality 1-100 (default: 85)
	Workers      int `yaml:"workers"`       // Concurrent derivation workers (default: 4)
	Queue        int `yaml:"queue"`         // Pending derivation queue length (default: 64)
}

// Config holds configuration for the broker server.
type Config struct {
	Listen        string          `yaml:"listen"`
	DataDir       string          `yaml:"data_dir"`        // Backing store directory (default: /var/lib/filebroker)
	AuthSecret    string          `yaml:"auth_secret"`     // HS256 signing key for access tokens
	BaseURL       string          `yaml:"base_url"`        // Public base URL used to compose share links
	ChunkSize     bytesize.Size   `yaml:"chunk_size"`      // Payloads split into chunks of this size (default: 1MB)
	MaxObjectSize bytesize.Size   `yaml:"max_object_size"` // Upload size limit (default: 100MB)
	ObjectTTL     Duration        `yaml:"object_ttl"`      // Chunks, metadata and thumbnails expire together (default: 720h)
	StatsTTL      Duration        `yaml:"stats_ttl"`       // Per-owner stats records (default: 168h)
	Thumbnail     ThumbnailConfig `yaml:"thumbnail"`
}

// Default configuration values.
const (
	DefaultChunkSize     = 1 * bytesize.MB
	DefaultMaxObjectSize = 100 * bytesize.MB
	DefaultObjectTTL     = 30 * 24 * time.Hour
	DefaultStatsTTL      = 7 * 24 * time.Hour
)

// Load reads the broker configuration from a YAML file and applies defaults.
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
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no auth secret.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/filebroker"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ChunkSize == 0 {
		c.ChunkSize = bytesize.Size(DefaultChunkSize)
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = bytesize.Size(DefaultMaxObjectSize)
	}
	if c.ObjectTTL == 0 {
		c.ObjectTTL = Duration(DefaultObjectTTL)
	}
	if c.StatsTTL == 0 {
		c.StatsTTL = Duration(DefaultStatsTTL)
	}
	if c.Thumbnail.MaxDimension == 0 {
		c.Thumbnail.MaxDimension = 150
	}
	if c.Thumbnail.Quality == 0 {
		c.Thumbnail.Quality = 85
	}
	if c.Thumbnail.Workers == 0 {
		c.Thumbnail.Workers = 4
	}
	if c.Thumbnail.Queue == 0 {
		c.Thumbnail.Queue = 64
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("auth_secret is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.MaxObjectSize <= 0 {
		return fmt.Errorf("max_object_size must be positive")
	}
	if c.ChunkSize > c.MaxObjectSize {
		return fmt.Errorf("chunk_size must not exceed max_object_size")
	}
	if c.ObjectTTL < 0 || c.StatsTTL < 0 {
		return fmt.Errorf("ttl values must not be negative")
	}
	if c.Thumbnail.Quality < 1 || c.Thumbnail.Quality > 100 {
		return fmt.Errorf("thumbnail.quality must be between 1 and 100")
	}
	if c.Thumbnail.MaxDimension < 1 {
		return fmt.Errorf("thumbnail.max_dimension must be positive")
	}
	return nil
}
