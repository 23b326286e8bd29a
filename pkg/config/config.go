package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/logging"
	"github.com/soypete/locationcapture/pkg/uploader"
)

// FileName is the config file LoadDefault looks for.
const FileName = ".locationcapture.yaml"

// ErrNotFound is returned by LoadDefault when no config file exists.
var ErrNotFound = errors.New("config file not found")

// Config represents the locationcapture configuration
type Config struct {
	Database  database.Config `yaml:"database"`
	Log       logging.Config  `yaml:"log"`
	Retention RetentionConfig `yaml:"retention"`
	Upload    UploadConfig    `yaml:"upload"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// RetentionConfig contains location log retention settings
type RetentionConfig struct {
	// KeepDays is how many days samples are kept; -1 keeps them forever and
	// 0 prunes everything captured before the current second.
	// Nil means the default.
	KeepDays      *int          `yaml:"keep_days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Days returns the configured retention in days.
func (r RetentionConfig) Days() int {
	if r.KeepDays == nil {
		return DefaultKeepDays
	}
	return *r.KeepDays
}

// UploadConfig contains upload settings
type UploadConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Frequency       time.Duration `yaml:"frequency"`
	BatchSize       int           `yaml:"batch_size"`
	uploader.Config `yaml:",inline"`
}

// BridgeConfig contains host bridge settings
type BridgeConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (b BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Defaults.
const (
	DefaultKeepDays      = 30
	DefaultPruneInterval = time.Hour
	DefaultFrequency     = 5 * time.Minute
	DefaultBatchSize     = 500
	DefaultBridgePort    = 8080
)

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var config Config
	config.setDefaults()
	return &config
}

// LoadDefault attempts to load .locationcapture.yaml from current directory or home
func LoadDefault() (*Config, error) {
	// Try current directory
	if _, err := os.Stat(FileName); err == nil {
		return Load(FileName)
	}

	// Try home directory
	home, err := os.UserHomeDir()
	if err == nil {
		homePath := filepath.Join(home, FileName)
		if _, err := os.Stat(homePath); err == nil {
			return Load(homePath)
		}
	}

	return nil, fmt.Errorf("%w: no %s in current directory or home", ErrNotFound, FileName)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	// Database defaults
	def := database.DefaultConfig()
	if c.Database.Path == "" {
		c.Database.Path = def.Path
	}
	if c.Database.BusyTimeoutMs == 0 {
		c.Database.BusyTimeoutMs = def.BusyTimeoutMs
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	// Retention defaults
	if c.Retention.KeepDays == nil {
		days := DefaultKeepDays
		c.Retention.KeepDays = &days
	}
	if c.Retention.PruneInterval == 0 {
		c.Retention.PruneInterval = DefaultPruneInterval
	}

	// Upload defaults
	if c.Upload.Frequency == 0 {
		c.Upload.Frequency = DefaultFrequency
	}
	if c.Upload.BatchSize == 0 {
		c.Upload.BatchSize = DefaultBatchSize
	}
	c.Upload.SetDefaults()

	// Bridge defaults
	if c.Bridge.Port == 0 {
		c.Bridge.Port = DefaultBridgePort
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("busy_timeout_ms must not be negative: %d", c.Database.BusyTimeoutMs)
	}

	if days := c.Retention.Days(); days < -1 {
		return fmt.Errorf("invalid keep_days: %d (must be -1 or at least 0)", days)
	}
	if c.Retention.PruneInterval < 0 {
		return fmt.Errorf("prune_interval must not be negative: %s", c.Retention.PruneInterval)
	}

	if c.Upload.Enabled {
		if err := c.Upload.Validate(); err != nil {
			return err
		}
		if c.Upload.Frequency < time.Second {
			return fmt.Errorf("upload frequency too small: %s (minimum 1s)", c.Upload.Frequency)
		}
	}
	if c.Upload.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive: %d", c.Upload.BatchSize)
	}

	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		return fmt.Errorf("invalid bridge port: %d", c.Bridge.Port)
	}

	return nil
}
