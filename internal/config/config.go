// Package config loads chanfs settings from a YAML file, CHANFS_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults, file, environment.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"chanfs/internal/artifacts"
	"chanfs/internal/chunk"
	"chanfs/internal/util"
)

// Config is the complete chanfs configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Backend    BackendConfig    `mapstructure:"backend" yaml:"backend"`
	Chunking   ChunkingConfig   `mapstructure:"chunking" yaml:"chunking"`
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
	Remote     RemoteConfig     `mapstructure:"remote" yaml:"remote"`
	NFS        NFSConfig        `mapstructure:"nfs" yaml:"nfs"`
	Filter     FilterConfig     `mapstructure:"filter" yaml:"filter"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
}

// LoggingConfig selects the log level and destination.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn none"`
	// File receives log output; empty means stderr.
	File string `mapstructure:"file" yaml:"file"`
}

// Backend types.
const (
	BackendDiscord = "discord"
	BackendLocal   = "local"
	BackendMemory  = "memory"
)

// BackendConfig selects the channel transport.
type BackendConfig struct {
	Type              string `mapstructure:"type" yaml:"type" validate:"oneof=discord local memory"`
	DataChannel       string `mapstructure:"data_channel" yaml:"data_channel" validate:"required"`
	MetaChannel       string `mapstructure:"meta_channel" yaml:"meta_channel" validate:"required"`
	Token             string `mapstructure:"token" yaml:"token"`
	Database          string `mapstructure:"database" yaml:"database"`
	MaxAttachmentSize int    `mapstructure:"max_attachment_size" yaml:"max_attachment_size" validate:"gt=0"`
}

type ChunkingConfig struct {
	Size        int    `mapstructure:"size" yaml:"size" validate:"gt=0"`
	Compression string `mapstructure:"compression" yaml:"compression" validate:"oneof=none lz4 zstd"`
	// Checksums defaults to true (pointer to detect missing).
	Checksums *bool `mapstructure:"checksums" yaml:"checksums"`
}

// ChecksumsEnabled returns whether chunk checksums are recorded (defaults to true).
func (c *ChunkingConfig) ChecksumsEnabled() bool {
	if c.Checksums == nil {
		return true
	}
	return *c.Checksums
}

type EncryptionConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Key     string `mapstructure:"key" yaml:"key" validate:"omitempty,hexadecimal,len=64"`
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`
}

// MasterKey returns the configured key, read from KeyFile when set.
func (c *EncryptionConfig) MasterKey() ([]byte, error) {
	encoded := c.Key
	if c.KeyFile != "" {
		data, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	if encoded == "" {
		return nil, errors.New("encryption is enabled but no key is configured")
	}
	return chunk.ParseKey(encoded)
}

type RemoteConfig struct {
	Attempts    uint          `mapstructure:"attempts" yaml:"attempts" validate:"gte=1"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gtefield=Delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" validate:"gt=0"`
}

// Policy converts the section into a retry policy.
func (c *RemoteConfig) Policy() util.RetryPolicy {
	return util.RetryPolicy{
		Attempts:    c.Attempts,
		Delay:       c.Delay,
		MaxDelay:    c.MaxDelay,
		CallTimeout: c.CallTimeout,
	}
}

type NFSConfig struct {
	Listen     string        `mapstructure:"listen" yaml:"listen" validate:"required,hostname_port"`
	SpoolDir   string        `mapstructure:"spool_dir" yaml:"spool_dir"`
	FlushDelay time.Duration `mapstructure:"flush_delay" yaml:"flush_delay" validate:"gt=0"`
}

type FilterConfig struct {
	Excludes   []string `mapstructure:"excludes" yaml:"excludes"`
	Includes   []string `mapstructure:"includes" yaml:"includes"`
	IgnoreFile string   `mapstructure:"ignore_file" yaml:"ignore_file"`
}

type MetricsConfig struct {
	// Listen is the Prometheus endpoint address; empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

type CacheConfig struct {
	// Entries bounds the decoded chunk cache; 0 disables it.
	Entries int           `mapstructure:"entries" yaml:"entries" validate:"gte=0"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gte=0"`
}

// Load reads configuration from configPath (or the default location when
// empty), applies CHANFS_* environment overrides and defaults, and validates
// the result. The embedded template is the base layer, so a missing file is
// not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if err := setupViper(v, configPath); err != nil {
		return nil, err
	}
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper loads the template and configures environment overrides and
// the config file location. Environment variables use the CHANFS_ prefix
// with sections joined by underscores, e.g. CHANFS_BACKEND_TOKEN.
func setupViper(v *viper.Viper, configPath string) error {
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(artifacts.DefaultConfig)); err != nil {
		return fmt.Errorf("failed to parse embedded default config: %w", err)
	}

	v.SetEnvPrefix("CHANFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return nil
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	return nil
}

func readConfigFile(v *viper.Viper) error {
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Default returns the configuration described by the embedded template.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	ApplyDefaults(&cfg)
	return &cfg
}

// Init writes the commented default configuration to path unless a file
// already exists there. It reports whether a file was written.
func Init(path string) (bool, error) {
	if path == "" {
		if err := EnsureConfigDir(); err != nil {
			return false, fmt.Errorf("failed to create config directory: %w", err)
		}
		path = ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, artifacts.DefaultConfig, 0600); err != nil {
		return false, fmt.Errorf("failed to write config: %w", err)
	}
	return true, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# chanfs configuration\n# See: chanfs config init --help\n\n")
	return os.WriteFile(path, append(header, data...), 0600)
}

// KeyHex encodes a master key for the key setting.
func KeyHex(key []byte) string {
	return hex.EncodeToString(key)
}
