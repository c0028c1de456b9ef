// Package config provides configuration management for xvpnctl.
// It handles loading, saving, and managing application settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/yllada/xvpn-control/common"
)

// Method sets understood by the helper.
const (
	MethodSetFull   = "full"
	MethodSetLegacy = "v1"
)

// Config represents the application configuration.
// It is persisted as YAML in the user's config directory; LoadFile also
// reads TOML.
type Config struct {
	// Debug enables debug logging, including message tracing.
	Debug bool `yaml:"debug" toml:"debug"`
	// HandshakeTimeoutSeconds bounds the wait for the helper's connected signal.
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds" toml:"handshake_timeout_seconds"`
	// ConnectTimeoutSeconds bounds -wait after connect and disconnect.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" toml:"connect_timeout_seconds"`
	// PollIntervalMS is the delay between status and handshake polls.
	PollIntervalMS int `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	// CloseGraceMS is how long the helper may take to exit before it is killed.
	CloseGraceMS int `yaml:"close_grace_ms" toml:"close_grace_ms"`
	// ServicePath overrides the platform's helper location.
	ServicePath string `yaml:"service_path" toml:"service_path"`
	// ExtensionID is the browser extension the helper is launched for.
	ExtensionID string `yaml:"extension_id" toml:"extension_id"`
	// MethodSet is "full" or "v1" (the four-method set of some Windows helpers).
	MethodSet string `yaml:"method_set" toml:"method_set"`
	// HistoryEnabled records connects, disconnects and state changes.
	HistoryEnabled bool `yaml:"history_enabled" toml:"history_enabled"`
	// HistoryDB overrides the history database path.
	HistoryDB string `yaml:"history_db" toml:"history_db"`
	// Output is the default output format: "table", "json", or "yaml".
	Output string `yaml:"output" toml:"output"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Debug:                   false,
		HandshakeTimeoutSeconds: int(common.HandshakeTimeout / time.Second),
		ConnectTimeoutSeconds:   int(common.ConnectionTimeout / time.Second),
		PollIntervalMS:          int(common.PollInterval / time.Millisecond),
		CloseGraceMS:            int(common.CloseGrace / time.Millisecond),
		ExtensionID:             common.ExtensionID,
		MethodSet:               MethodSetFull,
		HistoryEnabled:          true,
		Output:                  common.OutputTable,
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	return LoadFile(configPath)
}

// LoadFile loads the configuration at path. Files ending in .toml are read
// as TOML, anything else as YAML. Unknown keys are rejected; missing keys
// keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigLoad, err)
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = decodeTOML(data, cfg)
	} else {
		err = decodeYAML(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %w", common.ErrConfigLoad, path, err)
	}

	cfg.validate()
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys %v", undecoded)
	}
	return nil
}

// validate replaces invalid values with defaults.
func (c *Config) validate() {
	def := DefaultConfig()

	if c.HandshakeTimeoutSeconds <= 0 {
		c.HandshakeTimeoutSeconds = def.HandshakeTimeoutSeconds
	}
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = def.ConnectTimeoutSeconds
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = def.PollIntervalMS
	}
	if c.CloseGraceMS < 0 {
		c.CloseGraceMS = def.CloseGraceMS
	}
	if strings.TrimSpace(c.ExtensionID) == "" {
		c.ExtensionID = def.ExtensionID
	}
	if c.MethodSet != MethodSetFull && c.MethodSet != MethodSetLegacy {
		c.MethodSet = def.MethodSet
	}

	validOutputs := []string{common.OutputTable, common.OutputJSON, common.OutputYAML}
	if !common.StringInSlice(c.Output, validOutputs) {
		c.Output = def.Output // Fallback to default
	}
}

// HandshakeTimeout returns HandshakeTimeoutSeconds as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// ConnectTimeout returns ConnectTimeoutSeconds as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// PollInterval returns PollIntervalMS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// CloseGrace returns CloseGraceMS as a duration.
func (c *Config) CloseGrace() time.Duration {
	return time.Duration(c.CloseGraceMS) * time.Millisecond
}

// HistoryPath returns the history database path, defaulting to the data
// directory.
func (c *Config) HistoryPath() (string, error) {
	if c.HistoryDB != "" {
		return c.HistoryDB, nil
	}
	dataDir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, common.HistoryFileName), nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration as YAML to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %w", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: error saving configuration: %w", common.ErrConfigSave, err)
	}

	return nil
}

// Path returns the default configuration file path.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
