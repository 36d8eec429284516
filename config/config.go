package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig indicates the configuration failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: bad duration %q: %v", ErrInvalidConfig, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full client configuration.
type Config struct {
	// RelayURL is the realtime WebSocket endpoint.
	RelayURL string `yaml:"relay_url"`
	// DirectoryURL is the base URL of the public key directory.
	DirectoryURL string `yaml:"directory_url"`
	// HistoryURL is the base URL of the message history service. Defaults
	// to DirectoryURL when empty, matching deployments that serve both from
	// one host.
	HistoryURL string `yaml:"history_url"`

	// KeepaliveInterval is the transport ping cadence.
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
	// BackoffBase is the first reconnect delay; later attempts double it.
	BackoffBase Duration `yaml:"backoff_base"`
	// MaxReconnectAttempts caps reconnection before degraded mode.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// InterFrameDelay separates a file's metadata frame from its bytes.
	InterFrameDelay Duration `yaml:"inter_frame_delay"`

	// CipherMode selects the outgoing message cipher: "cbc" (legacy) or
	// "gcm" (authenticated).
	CipherMode string `yaml:"cipher_mode"`

	// VaultPath is the SQLite file holding message keys.
	VaultPath string `yaml:"vault_path"`
	// VaultMaxEntries bounds the vault; 0 keeps every key.
	VaultMaxEntries int `yaml:"vault_max_entries"`

	// IdentityDir holds the encrypted identity key files.
	IdentityDir string `yaml:"identity_dir"`

	// LogLevel is a logrus level name; empty means "info".
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when a field is unset.
func Default() Config {
	return Config{
		KeepaliveInterval:    Duration(30 * time.Second),
		BackoffBase:          Duration(1 * time.Second),
		MaxReconnectAttempts: 5,
		InterFrameDelay:      Duration(50 * time.Millisecond),
		CipherMode:           "cbc",
		VaultPath:            "sealchat-keys.db",
		IdentityDir:          ".",
		LogLevel:             "info",
	}
}

// Load reads the YAML file at path, fills unset fields with defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Parse",
		"relay_url":   cfg.RelayURL,
		"cipher_mode": cfg.CipherMode,
	}).Debug("Configuration loaded")

	return &cfg, nil
}

// applyDefaults restores defaults for fields an explicit YAML value zeroed.
func (c *Config) applyDefaults() {
	d := Default()
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.InterFrameDelay <= 0 {
		c.InterFrameDelay = d.InterFrameDelay
	}
	if c.CipherMode == "" {
		c.CipherMode = d.CipherMode
	}
	if c.VaultPath == "" {
		c.VaultPath = d.VaultPath
	}
	if c.IdentityDir == "" {
		c.IdentityDir = d.IdentityDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.HistoryURL == "" {
		c.HistoryURL = c.DirectoryURL
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("%w: relay_url is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("%w: relay_url must be a ws:// or wss:// URL", ErrInvalidConfig)
	}
	if c.DirectoryURL == "" {
		return fmt.Errorf("%w: directory_url is required", ErrInvalidConfig)
	}

	switch c.CipherMode {
	case "cbc", "gcm":
	default:
		return fmt.Errorf("%w: cipher_mode must be \"cbc\" or \"gcm\", got %q", ErrInvalidConfig, c.CipherMode)
	}

	if c.VaultMaxEntries < 0 {
		return fmt.Errorf("%w: vault_max_entries cannot be negative", ErrInvalidConfig)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}

	return nil
}
