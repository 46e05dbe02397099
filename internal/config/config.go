// ABOUTME: Configuration loading and parsing for signet
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/signet/internal/auth"
	"github.com/2389/signet/internal/credstore"
)

// Config represents the complete signet configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Companion CompanionConfig `yaml:"companion"`
	Signing   SigningConfig   `yaml:"signing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the loopback HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StoreConfig holds credential store configuration. MasterKey is the base64
// encoding of the 32-byte sealing key; MasterKeyRaw carries it through YAML.
type StoreConfig struct {
	Path      string `yaml:"path"`
	MasterKey []byte `yaml:"-"`

	MasterKeyRaw string `yaml:"master_key"`
}

// CompanionConfig holds delegated-signer companion app configuration. URL is
// where sign requests are delivered; CallbackSecret signs the bearer tokens
// the companion must present on its callbacks. Leave URL empty when no
// companion app is installed.
type CompanionConfig struct {
	URL            string `yaml:"url"`
	CallbackSecret string `yaml:"callback_secret"`
}

// SigningConfig holds signing queue configuration
type SigningConfig struct {
	Timeout       time.Duration `yaml:"-"`
	MaxConcurrent int           `yaml:"max_concurrent"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Decode the master key
	if cfg.Store.MasterKeyRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Store.MasterKeyRaw)
		if err != nil {
			return nil, fmt.Errorf("decoding store.master_key: %w", err)
		}
		cfg.Store.MasterKey = key
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if len(c.Store.MasterKey) != credstore.MasterKeySize {
		return fmt.Errorf("store.master_key must decode to %d bytes, got %d (generate one via: signet secret)",
			credstore.MasterKeySize, len(c.Store.MasterKey))
	}

	// A companion app requires a callback secret to authenticate its responses
	if c.Companion.URL != "" && len(c.Companion.CallbackSecret) < auth.MinSecretLength {
		return fmt.Errorf("companion.callback_secret must be at least %d bytes when companion.url is set", auth.MinSecretLength)
	}

	if c.Signing.MaxConcurrent < 0 {
		return fmt.Errorf("signing.max_concurrent must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Signing.TimeoutRaw != "" {
		cfg.Signing.Timeout, err = time.ParseDuration(cfg.Signing.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", cfg.Signing.TimeoutRaw, err)
		}
	}

	return nil
}
