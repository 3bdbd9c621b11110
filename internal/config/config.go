package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// MaxWindowSize is the largest legal flow-control window (2^31 - 1),
// used to bound the configured initial window size.
const MaxWindowSize = (1 << 31) - 1

// DefaultInitialWindowSize is the receive window advertised for new
// connections when the config does not specify one.
const DefaultInitialWindowSize uint32 = 1 << 20 // 1 MiB

// Config is the top-level configuration structure.
type Config struct {
	Client  *ClientConfig  `json:"client,omitempty" toml:"client,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ClientConfig holds the connection options recognized by the client.
// Optional fields are pointers so that "absent" and "zero" stay
// distinguishable during defaulting.
type ClientConfig struct {
	Host string `json:"host" toml:"host"`
	Port *int   `json:"port,omitempty" toml:"port,omitempty"`

	// Secure selects TLS. When absent it is derived from the port
	// (443 implies TLS, anything else implies plaintext h2c).
	Secure *bool `json:"secure,omitempty" toml:"secure,omitempty"`

	// EnablePush advertises SETTINGS_ENABLE_PUSH. Default: false.
	EnablePush *bool `json:"enable_push,omitempty" toml:"enable_push,omitempty"`

	// InitialWindowSize seeds the connection-level receive window
	// manager. Default: DefaultInitialWindowSize.
	InitialWindowSize *uint32 `json:"initial_window_size,omitempty" toml:"initial_window_size,omitempty"`

	// ProxyHost/ProxyPort route the TCP connection through a plain
	// forward proxy when set. Both must be set together.
	ProxyHost *string `json:"proxy_host,omitempty" toml:"proxy_host,omitempty"`
	ProxyPort *int    `json:"proxy_port,omitempty" toml:"proxy_port,omitempty"`

	// ForceProto overrides the negotiated application protocol, for
	// servers whose ALPN/NPN answer is known to be wrong or absent.
	ForceProto *string `json:"force_proto,omitempty" toml:"force_proto,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	LogLevel LogLevel `json:"log_level,omitempty" toml:"log_level,omitempty"`
	// Target is "stderr", "stdout", or an absolute file path.
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// LoadConfig reads, parses, defaults, and validates a configuration
// file. The decoder is selected by file extension: ".toml" uses TOML,
// everything else is treated as JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg := &Config{}
	if strings.HasSuffix(strings.ToLower(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON configuration %s: %w", path, err)
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in unset optional fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Client == nil {
		cfg.Client = &ClientConfig{}
	}
	c := cfg.Client

	if c.Port == nil {
		port := 443
		c.Port = &port
	}
	if c.Secure == nil {
		secure := *c.Port == 443
		c.Secure = &secure
	}
	if c.EnablePush == nil {
		push := false
		c.EnablePush = &push
	}
	if c.InitialWindowSize == nil {
		w := DefaultInitialWindowSize
		c.InitialWindowSize = &w
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.Target == "" {
		cfg.Logging.Target = "stderr"
	}
}

// Validate checks a defaulted configuration for inconsistencies.
func Validate(cfg *Config) error {
	c := cfg.Client
	if c == nil {
		return fmt.Errorf("client configuration section is required")
	}
	if c.Host == "" {
		return fmt.Errorf("client.host must be set")
	}
	if *c.Port < 1 || *c.Port > 65535 {
		return fmt.Errorf("client.port %d out of range [1, 65535]", *c.Port)
	}
	if *c.InitialWindowSize > MaxWindowSize {
		return fmt.Errorf("client.initial_window_size %d exceeds maximum %d", *c.InitialWindowSize, MaxWindowSize)
	}
	if (c.ProxyHost == nil) != (c.ProxyPort == nil) {
		return fmt.Errorf("client.proxy_host and client.proxy_port must be set together")
	}
	if c.ProxyPort != nil && (*c.ProxyPort < 1 || *c.ProxyPort > 65535) {
		return fmt.Errorf("client.proxy_port %d out of range [1, 65535]", *c.ProxyPort)
	}

	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", cfg.Logging.LogLevel)
	}
	return nil
}
