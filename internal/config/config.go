// Package config provides configuration parsing and validation for udpredir.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outpostlabs/udpredir/internal/cipher"
)

// Config represents the complete relay configuration.
type Config struct {
	Local   LocalConfig    `yaml:"local"`
	Servers []ServerConfig `yaml:"servers"`
	Relay   RelayConfig    `yaml:"relay"`
	Log     LogConfig      `yaml:"log"`
	Health  HealthConfig   `yaml:"health"`
}

// LocalConfig defines the transparent-redirect listener.
type LocalConfig struct {
	Address string `yaml:"address"` // UDP listen address for redirected datagrams
}

// ServerConfig defines one remote proxy server.
type ServerConfig struct {
	Address    string        `yaml:"address"`     // host:port, IP literal or domain
	Method     string        `yaml:"method"`      // cipher method name
	Password   string        `yaml:"password"`    // pre-shared password
	UDPTimeout time.Duration `yaml:"udp_timeout"` // per-server idle timeout override
	RateLimit  int64         `yaml:"rate_limit"`  // egress bytes/sec, 0 = unlimited
}

// RelayConfig defines relay engine tuning.
type RelayConfig struct {
	// IdleTimeout is how long a flow can be idle before its association
	// is evicted. Also bounds the ingress receive wait so housekeeping
	// runs even when no traffic arrives.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SendTimeout bounds a single send to a remote server.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// QueueSize is the per-association egress queue capacity.
	QueueSize int `yaml:"queue_size"`

	// MaxPayload is the maximum UDP payload size; larger datagrams are
	// truncated at receive time.
	MaxPayload int `yaml:"max_payload"`

	// MaxAssociations limits concurrent flows. 0 means unlimited.
	MaxAssociations int `yaml:"max_associations"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines health/metrics server settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Local: LocalConfig{
			Address: "0.0.0.0:7300",
		},
		Servers: []ServerConfig{},
		Relay: RelayConfig{
			IdleTimeout:     5 * time.Minute,
			SendTimeout:     5 * time.Second,
			QueueSize:       1024,
			MaxPayload:      65536,
			MaxAssociations: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled: false,
			Address: ":8080",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Local.Address == "" {
		errs = append(errs, "local.address is required")
	} else if !isValidHostPort(c.Local.Address) {
		errs = append(errs, fmt.Sprintf("local.address is not a valid host:port: %s", c.Local.Address))
	}

	if len(c.Servers) == 0 {
		errs = append(errs, "at least one server is required")
	}
	for i, s := range c.Servers {
		if err := validateServer(s); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: %v", i, err))
		}
	}

	if c.Relay.IdleTimeout <= 0 {
		errs = append(errs, "relay.idle_timeout must be positive")
	}
	if c.Relay.SendTimeout <= 0 {
		errs = append(errs, "relay.send_timeout must be positive")
	}
	if c.Relay.QueueSize < 1 {
		errs = append(errs, "relay.queue_size must be positive")
	}
	if c.Relay.MaxPayload < 512 {
		errs = append(errs, "relay.max_payload must be at least 512")
	}
	if c.Relay.MaxAssociations < 0 {
		errs = append(errs, "relay.max_associations must not be negative")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateServer(s ServerConfig) error {
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	host, _, err := net.SplitHostPort(s.Address)
	if err != nil || host == "" {
		return fmt.Errorf("address is not a valid host:port: %s", s.Address)
	}
	if _, err := cipher.New(s.Method, s.Password); err != nil {
		return err
	}
	if s.Method != "plain" && s.Password == "" {
		return fmt.Errorf("password is required for method %s", s.Method)
	}
	if s.UDPTimeout < 0 {
		return fmt.Errorf("udp_timeout must not be negative")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

func isValidHostPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with passwords redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Servers {
		if redacted.Servers[i].Password != "" {
			redacted.Servers[i].Password = redactedValue
		}
	}

	return redacted
}
