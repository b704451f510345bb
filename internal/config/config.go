// Package config provides configuration parsing and validation for the UDP relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udp-relay/internal/relay"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay       RelayConfig       `yaml:"relay"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Log         LogConfig         `yaml:"log"`
	Health      HealthConfig      `yaml:"health"`
	Control     ControlConfig     `yaml:"control"`
}

// RelayConfig defines the sockets and the upstream target.
type RelayConfig struct {
	LocalAddress    string        `yaml:"local_address"`    // binds both local sockets
	UpstreamAddress string        `yaml:"upstream_address"` // fixed forwarding target
	UpstreamPort    int           `yaml:"upstream_port"`
	ClientPort      int           `yaml:"client_port"` // client-facing port
	RelayPort       int           `yaml:"relay_port"`  // upstream-facing port
	BufferSize      ByteSize      `yaml:"buffer_size"` // larger datagrams are truncated
	DropLogInterval time.Duration `yaml:"drop_log_interval"`
}

// SupervisionConfig decides what happens when a forwarding loop fails.
type SupervisionConfig struct {
	Policy       string        `yaml:"policy"` // exit, restart
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ByteSize is a size in bytes. In YAML it accepts a plain integer or a
// human-readable value such as "2KiB" or "4 kB".
type ByteSize int

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}

	if value.Tag == "!!int" {
		var n int
		if err := value.Decode(&n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}

	n, err := humanize.ParseBytes(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	if n > 1<<31-1 {
		return fmt.Errorf("line %d: size %q too large", value.Line, value.Value)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int(b), nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int(b))
	}
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	rc := relay.DefaultConfig()

	return &Config{
		Relay: RelayConfig{
			LocalAddress:    rc.LocalAddress,
			UpstreamPort:    rc.UpstreamPort,
			ClientPort:      rc.ClientPort,
			RelayPort:       rc.RelayPort,
			BufferSize:      ByteSize(rc.BufferSize),
			DropLogInterval: rc.DropLogInterval,
		},
		Supervision: SupervisionConfig{
			Policy:       rc.Policy,
			RestartDelay: rc.RestartDelay,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9161",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./udp-relay.sock",
		},
	}
}

// Override adjusts a configuration after parsing and before validation,
// e.g. to apply command line flags.
type Override func(*Config)

// Load reads and parses a configuration file.
func Load(path string, overrides ...Override) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data, overrides...)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte, overrides ...Override) (*Config, error) {
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(cfg, overrides)
}

// FromDefaults builds a configuration from defaults and overrides only,
// for running without a config file.
func FromDefaults(overrides ...Override) (*Config, error) {
	return finish(Default(), overrides)
}

func finish(cfg *Config, overrides []Override) (*Config, error) {
	for _, o := range overrides {
		o(cfg)
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
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
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

	// Relay
	if err := validateHost(c.Relay.LocalAddress); err != nil {
		errs = append(errs, fmt.Sprintf("relay.local_address: %v", err))
	}
	if err := validateHost(c.Relay.UpstreamAddress); err != nil {
		errs = append(errs, fmt.Sprintf("relay.upstream_address: %v", err))
	}
	if !isValidPort(c.Relay.UpstreamPort) {
		errs = append(errs, fmt.Sprintf("relay.upstream_port must be between 1 and 65535, got %d", c.Relay.UpstreamPort))
	}
	if !isValidPort(c.Relay.ClientPort) {
		errs = append(errs, fmt.Sprintf("relay.client_port must be between 1 and 65535, got %d", c.Relay.ClientPort))
	}
	if !isValidPort(c.Relay.RelayPort) {
		errs = append(errs, fmt.Sprintf("relay.relay_port must be between 1 and 65535, got %d", c.Relay.RelayPort))
	}
	if c.Relay.ClientPort == c.Relay.RelayPort {
		errs = append(errs, "relay.client_port and relay.relay_port must differ")
	}
	if c.Relay.BufferSize < 512 || c.Relay.BufferSize > 65535 {
		errs = append(errs, fmt.Sprintf("relay.buffer_size must be between 512 and 65535 bytes, got %d", int(c.Relay.BufferSize)))
	}
	if c.Relay.DropLogInterval < 0 {
		errs = append(errs, "relay.drop_log_interval must not be negative")
	}

	// Supervision
	switch c.Supervision.Policy {
	case relay.PolicyExit, relay.PolicyRestart:
	default:
		errs = append(errs, fmt.Sprintf("invalid supervision.policy: %s (must be exit or restart)", c.Supervision.Policy))
	}
	if c.Supervision.RestartDelay < 0 {
		errs = append(errs, "supervision.restart_delay must not be negative")
	}

	// Logging
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	// Monitoring
	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// RelayConfig converts the file configuration into the relay's own config.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		LocalAddress:    c.Relay.LocalAddress,
		ClientPort:      c.Relay.ClientPort,
		RelayPort:       c.Relay.RelayPort,
		UpstreamAddress: c.Relay.UpstreamAddress,
		UpstreamPort:    c.Relay.UpstreamPort,
		BufferSize:      int(c.Relay.BufferSize),
		DropLogInterval: c.Relay.DropLogInterval,
		Policy:          c.Supervision.Policy,
		RestartDelay:    c.Supervision.RestartDelay,
	}
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// validateHost accepts an IP literal or a host name, but not host:port.
func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("is required")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if strings.ContainsAny(host, ":/ ") {
		return fmt.Errorf("%q must be a host name or IP address without a port", host)
	}
	return nil
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
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
