package relay

import (
	"fmt"
	"time"
)

// Supervision policies.
const (
	PolicyExit    = "exit"
	PolicyRestart = "restart"
)

// DefaultBufferSize is the receive buffer size of each forwarding loop.
// Datagrams larger than this are truncated.
const DefaultBufferSize = 2048

// Config holds configuration for the relay.
type Config struct {
	// LocalAddress is the host/IP both local sockets bind to.
	LocalAddress string

	// ClientPort is the client-facing ("service") port.
	// 0 picks an ephemeral port.
	ClientPort int

	// RelayPort is the upstream-facing port. Must differ from ClientPort
	// unless both are 0.
	RelayPort int

	// UpstreamAddress is the host/IP of the fixed forwarding target.
	UpstreamAddress string

	// UpstreamPort is the port of the fixed forwarding target.
	UpstreamPort int

	// BufferSize is the receive buffer size per loop.
	BufferSize int

	// DropLogInterval throttles the debug log emitted for dropped or
	// truncated datagrams. 0 logs every one.
	DropLogInterval time.Duration

	// Policy decides what happens when a loop fails: PolicyExit or PolicyRestart.
	Policy string

	// RestartDelay is the pause before a failed loop is restarted.
	RestartDelay time.Duration
}

// DefaultConfig returns a Config matching the reference deployment:
// SNMP on 161, replies through 5954.
func DefaultConfig() Config {
	return Config{
		LocalAddress:    "0.0.0.0",
		ClientPort:      161,
		RelayPort:       5954,
		UpstreamPort:    161,
		BufferSize:      DefaultBufferSize,
		DropLogInterval: 10 * time.Second,
		Policy:          PolicyExit,
		RestartDelay:    time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.LocalAddress == "" {
		return fmt.Errorf("local address is required")
	}
	if c.UpstreamAddress == "" {
		return fmt.Errorf("upstream address is required")
	}
	if !validPort(c.ClientPort, true) {
		return fmt.Errorf("invalid client port: %d", c.ClientPort)
	}
	if !validPort(c.RelayPort, true) {
		return fmt.Errorf("invalid relay port: %d", c.RelayPort)
	}
	if !validPort(c.UpstreamPort, false) {
		return fmt.Errorf("invalid upstream port: %d", c.UpstreamPort)
	}
	if c.ClientPort != 0 && c.ClientPort == c.RelayPort {
		return fmt.Errorf("client port and relay port must differ (both %d)", c.ClientPort)
	}
	if c.BufferSize < 1 || c.BufferSize > 65535 {
		return fmt.Errorf("buffer size must be between 1 and 65535, got %d", c.BufferSize)
	}
	switch c.Policy {
	case PolicyExit, PolicyRestart:
	default:
		return fmt.Errorf("invalid supervision policy: %q", c.Policy)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart delay must not be negative")
	}
	return nil
}

func validPort(p int, allowZero bool) bool {
	if p == 0 {
		return allowZero
	}
	return p > 0 && p <= 65535
}
