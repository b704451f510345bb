package relay

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ClientPort != 161 {
		t.Errorf("ClientPort = %d, want 161", cfg.ClientPort)
	}
	if cfg.RelayPort != 5954 {
		t.Errorf("RelayPort = %d, want 5954", cfg.RelayPort)
	}
	if cfg.UpstreamPort != 161 {
		t.Errorf("UpstreamPort = %d, want 161", cfg.UpstreamPort)
	}
	if cfg.BufferSize != 2048 {
		t.Errorf("BufferSize = %d, want 2048", cfg.BufferSize)
	}
	if cfg.Policy != PolicyExit {
		t.Errorf("Policy = %q, want %q", cfg.Policy, PolicyExit)
	}
	if cfg.RestartDelay != time.Second {
		t.Errorf("RestartDelay = %v, want 1s", cfg.RestartDelay)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.UpstreamAddress = "192.0.2.10"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"ephemeral ports", func(c *Config) { c.ClientPort, c.RelayPort = 0, 0 }, ""},
		{"restart policy", func(c *Config) { c.Policy = PolicyRestart }, ""},
		{"missing local", func(c *Config) { c.LocalAddress = "" }, "local address"},
		{"missing upstream", func(c *Config) { c.UpstreamAddress = "" }, "upstream address"},
		{"same ports", func(c *Config) { c.RelayPort = c.ClientPort }, "must differ"},
		{"client port too large", func(c *Config) { c.ClientPort = 70000 }, "client port"},
		{"negative relay port", func(c *Config) { c.RelayPort = -1 }, "relay port"},
		{"zero upstream port", func(c *Config) { c.UpstreamPort = 0 }, "upstream port"},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }, "buffer size"},
		{"huge buffer", func(c *Config) { c.BufferSize = 70000 }, "buffer size"},
		{"bad policy", func(c *Config) { c.Policy = "retry" }, "policy"},
		{"negative delay", func(c *Config) { c.RestartDelay = -time.Second }, "restart delay"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}
