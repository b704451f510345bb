// Package wizard provides an interactive setup wizard for the UDP relay.
package wizard

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udp-relay/internal/config"
	"github.com/postalsys/udp-relay/internal/relay"
)

// ErrNoTerminal is returned when the wizard is started without a terminal.
var ErrNoTerminal = errors.New("setup wizard requires an interactive terminal")

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds the values collected by the forms. Fields are strings where
// the form edits them as text.
type Answers struct {
	ConfigPath      string
	LocalAddress    string
	UpstreamAddress string
	UpstreamPort    string
	ClientPort      string
	RelayPort       string
	BufferSize      string
	Policy          string
	LogLevel        string
	LogFormat       string
	HealthEnabled   bool
	HealthAddress   string
	ControlEnabled  bool
	SocketPath      string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme       *huh.Theme
	existingCfg *config.Config
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// defaultAnswers returns the form's initial values, taken from an existing
// configuration when one was loaded.
func (w *Wizard) defaultAnswers(configPath string) Answers {
	cfg := w.existingCfg
	if cfg == nil {
		cfg = config.Default()
	}

	return Answers{
		ConfigPath:      configPath,
		LocalAddress:    cfg.Relay.LocalAddress,
		UpstreamAddress: cfg.Relay.UpstreamAddress,
		UpstreamPort:    strconv.Itoa(cfg.Relay.UpstreamPort),
		ClientPort:      strconv.Itoa(cfg.Relay.ClientPort),
		RelayPort:       strconv.Itoa(cfg.Relay.RelayPort),
		BufferSize:      strconv.Itoa(int(cfg.Relay.BufferSize)),
		Policy:          cfg.Supervision.Policy,
		LogLevel:        cfg.Log.Level,
		LogFormat:       cfg.Log.Format,
		HealthEnabled:   cfg.Health.Enabled,
		HealthAddress:   cfg.Health.Address,
		ControlEnabled:  cfg.Control.Enabled,
		SocketPath:      cfg.Control.SocketPath,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run(configPath string) (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNoTerminal
	}

	w.printBanner()

	if configPath == "" {
		configPath = "./config.yaml"
	}

	// Step 1: Config file
	if err := w.askConfigPath(&configPath); err != nil {
		return nil, err
	}
	if existing, err := config.Load(configPath); err == nil {
		w.existingCfg = existing
		fmt.Printf("Loaded existing configuration from %s\n\n", configPath)
	}

	a := w.defaultAnswers(configPath)

	// Step 2: Addresses and ports
	if err := w.askRelaySettings(&a); err != nil {
		return nil, err
	}

	// Step 3: Supervision and logging
	if err := w.askSupervision(&a); err != nil {
		return nil, err
	}

	// Step 4: Monitoring
	if err := w.askMonitoring(&a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  udp-relay")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP datagram relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath(path *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the configuration file.\nAn existing file is used to pre-fill the answers."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(path).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRelaySettings(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay").
				Description("Clients send to the client port; the upstream target sees\ntraffic coming from the relay port."),

			huh.NewInput().
				Title("Local Address").
				Description("IP address both local sockets bind to").
				Placeholder("0.0.0.0").
				Value(&a.LocalAddress).
				Validate(validateHost),

			huh.NewInput().
				Title("Client Port").
				Description("Port clients send datagrams to").
				Value(&a.ClientPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Relay Port").
				Description("Port used to talk to the upstream target").
				Value(&a.RelayPort).
				Validate(validatePort),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Upstream Address").
				Description("Host name or IP address of the forwarding target").
				Value(&a.UpstreamAddress).
				Validate(validateHost),

			huh.NewInput().
				Title("Upstream Port").
				Value(&a.UpstreamPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Buffer Size").
				Description("Larger datagrams are truncated (e.g. 2048, 4KiB)").
				Value(&a.BufferSize).
				Validate(validateBufferSize),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askSupervision(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Supervision and Logging"),

			huh.NewSelect[string]().
				Title("When a forwarding loop fails").
				Options(
					huh.NewOption("Exit the process (let the service manager restart it)", relay.PolicyExit),
					huh.NewOption("Restart the failed loop", relay.PolicyRestart),
				).
				Value(&a.Policy),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&a.LogFormat),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askMonitoring(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Monitoring").
				Description("Configure the HTTP health endpoint and the control socket."),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for the status command").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	var fields []huh.Field
	if a.HealthEnabled {
		fields = append(fields, huh.NewInput().
			Title("Health Address").
			Placeholder("127.0.0.1:9161").
			Value(&a.HealthAddress).
			Validate(validateHostPort))
	}
	if a.ControlEnabled {
		fields = append(fields, huh.NewInput().
			Title("Control Socket Path").
			Placeholder("./udp-relay.sock").
			Value(&a.SocketPath).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("socket path is required")
				}
				return nil
			}))
	}
	if len(fields) == 0 {
		return nil
	}

	return huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run()
}

// buildConfig converts the answers into a validated configuration.
func buildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Relay.LocalAddress = strings.TrimSpace(a.LocalAddress)
	cfg.Relay.UpstreamAddress = strings.TrimSpace(a.UpstreamAddress)

	var err error
	if cfg.Relay.UpstreamPort, err = parsePort("upstream port", a.UpstreamPort); err != nil {
		return nil, err
	}
	if cfg.Relay.ClientPort, err = parsePort("client port", a.ClientPort); err != nil {
		return nil, err
	}
	if cfg.Relay.RelayPort, err = parsePort("relay port", a.RelayPort); err != nil {
		return nil, err
	}

	size, err := humanize.ParseBytes(strings.TrimSpace(a.BufferSize))
	if err != nil {
		return nil, fmt.Errorf("invalid buffer size %q: %w", a.BufferSize, err)
	}
	if size > 65535 {
		return nil, fmt.Errorf("buffer size %s exceeds the maximum UDP payload", humanize.IBytes(size))
	}
	cfg.Relay.BufferSize = config.ByteSize(size)

	if a.Policy != "" {
		cfg.Supervision.Policy = a.Policy
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	if a.LogFormat != "" {
		cfg.Log.Format = a.LogFormat
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled && a.SocketPath != "" {
		cfg.Control.SocketPath = a.SocketPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udp-relay configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Clients:      %s\n", net.JoinHostPort(cfg.Relay.LocalAddress, strconv.Itoa(cfg.Relay.ClientPort)))
	fmt.Printf("  Relay socket: %s\n", net.JoinHostPort(cfg.Relay.LocalAddress, strconv.Itoa(cfg.Relay.RelayPort)))
	fmt.Printf("  Upstream:     %s\n", net.JoinHostPort(cfg.Relay.UpstreamAddress, strconv.Itoa(cfg.Relay.UpstreamPort)))
	fmt.Printf("  Buffer:       %s\n", cfg.Relay.BufferSize)
	fmt.Printf("  On failure:   %s\n", cfg.Supervision.Policy)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    udp-relay run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHost(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if net.ParseIP(s) == nil && strings.ContainsAny(s, ":/ ") {
		return fmt.Errorf("enter a host name or IP address without a port")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validatePort(s string) error {
	_, err := parsePort("port", s)
	return err
}

func validateBufferSize(s string) error {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid size (e.g. 2048 or 4KiB)")
	}
	if n < 512 || n > 65535 {
		return fmt.Errorf("must be between 512 and 65535 bytes")
	}
	return nil
}

func parsePort(name, s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%s must be a number between 1 and 65535", name)
	}
	return p, nil
}
