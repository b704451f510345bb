// Package main provides the CLI entry point for the UDP relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/postalsys/udp-relay/internal/config"
	"github.com/postalsys/udp-relay/internal/control"
	"github.com/postalsys/udp-relay/internal/health"
	"github.com/postalsys/udp-relay/internal/logging"
	"github.com/postalsys/udp-relay/internal/metrics"
	"github.com/postalsys/udp-relay/internal/relay"
	"github.com/postalsys/udp-relay/internal/service"
	"github.com/postalsys/udp-relay/internal/sysinfo"
	"github.com/postalsys/udp-relay/internal/wizard"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "udp-relay",
		Short: "udp-relay - UDP datagram relay",
		Long: `udp-relay forwards UDP datagrams from a client-facing port to a fixed
upstream target and routes replies back to the most recently seen client.

Payloads are forwarded verbatim. Only one client is tracked at a time.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runFlags are command line overrides for the relay section.
type runFlags struct {
	local        string
	upstream     string
	upstreamPort int
	clientPort   int
	relayPort    int
	logLevel     string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.local, "local", "", "Local address both sockets bind to")
	cmd.Flags().StringVar(&f.upstream, "upstream", "", "Upstream target host or IP")
	cmd.Flags().IntVar(&f.upstreamPort, "upstream-port", 0, "Upstream target port")
	cmd.Flags().IntVar(&f.clientPort, "client-port", 0, "Client-facing port")
	cmd.Flags().IntVar(&f.relayPort, "relay-port", 0, "Upstream-facing port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// overrides returns config overrides for the flags that were set on cmd.
func (f *runFlags) overrides(cmd *cobra.Command) []config.Override {
	var out []config.Override
	changed := cmd.Flags().Changed

	if changed("local") {
		v := f.local
		out = append(out, func(c *config.Config) { c.Relay.LocalAddress = v })
	}
	if changed("upstream") {
		v := f.upstream
		out = append(out, func(c *config.Config) { c.Relay.UpstreamAddress = v })
	}
	if changed("upstream-port") {
		v := f.upstreamPort
		out = append(out, func(c *config.Config) { c.Relay.UpstreamPort = v })
	}
	if changed("client-port") {
		v := f.clientPort
		out = append(out, func(c *config.Config) { c.Relay.ClientPort = v })
	}
	if changed("relay-port") {
		v := f.relayPort
		out = append(out, func(c *config.Config) { c.Relay.RelayPort = v })
	}
	if changed("log-level") {
		v := f.logLevel
		out = append(out, func(c *config.Config) { c.Log.Level = v })
	}
	return out
}

func loadConfig(path string, overrides []config.Override) (*config.Config, error) {
	if path == "" {
		return config.FromDefaults(overrides...)
	}
	return config.Load(path, overrides...)
}

func runCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
		flags      runFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long: `Start the relay with the specified configuration.

A config file is optional; command line flags override file values.`,
		Example: `  udp-relay run -c /etc/udp-relay/config.yaml
  udp-relay run --local 192.168.178.42 --upstream 192.168.178.197`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, flags.overrides(cmd))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if dryRun {
				fmt.Print(cfg.String())
				return nil
			}

			cmd.SilenceUsage = true
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the configuration, print it and exit")
	flags.register(cmd)

	return cmd
}

// run starts the relay and its optional servers and blocks until a signal
// arrives or the relay stops on its own.
func run(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetricsWithRegistry(reg)

	r, err := relay.New(cfg.RelayConfig(), m, logger)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	if err := r.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     reg,
		}, r)
		if err := healthServer.Start(); err != nil {
			r.Stop()
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	var controlServer *control.Server
	if cfg.Control.Enabled {
		controlCfg := control.DefaultServerConfig()
		controlCfg.SocketPath = cfg.Control.SocketPath
		controlServer = control.NewServer(controlCfg, r)
		if err := controlServer.Start(); err != nil {
			if healthServer != nil {
				healthServer.Stop()
			}
			r.Stop()
			return fmt.Errorf("failed to start control server: %w", err)
		}
	}

	printStartup(os.Stdout, cfg, r, healthServer, controlServer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case <-r.Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := shutdown(ctx, logger, r, healthServer, controlServer)

	if err := r.Wait(); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	fmt.Println("Relay stopped.")
	return nil
}

func shutdown(ctx context.Context, logger *slog.Logger, r *relay.Relay, hs *health.Server, cs *control.Server) error {
	var errs []error

	if cs != nil {
		if err := cs.StopWithContext(ctx); err != nil {
			logger.Warn("control server shutdown failed", logging.KeyError, err)
			errs = append(errs, err)
		}
	}
	if hs != nil {
		if err := hs.StopWithContext(ctx); err != nil {
			logger.Warn("health server shutdown failed", logging.KeyError, err)
			errs = append(errs, err)
		}
	}
	if err := r.StopWithContext(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func printStartup(w io.Writer, cfg *config.Config, r *relay.Relay, hs *health.Server, cs *control.Server) {
	fmt.Fprintf(w, "udp-relay %s\n", sysinfo.Version)
	fmt.Fprintf(w, "Clients:       %s\n", r.ClientAddr())
	fmt.Fprintf(w, "Relay socket:  %s\n", r.RelayAddr())
	fmt.Fprintf(w, "Upstream:      %s\n", r.Upstream())
	fmt.Fprintf(w, "Buffer:        %s (larger datagrams are truncated)\n", cfg.Relay.BufferSize)
	fmt.Fprintf(w, "On failure:    %s\n", cfg.Supervision.Policy)
	if hs != nil {
		fmt.Fprintf(w, "Health:        http://%s/health\n", hs.Address())
	}
	if cs != nil {
		fmt.Fprintf(w, "Control:       %s\n", cs.SocketPath())
	}
}

func initCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(configPath); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path of the configuration file to write")

	return cmd
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the status of a running relay via its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query %s: %w", socketPath, err)
			}
			peer, err := client.Peer(ctx)
			if err != nil {
				return fmt.Errorf("failed to query %s: %w", socketPath, err)
			}

			printStatus(cmd.OutOrStdout(), status, peer, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./udp-relay.sock", "Path to the control socket")

	return cmd
}

func printStatus(w io.Writer, s *control.StatusResponse, p *control.PeerResponse, now time.Time) {
	state := "stopped"
	if s.Running {
		state = "running"
	}

	fmt.Fprintf(w, "Status:        %s\n", state)
	fmt.Fprintf(w, "Version:       %s\n", s.Version)
	fmt.Fprintf(w, "Host:          %s\n", s.Hostname)
	fmt.Fprintf(w, "Uptime:        %s\n", time.Duration(s.UptimeSeconds)*time.Second)
	fmt.Fprintf(w, "Clients:       %s\n", s.ClientAddr)
	fmt.Fprintf(w, "Relay socket:  %s\n", s.RelayAddr)
	fmt.Fprintf(w, "Upstream:      %s\n", s.Upstream)

	if p.Known {
		fmt.Fprintf(w, "Peer:          %s (last seen %s, %s changes)\n",
			p.Address, humanize.RelTime(p.LastSeen, now, "ago", "from now"), humanize.Comma(int64(p.Changes)))
	} else {
		fmt.Fprintf(w, "Peer:          none yet\n")
	}

	fmt.Fprintf(w, "Inbound:       %s datagrams, %s forwarded, %s truncated\n",
		humanize.Comma(int64(s.Inbound.Forwarded)),
		humanize.Bytes(s.Inbound.ForwardedBytes),
		humanize.Comma(int64(s.Inbound.Truncated)))
	fmt.Fprintf(w, "Outbound:      %s datagrams, %s forwarded, %s dropped, %s truncated\n",
		humanize.Comma(int64(s.Outbound.Forwarded)),
		humanize.Bytes(s.Outbound.ForwardedBytes),
		humanize.Comma(int64(s.Outbound.Dropped)),
		humanize.Comma(int64(s.Outbound.Truncated)))

	if s.Restarts > 0 {
		fmt.Fprintf(w, "Restarts:      %s\n", humanize.Comma(int64(s.Restarts)))
	}
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
	}

	var (
		configPath string
		name       string
		user       string
		group      string
		noBindCap  bool
	)

	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the relay as a systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Refuse to install a unit that would fail on start
			if _, err := config.Load(configPath); err != nil {
				return fmt.Errorf("invalid config %s: %w", configPath, err)
			}

			cfg := service.DefaultConfig(configPath)
			cfg.Name = name
			cfg.User = user
			cfg.Group = group
			cfg.BindPrivileged = !noBindCap

			return service.Install(cfg)
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	install.Flags().StringVar(&user, "user", "", "User to run the service as")
	install.Flags().StringVar(&group, "group", "", "Group to run the service as")
	install.Flags().BoolVar(&noBindCap, "no-bind-cap", false, "Do not grant CAP_NET_BIND_SERVICE")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall(name)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsInstalled(name) {
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s is not installed\n", name)
				return nil
			}
			state, err := service.Status(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s: %s\n", name, state)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&name, "name", "n", "udp-relay", "Service name")
	cmd.AddCommand(install, uninstall, status)

	return cmd
}
