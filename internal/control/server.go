// Package control provides a Unix socket control interface for the UDP relay.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/udp-relay/internal/peerstate"
	"github.com/postalsys/udp-relay/internal/relay"
	"github.com/postalsys/udp-relay/internal/sysinfo"
)

// RelayInfo provides relay information for the control interface.
type RelayInfo interface {
	// IsRunning returns true if the relay is running.
	IsRunning() bool

	// Stats returns relay statistics.
	Stats() relay.Stats

	// Peer returns the current peer state.
	Peer() peerstate.Snapshot
}

// DirectionCounters holds the counters of one forwarding direction.
type DirectionCounters struct {
	Received       uint64 `json:"received"`
	ReceivedBytes  uint64 `json:"received_bytes"`
	Forwarded      uint64 `json:"forwarded"`
	ForwardedBytes uint64 `json:"forwarded_bytes"`
	Dropped        uint64 `json:"dropped"`
	Truncated      uint64 `json:"truncated"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running       bool              `json:"running"`
	Version       string            `json:"version"`
	Hostname      string            `json:"hostname"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StartedAt     time.Time         `json:"started_at"`
	ClientAddr    string            `json:"client_addr"`
	RelayAddr     string            `json:"relay_addr"`
	Upstream      string            `json:"upstream"`
	Restarts      uint64            `json:"restarts"`
	Inbound       DirectionCounters `json:"inbound"`
	Outbound      DirectionCounters `json:"outbound"`
}

// PeerResponse is the response for the peer endpoint.
type PeerResponse struct {
	Known    bool      `json:"known"`
	Address  string    `json:"address,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	Changes  uint64    `json:"changes"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./udp-relay.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	relay    RelayInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, info RelayInfo) *Server {
	s := &Server{
		cfg:   cfg,
		relay: info,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peer", s.handlePeer)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.StopWithContext(ctx)
}

// StopWithContext stops the server and removes the socket file.
func (s *Server) StopWithContext(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.relay.Stats()
	info := sysinfo.Collect()

	response := StatusResponse{
		Running:       s.relay.IsRunning(),
		Version:       info.Version,
		Hostname:      info.Hostname,
		UptimeSeconds: sysinfo.UptimeSeconds(),
		StartedAt:     stats.StartedAt,
		ClientAddr:    stats.ClientAddr,
		RelayAddr:     stats.RelayAddr,
		Upstream:      stats.Upstream,
		Restarts:      stats.Restarts,
		Inbound:       counters(stats.Inbound),
		Outbound:      counters(stats.Outbound),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handlePeer handles the peer endpoint.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.relay.Peer()
	response := PeerResponse{
		Known:    snap.Known,
		LastSeen: snap.LastSeen,
		Changes:  snap.Changes,
	}
	if snap.Known {
		response.Address = snap.Addr.String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func counters(s relay.ForwarderStats) DirectionCounters {
	return DirectionCounters{
		Received:       s.Received,
		ReceivedBytes:  s.ReceivedBytes,
		Forwarded:      s.Forwarded,
		ForwardedBytes: s.ForwardedBytes,
		Dropped:        s.Dropped,
		Truncated:      s.Truncated,
	}
}
