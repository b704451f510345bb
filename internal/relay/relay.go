package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udp-relay/internal/logging"
	"github.com/postalsys/udp-relay/internal/metrics"
	"github.com/postalsys/udp-relay/internal/peerstate"
	"github.com/postalsys/udp-relay/internal/recovery"
)

var (
	// ErrNotStarted is returned by Wait when Start was never called.
	ErrNotStarted = errors.New("relay not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("relay already started")

	// ErrStopped is returned by Start after the relay was stopped.
	ErrStopped = errors.New("relay stopped")
)

// Stats contains relay statistics.
type Stats struct {
	Running      bool
	ClientAddr   string
	RelayAddr    string
	Upstream     string
	Peer         string
	PeerKnown    bool
	PeerLastSeen time.Time
	PeerChanges  uint64
	Inbound      ForwarderStats
	Outbound     ForwarderStats
	Restarts     uint64
	StartedAt    time.Time
}

// loop is what the supervisor runs; *Forwarder in production.
type loop interface {
	Direction() string
	Run(ctx context.Context) error
}

// Relay owns both sockets and the peer state and supervises the two
// forwarding loops.
type Relay struct {
	cfg      Config
	upstream netip.AddrPort
	peers    *peerstate.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	clientConn *net.UDPConn
	relayConn  *net.UDPConn
	inbound    *Forwarder
	outbound   *Forwarder
	started    bool
	startedAt  time.Time
	err        error

	running  atomic.Bool
	restarts atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New validates cfg and resolves the upstream target. No sockets are bound
// until Start.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	upstream, err := resolveAddrPort(cfg.UpstreamAddress, cfg.UpstreamPort)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream: %w", err)
	}

	if m == nil {
		m = metrics.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		cfg:      cfg,
		upstream: upstream,
		peers:    peerstate.New(),
		metrics:  m,
		logger:   logging.Component(logger, "relay"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start binds both sockets and starts the forwarding loops. If either bind
// fails nothing is started.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if r.ctx.Err() != nil {
		return ErrStopped
	}

	clientConn, err := listen(r.cfg.LocalAddress, r.cfg.ClientPort)
	if err != nil {
		return fmt.Errorf("bind client socket: %w", err)
	}
	relayConn, err := listen(r.cfg.LocalAddress, r.cfg.RelayPort)
	if err != nil {
		clientConn.Close()
		return fmt.Errorf("bind relay socket: %w", err)
	}

	r.clientConn = clientConn
	r.relayConn = relayConn
	r.started = true
	r.startedAt = time.Now()

	r.inbound = NewForwarder(ForwarderConfig{
		Direction:       DirectionInbound,
		Src:             clientConn,
		Dst:             relayConn,
		Resolve:         Fixed(r.upstream),
		OnReceive:       r.learn,
		BufferSize:      r.cfg.BufferSize,
		DropLogInterval: r.cfg.DropLogInterval,
	}, r.metrics, r.logger)

	r.outbound = NewForwarder(ForwarderConfig{
		Direction:       DirectionOutbound,
		Src:             relayConn,
		Dst:             clientConn,
		Resolve:         r.peers.Current,
		BufferSize:      r.cfg.BufferSize,
		DropLogInterval: r.cfg.DropLogInterval,
	}, r.metrics, r.logger)

	r.running.Store(true)

	r.wg.Add(2)
	go r.supervise(r.inbound)
	go r.supervise(r.outbound)

	go func() {
		r.wg.Wait()
		r.running.Store(false)
		close(r.done)
	}()

	r.logger.Info("relay started",
		"client_addr", clientConn.LocalAddr().String(),
		"relay_addr", relayConn.LocalAddr().String(),
		logging.KeyTarget, r.upstream.String(),
		logging.KeyPolicy, r.cfg.Policy)

	return nil
}

// Wait blocks until both loops have stopped and returns the error that
// stopped the relay, or nil after a clean Stop.
func (r *Relay) Wait() error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done returns a channel closed once both loops have stopped.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Stop stops the relay, waiting up to 5 seconds for the loops to exit.
func (r *Relay) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.StopWithContext(ctx)
}

// StopWithContext cancels the loops, closes both sockets and waits for the
// loops to exit or ctx to expire.
func (r *Relay) StopWithContext(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	r.shutdown()
	if !started {
		return nil
	}

	select {
	case <-r.done:
		r.logger.Info("relay stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for forwarding loops: %w", ctx.Err())
	}
}

// IsRunning returns true while both sockets are bound and the loops run.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Peer returns the current peer state.
func (r *Relay) Peer() peerstate.Snapshot {
	return r.peers.Snapshot()
}

// Upstream returns the resolved upstream target.
func (r *Relay) Upstream() netip.AddrPort {
	return r.upstream
}

// ClientAddr returns the bound client-facing address, or nil before Start.
func (r *Relay) ClientAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clientConn == nil {
		return nil
	}
	return r.clientConn.LocalAddr()
}

// RelayAddr returns the bound upstream-facing address, or nil before Start.
func (r *Relay) RelayAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relayConn == nil {
		return nil
	}
	return r.relayConn.LocalAddr()
}

// Stats returns relay statistics.
func (r *Relay) Stats() Stats {
	peer := r.peers.Snapshot()

	s := Stats{
		Running:      r.IsRunning(),
		Upstream:     r.upstream.String(),
		PeerKnown:    peer.Known,
		PeerLastSeen: peer.LastSeen,
		PeerChanges:  peer.Changes,
		Restarts:     r.restarts.Load(),
	}
	if peer.Known {
		s.Peer = peer.Addr.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s.StartedAt = r.startedAt
	if r.clientConn != nil {
		s.ClientAddr = r.clientConn.LocalAddr().String()
	}
	if r.relayConn != nil {
		s.RelayAddr = r.relayConn.LocalAddr().String()
	}
	if r.inbound != nil {
		s.Inbound = r.inbound.Stats()
	}
	if r.outbound != nil {
		s.Outbound = r.outbound.Stats()
	}
	return s
}

// learn is the inbound receive hook.
func (r *Relay) learn(from netip.AddrPort) {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	prev, hadPrev := r.peers.Current()
	if !r.peers.Record(from) {
		return
	}

	r.metrics.RecordPeerChange()
	if hadPrev {
		r.logger.Info("client address changed",
			logging.KeyPeer, from.String(),
			logging.KeyPrevious, prev.String())
	} else {
		r.logger.Info("client address learned", logging.KeyPeer, from.String())
	}
}

// supervise runs l until it stops, applying the supervision policy.
func (r *Relay) supervise(l loop) {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "supervisor")

	for {
		r.metrics.RecordLoopStart()
		err := l.Run(r.ctx)
		r.metrics.RecordLoopStop()

		if err == nil || r.ctx.Err() != nil {
			return
		}

		if r.cfg.Policy == PolicyRestart && !errors.Is(err, net.ErrClosed) {
			r.logger.Warn("forwarding loop failed, restarting",
				logging.KeyDirection, l.Direction(),
				logging.KeyError, err,
				logging.KeyDelay, r.cfg.RestartDelay)
			r.restarts.Add(1)
			r.metrics.RecordRestart(l.Direction())

			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.cfg.RestartDelay):
				continue
			}
		}

		r.logger.Error("forwarding loop failed, stopping relay",
			logging.KeyDirection, l.Direction(),
			logging.KeyError, err)
		r.fail(err)
		return
	}
}

// fail records the first fatal error and tears the relay down.
func (r *Relay) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()

	r.shutdown()
}

// shutdown cancels the loops before closing the sockets so the loops treat
// the resulting read errors as a clean stop.
func (r *Relay) shutdown() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clientConn != nil {
		r.clientConn.Close()
	}
	if r.relayConn != nil {
		r.relayConn.Close()
	}
}

func listen(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

func resolveAddrPort(host string, port int) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
