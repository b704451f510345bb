package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/udp-relay/internal/logging"
	"github.com/postalsys/udp-relay/internal/metrics"
	"github.com/postalsys/udp-relay/internal/recovery"
)

// Directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Loop operations reported in LoopError.
const (
	OpReceive = "receive"
	OpSend    = "send"
)

// PacketConn is the part of *net.UDPConn a forwarding loop uses.
type PacketConn interface {
	ReadMsgUDPAddrPort(b, oob []byte) (n, oobn, flags int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Resolver returns the destination for the next datagram, or false to drop it.
type Resolver func() (netip.AddrPort, bool)

// Fixed returns a Resolver that always resolves to addr.
func Fixed(addr netip.AddrPort) Resolver {
	return func() (netip.AddrPort, bool) {
		return addr, true
	}
}

// LoopError is a transport failure that ended a forwarding loop.
type LoopError struct {
	Direction string
	Op        string
	Err       error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Op, e.Err)
}

func (e *LoopError) Unwrap() error {
	return e.Err
}

// ForwarderConfig describes one forwarding direction.
type ForwarderConfig struct {
	Direction string

	// Src is read from, Dst is written to.
	Src PacketConn
	Dst PacketConn

	// Resolve picks the destination for each datagram.
	Resolve Resolver

	// OnReceive, if set, is called with the sender of every received
	// datagram before the destination is resolved.
	OnReceive func(from netip.AddrPort)

	BufferSize      int
	DropLogInterval time.Duration
}

// ForwarderStats holds the counters of a single loop.
type ForwarderStats struct {
	Received       uint64
	ReceivedBytes  uint64
	Forwarded      uint64
	ForwardedBytes uint64
	Dropped        uint64
	Truncated      uint64
}

// Forwarder copies datagrams from one socket to a resolved destination on
// another. Run is sequential: one receive, one send, repeat.
type Forwarder struct {
	cfg     ForwarderConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	dropLog *rate.Limiter

	received       atomic.Uint64
	receivedBytes  atomic.Uint64
	forwarded      atomic.Uint64
	forwardedBytes atomic.Uint64
	dropped        atomic.Uint64
	truncated      atomic.Uint64
}

// NewForwarder creates a forwarding loop. A nil metrics or logger disables
// that output.
func NewForwarder(cfg ForwarderConfig, m *metrics.Metrics, logger *slog.Logger) *Forwarder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if m == nil {
		m = metrics.Discard()
	}

	limit := rate.Inf
	if cfg.DropLogInterval > 0 {
		limit = rate.Every(cfg.DropLogInterval)
	}

	return &Forwarder{
		cfg:     cfg,
		metrics: m,
		logger:  logging.Component(logger, "forwarder").With(slog.String(logging.KeyDirection, cfg.Direction)),
		dropLog: rate.NewLimiter(limit, 1),
	}
}

// Direction returns the direction label of the loop.
func (f *Forwarder) Direction() string {
	return f.cfg.Direction
}

// Run forwards datagrams until a transport error occurs or ctx is cancelled.
// Cancellation is observed when the caller closes the sockets: the resulting
// error is swallowed and Run returns nil. Any other error is returned as a
// *LoopError. A panic is returned as a *recovery.PanicError.
func (f *Forwarder) Run(ctx context.Context) (err error) {
	defer recovery.RecoverAsError(f.logger, f.cfg.Direction, &err)

	buf := make([]byte, f.cfg.BufferSize)

	for {
		n, _, flags, from, rerr := f.cfg.Src.ReadMsgUDPAddrPort(buf, nil)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return f.fail(OpReceive, rerr)
		}
		received := time.Now()

		f.received.Add(1)
		f.receivedBytes.Add(uint64(n))
		f.metrics.RecordReceived(f.cfg.Direction, n)

		if msgTrunc != 0 && flags&msgTrunc != 0 {
			f.truncated.Add(1)
			f.metrics.RecordTruncated(f.cfg.Direction)
			if f.dropLog.Allow() {
				f.logger.Debug("datagram truncated",
					logging.KeyPeer, from.String(),
					logging.KeyBytes, n)
			}
		}

		if f.cfg.OnReceive != nil {
			f.cfg.OnReceive(from)
		}

		dst, ok := f.cfg.Resolve()
		if !ok {
			f.dropped.Add(1)
			f.metrics.RecordDropped(metrics.ReasonNoPeer)
			if f.dropLog.Allow() {
				f.logger.Debug("dropping datagram, no client address learned yet",
					logging.KeyBytes, n)
			}
			continue
		}

		if _, werr := f.cfg.Dst.WriteToUDPAddrPort(buf[:n], dst); werr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return f.fail(OpSend, werr)
		}

		f.forwarded.Add(1)
		f.forwardedBytes.Add(uint64(n))
		f.metrics.RecordForwarded(f.cfg.Direction, n, time.Since(received).Seconds())
	}
}

// Stats returns the loop counters.
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Received:       f.received.Load(),
		ReceivedBytes:  f.receivedBytes.Load(),
		Forwarded:      f.forwarded.Load(),
		ForwardedBytes: f.forwardedBytes.Load(),
		Dropped:        f.dropped.Load(),
		Truncated:      f.truncated.Load(),
	}
}

func (f *Forwarder) fail(op string, err error) error {
	f.metrics.RecordError(f.cfg.Direction, op)
	return &LoopError{Direction: f.cfg.Direction, Op: op, Err: err}
}
