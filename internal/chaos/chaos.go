// Package chaos provides fault injection for testing the forwarding loops.
package chaos

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"
)

// ErrInjected is returned by operations that failed due to an injected fault.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means no fault was selected.
	FaultNone FaultType = iota - 1
	// FaultDelay adds latency to operations.
	FaultDelay
	// FaultPanic causes a panic in the calling goroutine.
	FaultPanic
	// FaultError causes an operation to return ErrInjected.
	FaultError
)

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration

	// Limit caps how many times this fault fires. 0 means unlimited.
	Limit int64
}

// FaultInjector decides when to inject faults.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
	cfgHits   []int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(time.Now().UnixNano(), configs...)
}

// NewFaultInjectorWithSeed creates a fault injector with a fixed random seed
// so that a run can be reproduced.
func NewFaultInjectorWithSeed(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
		cfgHits:   make([]int64, len(configs)),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Next selects the fault for one operation. The first config that fires
// wins. The returned delay is non-zero only for FaultDelay.
func (f *FaultInjector) Next() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultNone, 0
	}

	for i, cfg := range f.configs {
		if cfg.Limit > 0 && f.cfgHits[i] >= cfg.Limit {
			continue
		}
		if f.rng.Float64() >= cfg.Probability {
			continue
		}

		f.cfgHits[i]++
		f.faultHits[cfg.Type]++

		if cfg.Type == FaultDelay {
			return FaultDelay, f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
		}
		return cfg.Type, 0
	}

	return FaultNone, 0
}

// Apply runs the selected fault: it sleeps, panics, or returns ErrInjected.
func (f *FaultInjector) Apply() error {
	fault, delay := f.Next()
	switch fault {
	case FaultDelay:
		time.Sleep(delay)
	case FaultPanic:
		panic("chaos: injected panic")
	case FaultError:
		return ErrInjected
	}
	return nil
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics and limits.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
	f.cfgHits = make([]int64, len(f.configs))
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// PacketConn is the datagram socket surface used by the forwarding loops.
type PacketConn interface {
	ReadMsgUDPAddrPort(b, oob []byte) (n, oobn, flags int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Conn wraps a PacketConn and injects faults before reads and writes.
// A nil injector leaves that operation untouched.
type Conn struct {
	PacketConn
	Read  *FaultInjector
	Write *FaultInjector
}

// ReadMsgUDPAddrPort applies the read fault, then reads from the wrapped conn.
// An injected error is returned before any data is consumed.
func (c *Conn) ReadMsgUDPAddrPort(b, oob []byte) (int, int, int, netip.AddrPort, error) {
	if c.Read != nil {
		if err := c.Read.Apply(); err != nil {
			return 0, 0, 0, netip.AddrPort{}, err
		}
	}
	return c.PacketConn.ReadMsgUDPAddrPort(b, oob)
}

// WriteToUDPAddrPort applies the write fault, then writes to the wrapped conn.
func (c *Conn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	if c.Write != nil {
		if err := c.Write.Apply(); err != nil {
			return 0, err
		}
	}
	return c.PacketConn.WriteToUDPAddrPort(b, addr)
}
