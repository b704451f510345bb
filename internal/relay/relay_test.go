package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/nettest"

	"github.com/postalsys/udp-relay/internal/metrics"
)

const ioTimeout = 2 * time.Second

// testRelay starts a relay on loopback in front of a fake upstream socket.
func testRelay(t *testing.T, host string, modify func(*Config)) (*Relay, *net.UDPConn) {
	t.Helper()

	upstreamConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	t.Cleanup(func() { upstreamConn.Close() })

	cfg := DefaultConfig()
	cfg.LocalAddress = host
	cfg.ClientPort = 0
	cfg.RelayPort = 0
	cfg.UpstreamAddress = host
	cfg.UpstreamPort = upstreamConn.LocalAddr().(*net.UDPAddr).Port
	if modify != nil {
		modify(&cfg)
	}

	r, err := New(cfg, metrics.Discard(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { r.Stop() })

	return r, upstreamConn
}

func testClient(t *testing.T, host string) *net.UDPConn {
	t.Helper()

	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, from *net.UDPConn, to net.Addr, payload []byte) {
	t.Helper()

	if _, err := from.WriteTo(payload, to); err != nil {
		t.Fatalf("write to %v: %v", to, err)
	}
}

func recv(t *testing.T, conn *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()

	buf := make([]byte, 65535)
	conn.SetReadDeadline(time.Now().Add(ioTimeout))
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read on %v: %v", conn.LocalAddr(), err)
	}
	return buf[:n], from
}

func expectSilence(t *testing.T, conn *net.UDPConn) {
	t.Helper()

	buf := make([]byte, 65535)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, from, err := conn.ReadFromUDP(buf)
	if err == nil {
		t.Fatalf("unexpected datagram of %d bytes from %v", n, from)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(ioTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRelay_ForwardingAndAddressLearning(t *testing.T) {
	r, upstreamConn := testRelay(t, "127.0.0.1", nil)
	client := testClient(t, "127.0.0.1")

	send(t, client, r.ClientAddr(), []byte("AAAA"))

	got, from := recv(t, upstreamConn)
	if string(got) != "AAAA" {
		t.Errorf("upstream received %q, want AAAA", got)
	}
	if from.String() != r.RelayAddr().String() {
		t.Errorf("upstream saw sender %v, want relay socket %v", from, r.RelayAddr())
	}

	peer := r.Peer()
	if !peer.Known {
		t.Fatal("peer not learned")
	}
	if want := client.LocalAddr().(*net.UDPAddr).AddrPort(); peer.Addr != want {
		t.Errorf("peer = %v, want %v", peer.Addr, want)
	}
}

func TestRelay_ReverseRouting(t *testing.T) {
	r, upstreamConn := testRelay(t, "127.0.0.1", nil)
	client := testClient(t, "127.0.0.1")

	send(t, client, r.ClientAddr(), []byte("AAAA"))
	_, relayAddr := recv(t, upstreamConn)

	send(t, upstreamConn, relayAddr, []byte("BBBB"))

	got, from := recv(t, client)
	if string(got) != "BBBB" {
		t.Errorf("client received %q, want BBBB", got)
	}
	if from.String() != r.ClientAddr().String() {
		t.Errorf("client saw sender %v, want client-facing socket %v", from, r.ClientAddr())
	}
}

func TestRelay_EmptyPeerStateDrops(t *testing.T) {
	r, upstreamConn := testRelay(t, "127.0.0.1", nil)

	send(t, upstreamConn, r.RelayAddr(), []byte("orphan"))

	waitFor(t, "drop to be counted", func() bool {
		return r.Stats().Outbound.Dropped == 1
	})

	if !r.IsRunning() {
		t.Error("relay stopped after dropping a datagram")
	}
	if r.Stats().Outbound.Forwarded != 0 {
		t.Error("datagram was forwarded with no known peer")
	}

	// The relay must keep working afterwards.
	client := testClient(t, "127.0.0.1")
	send(t, client, r.ClientAddr(), []byte("hello"))
	if got, _ := recv(t, upstreamConn); string(got) != "hello" {
		t.Errorf("upstream received %q, want hello", got)
	}
}

func TestRelay_LastWriteWins(t *testing.T) {
	r, upstreamConn := testRelay(t, "127.0.0.1", nil)
	clientA := testClient(t, "127.0.0.1")
	clientB := testClient(t, "127.0.0.1")

	send(t, clientA, r.ClientAddr(), []byte("AAAA"))
	recv(t, upstreamConn)

	send(t, upstreamConn, r.RelayAddr(), []byte("BBBB"))
	if got, _ := recv(t, clientA); string(got) != "BBBB" {
		t.Fatalf("client A received %q, want BBBB", got)
	}

	send(t, clientB, r.ClientAddr(), []byte("CCCC"))
	if got, _ := recv(t, upstreamConn); string(got) != "CCCC" {
		t.Fatalf("upstream received %q, want CCCC", got)
	}

	if want := clientB.LocalAddr().(*net.UDPAddr).AddrPort(); r.Peer().Addr != want {
		t.Errorf("peer = %v, want %v", r.Peer().Addr, want)
	}

	send(t, upstreamConn, r.RelayAddr(), []byte("DDDD"))
	if got, _ := recv(t, clientB); string(got) != "DDDD" {
		t.Errorf("client B received %q, want DDDD", got)
	}
	expectSilence(t, clientA)

	if changes := r.Stats().PeerChanges; changes != 2 {
		t.Errorf("PeerChanges = %d, want 2", changes)
	}
}

func TestRelay_TruncatesAtBufferSize(t *testing.T) {
	r, upstreamConn := testRelay(t, "127.0.0.1", nil)
	client := testClient(t, "127.0.0.1")

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}

	send(t, client, r.ClientAddr(), payload)

	got, _ := recv(t, upstreamConn)
	if len(got) != DefaultBufferSize {
		t.Fatalf("upstream received %d bytes, want %d", len(got), DefaultBufferSize)
	}
	if !bytes.Equal(got, payload[:DefaultBufferSize]) {
		t.Error("truncated payload does not match the original prefix")
	}

	if msgTrunc != 0 {
		if n := r.Stats().Inbound.Truncated; n != 1 {
			t.Errorf("Truncated = %d, want 1", n)
		}
	}
}

func TestRelay_CustomBufferSize(t *testing.T) {
	r, upstreamConn := testRelay(t, "127.0.0.1", func(c *Config) { c.BufferSize = 4096 })
	client := testClient(t, "127.0.0.1")

	payload := bytes.Repeat([]byte("x"), 3000)
	send(t, client, r.ClientAddr(), payload)

	if got, _ := recv(t, upstreamConn); !bytes.Equal(got, payload) {
		t.Errorf("upstream received %d bytes, want %d", len(got), len(payload))
	}
}

func TestRelay_IPv6Loopback(t *testing.T) {
	if !nettest.SupportsIPv6() {
		t.Skip("IPv6 not supported")
	}

	r, upstreamConn := testRelay(t, "::1", nil)
	client := testClient(t, "::1")

	send(t, client, r.ClientAddr(), []byte("v6"))
	got, relayAddr := recv(t, upstreamConn)
	if string(got) != "v6" {
		t.Fatalf("upstream received %q, want v6", got)
	}

	send(t, upstreamConn, relayAddr, []byte("v6-reply"))
	if got, _ := recv(t, client); string(got) != "v6-reply" {
		t.Errorf("client received %q, want v6-reply", got)
	}
}

func TestRelay_BindFailurePreventsStart(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	cfg := DefaultConfig()
	cfg.LocalAddress = "127.0.0.1"
	cfg.ClientPort = taken.LocalAddr().(*net.UDPAddr).Port
	cfg.RelayPort = 0
	cfg.UpstreamAddress = "127.0.0.1"

	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = r.Start()
	if err == nil {
		r.Stop()
		t.Fatal("Start() succeeded on a port that is in use")
	}
	if !strings.Contains(err.Error(), "bind client socket") {
		t.Errorf("unexpected error: %v", err)
	}
	if r.IsRunning() {
		t.Error("relay reports running after a bind failure")
	}
	if r.ClientAddr() != nil || r.RelayAddr() != nil {
		t.Error("sockets retained after a bind failure")
	}
	if err := r.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wait() = %v, want ErrNotStarted", err)
	}
}

func TestRelay_TransportErrorStopsRelay(t *testing.T) {
	r, _ := testRelay(t, "127.0.0.1", nil)

	// Closing the socket underneath the loop simulates a fatal receive error.
	r.mu.Lock()
	r.clientConn.Close()
	r.mu.Unlock()

	select {
	case <-r.Done():
	case <-time.After(ioTimeout):
		t.Fatal("relay did not stop after a transport error")
	}

	err := r.Wait()
	var loopErr *LoopError
	if !errors.As(err, &loopErr) {
		t.Fatalf("Wait() = %v, want *LoopError", err)
	}
	if loopErr.Direction != DirectionInbound || loopErr.Op != OpReceive {
		t.Errorf("LoopError = %+v, want inbound receive", loopErr)
	}
	if r.IsRunning() {
		t.Error("relay still running")
	}
}

func TestRelay_StopIsClean(t *testing.T) {
	r, _ := testRelay(t, "127.0.0.1", nil)

	if !r.IsRunning() {
		t.Fatal("relay not running after Start")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Errorf("Wait() after Stop = %v, want nil", err)
	}
	if r.IsRunning() {
		t.Error("relay running after Stop")
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestRelay_StartAfterStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpstreamAddress = "127.0.0.1"

	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() before Start = %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() = %v, want ErrStopped", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(cfg, nil, nil); err == nil {
		t.Error("New() without upstream address should fail")
	}
}

// scriptedLoop fails the first failures runs, then returns nil.
type scriptedLoop struct {
	failures int
	err      error
	calls    atomic.Int32
}

func (l *scriptedLoop) Direction() string { return DirectionOutbound }

func (l *scriptedLoop) Run(ctx context.Context) error {
	n := int(l.calls.Add(1))
	if n <= l.failures {
		return l.err
	}
	return nil
}

func newUnstartedRelay(t *testing.T, policy string) (*Relay, *metrics.Metrics) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.UpstreamAddress = "127.0.0.1"
	cfg.Policy = policy
	cfg.RestartDelay = time.Millisecond

	m := metrics.Discard()
	r, err := New(cfg, m, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, m
}

func TestSupervise_RestartPolicy(t *testing.T) {
	r, m := newUnstartedRelay(t, PolicyRestart)
	l := &scriptedLoop{failures: 2, err: errors.New("sendto: no buffer space available")}

	r.wg.Add(1)
	r.supervise(l)

	if got := l.calls.Load(); got != 3 {
		t.Errorf("loop ran %d times, want 3", got)
	}
	if got := r.Stats().Restarts; got != 2 {
		t.Errorf("Restarts = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.LoopRestarts.WithLabelValues(DirectionOutbound)); got != 2 {
		t.Errorf("restart metric = %v, want 2", got)
	}
	if r.err != nil {
		t.Errorf("relay error = %v, want nil", r.err)
	}
	if r.ctx.Err() != nil {
		t.Error("restart policy should not cancel the relay")
	}
}

func TestSupervise_RestartPolicyStopsOnClosedSocket(t *testing.T) {
	r, _ := newUnstartedRelay(t, PolicyRestart)
	l := &scriptedLoop{failures: 5, err: &LoopError{Direction: DirectionOutbound, Op: OpReceive, Err: net.ErrClosed}}

	r.wg.Add(1)
	r.supervise(l)

	if got := l.calls.Load(); got != 1 {
		t.Errorf("loop ran %d times, want 1", got)
	}
	if !errors.Is(r.err, net.ErrClosed) {
		t.Errorf("relay error = %v, want net.ErrClosed", r.err)
	}
}

func TestSupervise_ExitPolicy(t *testing.T) {
	r, _ := newUnstartedRelay(t, PolicyExit)
	boom := errors.New("boom")
	l := &scriptedLoop{failures: 1, err: boom}

	r.wg.Add(1)
	r.supervise(l)

	if got := l.calls.Load(); got != 1 {
		t.Errorf("loop ran %d times, want 1", got)
	}
	if !errors.Is(r.err, boom) {
		t.Errorf("relay error = %v, want boom", r.err)
	}
	if r.ctx.Err() == nil {
		t.Error("exit policy should cancel the relay")
	}
}
