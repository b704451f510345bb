// Package relay forwards UDP datagrams between a client-facing socket and a
// fixed upstream target.
//
// Two forwarding loops run for the life of the relay:
//   - inbound: client socket -> upstream target. Every received datagram
//     records its sender in the shared peer state.
//   - outbound: relay socket -> last known client. Datagrams that arrive
//     before any client has been seen are dropped.
//
// The loops never talk to each other directly; the peer state is the only
// shared value. Both are instances of the same Forwarder, differing only in
// their sockets, destination resolver and receive hook.
//
// # Addressing
//
// The peer state has a single slot. With several clients active at once,
// replies from upstream go to whichever client sent most recently.
//
// # Limits
//
// Each loop reads into a fixed buffer (2048 bytes by default). Larger
// datagrams are truncated to the buffer size and forwarded anyway; the
// truncation is counted where the platform reports it.
//
// # Supervision
//
// With PolicyExit, the first transport error stops the whole relay and is
// returned from Wait. With PolicyRestart, the failed loop is restarted on
// the same socket after a fixed delay.
package relay
