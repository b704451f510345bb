//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package relay

// msgTrunc is 0 where truncation is not reported; datagrams are still
// truncated, just not counted.
const msgTrunc = 0
