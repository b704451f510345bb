//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package relay

import "golang.org/x/sys/unix"

// msgTrunc is the recvmsg flag set when a datagram did not fit the buffer.
const msgTrunc = unix.MSG_TRUNC
