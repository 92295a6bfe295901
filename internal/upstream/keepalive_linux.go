//go:build linux

package upstream

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepalive enables TCP keepalive with a 30s idle time on Linux, using
// the real TCP_KEEPIDLE/KEEPINTVL/KEEPCNT socket options rather than the
// coarser cross-platform net.TCPConn.SetKeepAlivePeriod (spec.md §4.3,
// "detect a half-open upstream within a bounded time").
func tuneKeepalive(conn *net.TCPConn) error {
	idle := int(keepaliveIdle / time.Second)

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idle); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepaliveIntervalSeconds); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveProbeCount)
	})
	if err != nil {
		return fmt.Errorf("control fd: %w", err)
	}
	return sockErr
}
