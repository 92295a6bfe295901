//go:build !linux

package upstream

import "net"

// tuneKeepalive falls back to the portable net.TCPConn keepalive controls
// on non-Linux platforms, which cannot express TCP_KEEPIDLE directly.
func tuneKeepalive(conn *net.TCPConn) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(keepaliveIdle)
}
