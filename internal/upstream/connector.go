// Package upstream implements the Upstream Connector (C3): resolving a
// scheme-tagged address, opening a TLS or plain TCP connection to the
// remote interactive server, and optionally prefixing it with a
// PROXY-protocol v1 header (spec.md §4.3).
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pires/go-proxyproto"

	"github.com/chatmud/mudproxy/internal/logger"
)

const (
	defaultTLSPort   = "7443"
	defaultPlainPort = "7777"
	readBufferSize   = 32 * 1024
)

// Callbacks are invoked as events arrive from the upstream socket, the way
// the teacher's ws.Client exposes OnStateChange/OnPTY to its owner instead
// of handing out raw channels (spec.md §4.3, "Upstream events").
type Callbacks struct {
	OnData  func([]byte)
	OnClose func()
	OnError func(error)
}

// Conn wraps one upstream byte-oriented connection (spec.md's
// "Upstream = TLS(socket) | Plain(socket)" sum type, represented here as a
// single net.Conn since crypto/tls.Conn and net.TCPConn already share the
// net.Conn interface — no separate variant types are needed).
type Conn struct {
	conn  net.Conn
	alive atomic.Bool

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// Connect resolves rawURL per spec.md §4.3's scheme table, dials it, tunes
// TCP keepalive, and — if useProxyProtocol is set — writes a single
// PROXY-protocol v1 header before anything else. clientAddr is the real
// browser-side address recorded on the Session, used as the PROXY header's
// source address.
func Connect(ctx context.Context, rawURL string, useProxyProtocol bool, clientAddr *net.TCPAddr) (*Conn, error) {
	useTLS, host, port, err := parseUpstreamURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url %q: %w", rawURL, err)
	}
	addr := net.JoinHostPort(host, port)

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		if err := tuneKeepalive(tcp); err != nil {
			logger.Warn("could not tune upstream keepalive", "addr", addr, "error", err)
		}
	}

	c := &Conn{conn: raw}
	c.alive.Store(true)

	if useProxyProtocol {
		if err := c.writeProxyHeader(clientAddr); err != nil {
			raw.Close()
			return nil, fmt.Errorf("write proxy-protocol header: %w", err)
		}
	}

	if useTLS {
		c.conn = tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	}

	return c, nil
}

// writeProxyHeader writes exactly one PROXY-protocol v1 line (spec.md §4.3)
// before any upstream byte. dstAddr is the local end of the upstream
// socket, as the spec requires.
func (c *Conn) writeProxyHeader(srcAddr *net.TCPAddr) error {
	dst, _ := c.conn.LocalAddr().(*net.TCPAddr)
	if srcAddr == nil || dst == nil {
		// No real client address on record (e.g. a test dialing loopback
		// directly) — nothing meaningful to announce, so skip the header
		// rather than writing a header carrying zero addresses upstream.
		return nil
	}

	transport := proxyproto.TCPv4
	if srcAddr.IP.To4() == nil {
		transport = proxyproto.TCPv6
	}

	header := proxyproto.Header{
		Version:           1,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        srcAddr,
		DestinationAddr:   dst,
	}
	_, err := header.WriteTo(c.conn)
	return err
}

// Start begins the read loop, invoking cb.OnData for every chunk read and
// cb.OnClose (or cb.OnError followed by an implicit close, per spec.md
// §4.3's "error is advisory, close is authoritative") when the socket ends.
// Start must be called exactly once per Conn, after Connect.
func (c *Conn) Start(cb Callbacks) {
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := c.conn.Read(buf)
			if n > 0 && cb.OnData != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb.OnData(chunk)
			}
			if err != nil {
				c.alive.Store(false)
				if cb.OnError != nil {
					cb.OnError(err)
				}
				if cb.OnClose != nil {
					cb.OnClose()
				}
				return
			}
		}
	}()
}

// Write sends data to the upstream socket. It is a no-op error if the
// connection is no longer alive.
func (c *Conn) Write(data []byte) error {
	if !c.alive.Load() {
		return fmt.Errorf("upstream: write after close")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// Alive reports whether the upstream socket is still writable.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// Close tears down the upstream socket. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		err = c.conn.Close()
	})
	return err
}

// parseUpstreamURL implements the scheme table of spec.md §4.3.
func parseUpstreamURL(raw string) (useTLS bool, host, port string, err error) {
	scheme := ""
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = raw[:i]
		rest = raw[i+3:]
	}

	switch scheme {
	case "tls", "wss", "ssl":
		useTLS = true
	case "tcp", "ws", "telnet":
		useTLS = false
	case "":
		useTLS = true
	default:
		return false, "", "", fmt.Errorf("unrecognized scheme %q", scheme)
	}

	host, port, splitErr := net.SplitHostPort(rest)
	if splitErr != nil {
		// No port given — apply the scheme's default.
		host = rest
		if useTLS {
			port = defaultTLSPort
		} else {
			port = defaultPlainPort
		}
	}
	if host == "" {
		return false, "", "", fmt.Errorf("missing host in %q", raw)
	}
	if _, convErr := strconv.Atoi(port); convErr != nil {
		return false, "", "", fmt.Errorf("invalid port %q", port)
	}
	return useTLS, host, port, nil
}
