package transport

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/chatmud/mudproxy/internal/config"
)

// handshake holds everything parsed from a new client transport connection's
// initial HTTP request before it is upgraded (spec.md §4.6 step 1-2).
type handshake struct {
	sessionID  string
	cfg        config.SessionConfig
	clientIP   string
	clientPort int
}

// parseHandshake reads the sessionId/persistenceTimeout/maxBufferLines query
// parameters and resolves the real client address, applying the clamp/
// default rules of spec.md §3/§6. def is the process's configured
// SessionConfig defaults (ProxyConfig.Default) — the fallback used for any
// field the request omits, not config.Default()'s built-in values.
func parseHandshake(r *http.Request, def config.SessionConfig) handshake {
	q := r.URL.Query()

	h := handshake{
		sessionID: q.Get("sessionId"),
	}

	ptPresent, ptValue := parseOptionalInt(q.Get("persistenceTimeout"))
	mblPresent, mblValue := parseOptionalInt(q.Get("maxBufferLines"))
	h.cfg = config.SessionConfig{
		PersistenceTimeoutMS: config.ResolveOptionalInt(ptPresent, ptValue, def.PersistenceTimeoutMS, config.MinPersistenceTimeoutMS, config.MaxPersistenceTimeoutMS),
		MaxBufferLines:       config.ResolveOptionalInt(mblPresent, mblValue, def.MaxBufferLines, config.MinMaxBufferLines, config.MaxMaxBufferLines),
	}

	h.clientIP, h.clientPort = resolveClientAddr(r)
	return h
}

// resolveClientAddr implements spec.md §4.6 step 2: prefer
// X-Forwarded-For/X-Forwarded-Port, fall back to the transport peer address,
// and strip the IPv4-mapped-IPv6 "::ffff:" prefix either way.
func resolveClientAddr(r *http.Request) (ip string, port int) {
	ip = peerIP(r)
	port = peerPort(r)

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			ip = first
		}
	}
	if xfp := r.Header.Get("X-Forwarded-Port"); xfp != "" {
		if p, err := strconv.Atoi(strings.TrimSpace(xfp)); err == nil {
			port = p
		}
	}

	return strings.TrimPrefix(ip, "::ffff:"), port
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func peerPort(r *http.Request) int {
	_, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(portStr)
	return p
}

// parseOptionalInt mirrors config.ResolveOptionalInt's notion of "present":
// an empty or non-numeric query value is treated as absent, not zero.
func parseOptionalInt(raw string) (present bool, value int) {
	if raw == "" {
		return false, 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return false, 0
	}
	return true, v
}
