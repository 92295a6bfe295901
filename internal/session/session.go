// Package session implements the Session (C5) and Session Registry (C4):
// the per-client state machine that ties one upstream connection to
// zero-or-one attached client transports, and the process-wide map from
// session id to Session (spec.md §3, §4.4, §4.5).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chatmud/mudproxy/internal/buffer"
	"github.com/chatmud/mudproxy/internal/config"
	"github.com/chatmud/mudproxy/internal/logger"
	"github.com/chatmud/mudproxy/internal/telnet"
)

// upstreamWriter is the narrow write/close surface Session needs from its
// upstream connection — a seam so tests can assert exactly what a session
// writes upstream (e.g. the §4.1 "Unsolicited update" on IP change) without
// a real socket. *upstream.Conn implements this.
type upstreamWriter interface {
	Write(data []byte) error
	Close() error
}

// ClientConn is the narrow "writable byte sink" a Session needs from an
// attached client transport, so Session depends on this interface rather
// than on the transport's concrete connection type. The transport
// package's websocket wrapper implements this.
type ClientConn interface {
	// WriteMessage sends one binary message verbatim — callers are
	// responsible for the 0x00 control prefix convention.
	WriteMessage(ctx context.Context, data []byte) error
	// Close closes the transport with normal-closure status (spec.md §4.5,
	// "close its transport with normal-closure status") — the status every
	// close a Session initiates uses.
	Close(reason string) error
	// Ping sends a transport-level keepalive ping (spec.md §4.6).
	Ping(ctx context.Context) error
}

// State is one of the four observable states of spec.md §4.5's table.
type State int

const (
	StateActive State = iota
	StatePersisting
	StateDoomedNoUpstream
	StateDoomedExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePersisting:
		return "PERSISTING"
	case StateDoomedNoUpstream:
		return "DOOMED_NO_UPSTREAM"
	case StateDoomedExpired:
		return "DOOMED_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Session is the central entity of spec.md §3. All mutable fields are
// guarded by mu; a Session is its own unit of exclusion (spec.md §5) — no
// two handlers for the same Session run concurrently.
type Session struct {
	ID string

	mu             sync.Mutex
	client         ClientConn
	clientIP       string
	clientPort     int
	upstream       upstreamWriter
	upstreamAlive  bool
	buf            *buffer.Buffer
	filter         *telnet.Filter
	cfg            config.SessionConfig
	disconnectedAt time.Time
	cleanupTimer   *time.Timer
	createdAt      time.Time

	onCleanup func(id string)
}

// New constructs a Session around an already-open upstream connection, with
// no id assigned yet. The caller (C6, on handshake) must pass it through
// Registry.Create to obtain a collision-free id before calling Attach.
func New(up upstreamWriter, clientIP string, clientPort int, cfg config.SessionConfig, onCleanup func(string)) *Session {
	return &Session{
		upstream:      up,
		upstreamAlive: true,
		buf:           buffer.New(cfg.MaxBufferLines),
		filter:        telnet.NewFilter(clientIP),
		cfg:           cfg,
		clientIP:      clientIP,
		clientPort:    clientPort,
		createdAt:     time.Now(),
		onCleanup:     onCleanup,
	}
}

// Config returns a copy of the session's current SessionConfig.
func (s *Session) Config() config.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State reports the session's current state per spec.md §4.5's table.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.client != nil:
		return StateActive
	case !s.upstreamAlive:
		return StateDoomedNoUpstream
	case s.cleanupTimer != nil:
		return StatePersisting
	default:
		return StateDoomedExpired
	}
}

// Attach installs a new client transport — either the initial attach at
// session creation, or a reattach to a PERSISTING session. It cancels any
// pending cleanup timer, drains the buffer to the new client in order, and
// re-announces the client IP upstream if it changed after NEW_ENVIRON
// negotiation already completed (spec.md §4.1, §4.5, §4.6).
//
// isReattach controls which control message precedes the drain: "session"
// for a brand new session, "reconnected" for a reattach.
func (s *Session) Attach(ctx context.Context, client ClientConn, clientIP string, clientPort int, isReattach bool) error {
	s.mu.Lock()

	s.cancelTimerLocked()

	ipChanged := isReattach && clientIP != s.clientIP
	s.client = client
	s.clientIP = clientIP
	s.clientPort = clientPort
	s.disconnectedAt = time.Time{}
	if ipChanged {
		s.filter.SetClientIP(clientIP)
	}

	drained := s.buf.Drain()
	bufferedCount := len(drained)
	negotiated := s.filter.Negotiated()
	id := s.ID
	state := s.stateLocked()

	s.mu.Unlock()

	if isReattach {
		logger.Session(id).Info("session reattached", "remote_ip", clientIP, "state", state, "buffered_count", bufferedCount)
		msg := ReconnectedMsg{Type: TypeReconnected, SessionID: id, BufferedCount: bufferedCount}
		if err := s.writeControl(ctx, msg); err != nil {
			return err
		}
	} else {
		logger.Session(id).Info("session created", "remote_ip", clientIP, "state", state)
		msg := SessionMsg{Type: TypeSession, SessionID: id, Config: s.Config()}
		if err := s.writeControl(ctx, msg); err != nil {
			return err
		}
	}

	if ipChanged && negotiated {
		update := telnet.BuildIPInfoUpdate(clientIP)
		if werr := s.writeUpstream(update); werr != nil {
			logger.Warn("failed to announce new client ip upstream", "session", id, "error", werr)
		}
	}

	for _, m := range drained {
		if err := client.WriteMessage(ctx, m.Data); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes the attached client transport, following the transition
// table of spec.md §4.5. graceful is true iff the transport closed with the
// normal-closure status code.
func (s *Session) Detach(graceful bool) {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.disconnectedAt = time.Now()
	upstreamAlive := s.upstreamAlive
	timeout := s.cfg.PersistenceTimeoutMS
	clientIP := s.clientIP
	id := s.ID
	s.mu.Unlock()

	switch {
	case graceful:
		logger.Session(id).Info("session detached", "remote_ip", clientIP, "state", "DOOMED_CLOSED", "reason", "graceful close")
		s.Cleanup()
	case !upstreamAlive:
		logger.Session(id).Info("session detached", "remote_ip", clientIP, "state", StateDoomedNoUpstream)
		s.Cleanup()
	case timeout <= 0:
		logger.Session(id).Info("session detached", "remote_ip", clientIP, "state", "DOOMED_CLOSED", "reason", "zero persistence timeout")
		s.Cleanup()
	default:
		logger.Session(id).Info("session detached", "remote_ip", clientIP, "state", StatePersisting, "timeout_ms", timeout)
		s.armTimer(timeout)
	}
}

// armTimer schedules the persistence-expiry cleanup. Race-safety against a
// concurrent Attach/cancelTimerLocked is by pointer identity: the callback
// only acts if the timer it was scheduled from is still the session's
// current cleanup timer at fire time (spec.md §5, "the reattach wins if it
// has cleared the timer handle before the callback observes state").
func (s *Session) armTimer(timeoutMS int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(time.Duration(timeoutMS)*time.Millisecond, func() {
		s.mu.Lock()
		if s.cleanupTimer != t {
			s.mu.Unlock()
			return
		}
		s.cleanupTimer = nil
		s.mu.Unlock()
		s.Cleanup()
	})
	s.cleanupTimer = t
}

// cancelTimerLocked stops and clears the cleanup timer. Caller must hold mu.
func (s *Session) cancelTimerLocked() {
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
}

// HandleUpstreamData processes one chunk of bytes read from the upstream
// socket: runs it through the Terminal Negotiation Filter, writes any
// upstream-bound reply, and either forwards the passthrough bytes to an
// attached client or appends them to the replay buffer (spec.md §4.1, §4.2).
func (s *Session) HandleUpstreamData(ctx context.Context, chunk []byte) {
	s.mu.Lock()
	toClient, toUpstream := s.filter.Process(chunk)
	client := s.client
	s.mu.Unlock()

	if len(toUpstream) > 0 {
		if err := s.writeUpstream(toUpstream); err != nil {
			logger.Warn("failed to write filter reply upstream", "session", s.ID, "error", err)
		}
	}
	if len(toClient) == 0 {
		return
	}

	if client != nil {
		if err := client.WriteMessage(ctx, toClient); err != nil {
			logger.Warn("failed to write to client, detaching", "session", s.ID, "error", err)
			s.Detach(false)
		}
		return
	}

	s.mu.Lock()
	s.buf.Append(toClient, time.Now())
	s.mu.Unlock()
}

// HandleUpstreamClose runs when the upstream socket reports close (spec.md
// §4.5, "upstream closes → notify client, cleanup").
func (s *Session) HandleUpstreamClose() {
	s.mu.Lock()
	s.upstreamAlive = false
	client := s.client
	clientIP := s.clientIP
	id := s.ID
	s.mu.Unlock()

	logger.Session(id).Info("upstream closed", "remote_ip", clientIP, "state", StateDoomedNoUpstream)

	if client != nil {
		client.Close("upstream closed")
	}
	s.Cleanup()
}

// HandleClientMessage dispatches one inbound client transport message per
// the 0x00-prefix convention of spec.md §4.7: control JSON is parsed and
// handled locally, anything else is forwarded verbatim upstream.
func (s *Session) HandleClientMessage(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] != 0x00 {
		if err := s.writeUpstream(data); err != nil {
			logger.Warn("failed to write client bytes upstream", "session", s.ID, "error", err)
		}
		return
	}

	payload := data[1:]
	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("malformed control message, ignoring", "session", s.ID, "error", err)
		return
	}

	switch env.Type {
	case TypeUpdateConfig:
		var msg UpdateConfigMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("malformed updateConfig message, ignoring", "session", s.ID, "error", err)
			return
		}
		s.updateConfig(ctx, msg)
	default:
		logger.Warn("unrecognized control message type, ignoring", "session", s.ID, "type", env.Type)
	}
}

// updateConfig applies an UpdateConfigMsg (spec.md §4.7): clamp whichever
// fields are present, leave the rest unchanged, and ack with the result. A
// currently-running persistence timer is not rearmed to the new value.
func (s *Session) updateConfig(ctx context.Context, msg UpdateConfigMsg) {
	s.mu.Lock()
	if msg.PersistenceTimeout != nil {
		s.cfg.PersistenceTimeoutMS = clamp(*msg.PersistenceTimeout, config.MinPersistenceTimeoutMS, config.MaxPersistenceTimeoutMS)
	}
	if msg.MaxBufferLines != nil {
		s.cfg.MaxBufferLines = clamp(*msg.MaxBufferLines, config.MinMaxBufferLines, config.MaxMaxBufferLines)
		s.buf.SetMaxLines(s.cfg.MaxBufferLines)
	}
	cfg := s.cfg
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return
	}
	ack := ConfigUpdatedMsg{Type: TypeConfigUpdated, Config: cfg}
	if err := s.writeControl(ctx, ack); err != nil {
		logger.Warn("failed to ack configUpdated", "session", s.ID, "error", err)
	}
}

// Cleanup tears down both legs and removes the session from its registry.
// Idempotent (spec.md §4.5, §8 P8): a second call observes client==nil,
// cleanupTimer==nil, upstream already closed, and the registry callback
// itself is guarded by the registry (see registry.go).
func (s *Session) Cleanup() {
	s.mu.Lock()
	s.cancelTimerLocked()
	client := s.client
	s.client = nil
	up := s.upstream
	alreadyClean := client == nil && !s.upstreamAlive
	s.upstreamAlive = false
	clientIP := s.clientIP
	id := s.ID
	s.mu.Unlock()

	if !alreadyClean {
		logger.Session(id).Info("session cleanup", "remote_ip", clientIP, "state", "CLEANED_UP")
	}

	if client != nil {
		client.Close("session closed")
	}
	if up != nil {
		up.Close()
	}
	if s.onCleanup != nil {
		s.onCleanup(s.ID)
	}
}

func (s *Session) writeUpstream(data []byte) error {
	s.mu.Lock()
	up := s.upstream
	alive := s.upstreamAlive
	s.mu.Unlock()
	if up == nil || !alive {
		return nil
	}
	return up.Write(data)
}

func (s *Session) writeControl(ctx context.Context, v any) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("session %s: no attached client", s.ID)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	framed := make([]byte, 0, len(body)+1)
	framed = append(framed, 0x00)
	framed = append(framed, body...)
	return client.WriteMessage(ctx, framed)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClientAddr returns the most recently recorded client address, or nil if
// none is recorded or it does not parse as an IP.
func (s *Session) ClientAddr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientIP == "" {
		return nil
	}
	ip := net.ParseIP(s.clientIP)
	if ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: ip, Port: s.clientPort}
}

// Ping sends a transport-level keepalive ping to the attached client, if
// any (spec.md §4.6, "every 30s, for each registered Session whose
// transport is open, send a transport-level ping").
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Ping(ctx)
}
