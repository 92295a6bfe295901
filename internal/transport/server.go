// Package transport implements the Transport Server (C6): accepts browser
// WebSocket connections, runs the handshake/reattach dispatch of spec.md
// §4.6, and multiplexes control messages with opaque upstream bytes over
// the same connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/chatmud/mudproxy/internal/config"
	"github.com/chatmud/mudproxy/internal/logger"
	"github.com/chatmud/mudproxy/internal/session"
	"github.com/chatmud/mudproxy/internal/upstream"
)

const keepaliveInterval = 30 * time.Second

// Server is the process-wide Transport Server: one listener, one Session
// Registry, one ProxyConfig (spec.md §4.6).
type Server struct {
	cfg config.ProxyConfig
	reg *session.Registry

	mux     *http.ServeMux
	httpSrv *http.Server
}

// New builds a Server wired to the given ProxyConfig, with routes installed
// on a fresh http.ServeMux (spec.md §4.6, §6 "operational HTTP endpoints").
func New(cfg config.ProxyConfig) *Server {
	s := &Server{
		cfg: cfg,
		reg: session.NewRegistry(),
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.mux,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	logger.Info("transport server listening", "addr", s.cfg.ListenAddr, "upstream", s.cfg.UpstreamURL)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunKeepalive sends a transport-level ping to every attached client every
// 30s until ctx is cancelled (spec.md §4.6). Intended to run in its own
// goroutine alongside ListenAndServe.
func (s *Server) RunKeepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.reg.Snapshot() {
				if err := sess.Ping(ctx); err != nil {
					logger.Debug("keepalive ping failed", "session", sess.ID, "error", err)
				}
			}
		}
	}
}

// Shutdown iterates every registered session invoking cleanup, then closes
// the listening transport (spec.md §4.6, "on process signal").
func (s *Server) Shutdown(ctx context.Context) error {
	for _, sess := range s.reg.Snapshot() {
		sess.Cleanup()
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	active, persisting := 0, 0
	for _, sess := range s.reg.Snapshot() {
		switch sess.State() {
		case session.StateActive:
			active++
		case session.StatePersisting:
			persisting++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"active":     active,
		"persisting": persisting,
		"config":     s.cfg.Default,
	})
}

// handleWS implements spec.md §4.6's handshake/reattach/new-session
// dispatch (steps 1-5). It recovers from the per-connection goroutine body:
// an HTTP server already isolates one handler's panic from the rest of the
// process, but without this the connection's upstream and registry entry
// would leak past the panic instead of being cleaned up.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var sess *session.Session
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("recovered panic in websocket handler", "panic", rec)
			if sess != nil {
				sess.Cleanup()
			}
		}
	}()

	hs := parseHandshake(r, s.cfg.Default)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	client := &wsConn{conn: conn}
	ctx := r.Context()

	if hs.sessionID != "" {
		sess, err = s.reattach(ctx, client, hs)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "reattach failed")
			return
		}
		if sess == nil {
			// error control message already sent by reattach.
			conn.Close(websocket.StatusNormalClosure, "session not found")
			return
		}
	} else {
		sess, err = s.createSession(ctx, client, hs)
		if err != nil {
			logger.Warn("failed to create session", "error", err)
			conn.Close(websocket.StatusInternalError, "could not open upstream")
			return
		}
	}

	s.serveClient(ctx, conn, sess)
}

// reattach implements spec.md §4.6 steps 3-4.
func (s *Server) reattach(ctx context.Context, client *wsConn, hs handshake) (*session.Session, error) {
	sess, ok := s.reg.Get(hs.sessionID)
	if !ok {
		body, _ := json.Marshal(session.ErrorMsg{Type: session.TypeError, Error: "Session not found"})
		framed := append([]byte{0x00}, body...)
		client.conn.Write(ctx, websocket.MessageBinary, framed)
		return nil, nil
	}
	if err := sess.Attach(ctx, client, hs.clientIP, hs.clientPort, true); err != nil {
		return nil, err
	}
	return sess, nil
}

// createSession implements spec.md §4.6 step 5.
func (s *Server) createSession(ctx context.Context, client *wsConn, hs handshake) (*session.Session, error) {
	cfg := config.Clamp(hs.cfg)

	up, err := upstream.Connect(ctx, s.cfg.UpstreamURL, s.cfg.UseProxyProtocol, &net.TCPAddr{IP: net.ParseIP(hs.clientIP), Port: hs.clientPort})
	if err != nil {
		return nil, fmt.Errorf("connect upstream: %w", err)
	}

	sess := session.New(up, hs.clientIP, hs.clientPort, cfg, s.reg.Remove)
	s.reg.Create(sess)

	up.Start(upstream.Callbacks{
		OnData:  func(chunk []byte) { sess.HandleUpstreamData(context.Background(), chunk) },
		OnClose: func() { sess.HandleUpstreamClose() },
		OnError: func(err error) { logger.Debug("upstream read error", "session", sess.ID, "error", err) },
	})

	if err := sess.Attach(ctx, client, hs.clientIP, hs.clientPort, false); err != nil {
		sess.Cleanup()
		return nil, err
	}
	return sess, nil
}

// serveClient runs the per-transport ingress loop until the connection
// closes, then applies the detach transition of spec.md §4.5 (graceful iff
// the client closed with normal-closure status).
func (s *Server) serveClient(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			graceful := websocket.CloseStatus(err) == websocket.StatusNormalClosure
			sess.Detach(graceful)
			return
		}
		sess.HandleClientMessage(ctx, data)
	}
}
