package session

import "github.com/chatmud/mudproxy/internal/config"

// Control messages multiplexed onto the client transport alongside opaque
// upstream bytes, distinguished by the leading 0x00 byte (spec.md §4.7).
// Exhaustively tagged by Type; inbound messages are dispatched by a plain
// switch on that tag in Session.HandleClientMessage rather than reflection.

const (
	TypeSession       = "session"
	TypeReconnected   = "reconnected"
	TypeError         = "error"
	TypeConfigUpdated = "configUpdated"
	TypeUpdateConfig  = "updateConfig"
)

// SessionMsg is sent once, at session creation.
type SessionMsg struct {
	Type      string               `json:"type"`
	SessionID string               `json:"sessionId"`
	Config    config.SessionConfig `json:"config"`
}

// ReconnectedMsg is sent on a successful reattach, before the buffer drains.
type ReconnectedMsg struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	BufferedCount int    `json:"bufferedCount"`
}

// ErrorMsg is sent when a reattach fails; the transport is closed right after.
type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ConfigUpdatedMsg acknowledges an UpdateConfigMsg with the clamped result.
type ConfigUpdatedMsg struct {
	Type   string               `json:"type"`
	Config config.SessionConfig `json:"config"`
}

// UpdateConfigMsg is the only client→proxy control message. Both fields are
// optional; the pointer fields distinguish "absent" from "zero" per spec.md
// §4.7 and §6's clamp-vs-default rules.
type UpdateConfigMsg struct {
	Type               string `json:"type"`
	PersistenceTimeout *int   `json:"persistenceTimeout"`
	MaxBufferLines     *int   `json:"maxBufferLines"`
}

// inboundEnvelope peeks at just the "type" tag to dispatch an inbound
// 0x00-prefixed control frame without fully decoding it twice.
type inboundEnvelope struct {
	Type string `json:"type"`
}
