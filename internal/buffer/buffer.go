// Package buffer implements the Bounded Replay Buffer (C2): a FIFO queue of
// upstream byte chunks captured while a Session has no attached client,
// bounded by both a line-count and a byte-size cap (spec.md §4.2).
package buffer

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chatmud/mudproxy/internal/config"
	"github.com/chatmud/mudproxy/internal/logger"
)

// Message is one buffered upstream data chunk (spec.md §3, BufferedMessage).
type Message struct {
	Data      []byte
	Timestamp time.Time
}

// Buffer is the per-session replay buffer. Safe for concurrent use, though
// in practice a Session only ever touches its own Buffer under its own
// exclusion (spec.md §5) — the internal mutex exists so Buffer is usable
// and testable standalone, the way the teacher's replayBuffer is.
type Buffer struct {
	mu       sync.Mutex
	messages []Message
	byteSize int
	maxLines int
}

// New returns an empty Buffer with the given line cap. maxLines is not
// clamped here — callers pass an already-clamped config.SessionConfig value.
func New(maxLines int) *Buffer {
	return &Buffer{maxLines: maxLines}
}

// SetMaxLines updates the line cap, e.g. in response to an updateConfig
// control message (spec.md §4.7). It does not itself evict — per invariant
// 2 (spec.md §3), the buffer is only ever non-empty while no client is
// attached, and updateConfig only arrives over an attached client's
// transport, so the buffer is already empty whenever this is called.
func (b *Buffer) SetMaxLines(maxLines int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxLines = maxLines
}

// Append adds data to the buffer, evicting from the head under the rules of
// spec.md §4.2, evaluated in order. now is the data's arrival timestamp.
func (b *Buffer) Append(data []byte, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) > config.MaxBufferBytes {
		logger.Warn("dropping oversized upstream chunk",
			"size", humanize.IBytes(uint64(len(data))),
			"limit", humanize.IBytes(uint64(config.MaxBufferBytes)))
		return
	}

	for len(b.messages) >= b.maxLines {
		b.evictOldest()
	}
	for b.byteSize+len(data) > config.MaxBufferBytes && len(b.messages) > 0 {
		b.evictOldest()
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	b.messages = append(b.messages, Message{Data: cp, Timestamp: now})
	b.byteSize += len(cp)
}

// evictOldest removes the head entry. Caller must hold mu.
func (b *Buffer) evictOldest() {
	evicted := b.messages[0]
	b.messages = b.messages[1:]
	b.byteSize -= len(evicted.Data)
}

// Drain returns every buffered message in FIFO order and resets the buffer
// to empty, for replay to a reattaching client (spec.md §4.2).
func (b *Buffer) Drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.messages
	b.messages = nil
	b.byteSize = 0
	return out
}

// Len returns the current number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// ByteSize returns the current total buffered byte size.
func (b *Buffer) ByteSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byteSize
}
