package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatmud/mudproxy/internal/config"
	"github.com/chatmud/mudproxy/internal/telnet"
)

// fakeClient is a minimal ClientConn recording every message written to it.
type fakeClient struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (f *fakeClient) WriteMessage(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages = append(f.messages, cp)
	return nil
}

func (f *fakeClient) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeUpstream is a minimal upstreamWriter recording every write, used to
// assert exactly what a Session sends upstream without a real socket.
type fakeUpstream struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (f *fakeUpstream) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func newTestSession(t *testing.T) (*Session, *Registry) {
	t.Helper()
	reg := NewRegistry()
	s := New(nil, "203.0.113.7", 5555, config.Default(), reg.Remove)
	reg.Create(s)
	s.upstreamAlive = true
	return s, reg
}

func newTestSessionWithUpstream(t *testing.T) (*Session, *Registry, *fakeUpstream) {
	t.Helper()
	reg := NewRegistry()
	up := &fakeUpstream{}
	s := New(up, "203.0.113.7", 5555, config.Default(), reg.Remove)
	reg.Create(s)
	s.upstreamAlive = true
	return s, reg, up
}

func TestAttach_SendsSessionMessageAndDrainsEmpty(t *testing.T) {
	s, _ := newTestSession(t)
	client := &fakeClient{}
	if err := s.Attach(context.Background(), client, "203.0.113.7", 5555, false); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if client.count() != 1 {
		t.Fatalf("expected 1 message (session), got %d", client.count())
	}
	if s.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", s.State())
	}
}

// Scenario 5 from spec.md §8: FIFO eviction then reattach replay.
func TestReattach_DrainsBufferInOrder(t *testing.T) {
	s, _ := newTestSession(t)
	s.cfg.MaxBufferLines = 3
	s.buf.SetMaxLines(3)
	first := &fakeClient{}
	if err := s.Attach(context.Background(), first, "203.0.113.7", 5555, false); err != nil {
		t.Fatalf("initial attach: %v", err)
	}

	s.Detach(false) // involuntary detach, upstream alive, timeout > 0 → PERSISTING
	if s.State() != StatePersisting {
		t.Fatalf("state after detach = %v, want PERSISTING", s.State())
	}

	for _, c := range []byte{'1', '2', '3', '4'} {
		s.HandleUpstreamData(context.Background(), []byte{c})
	}

	second := &fakeClient{}
	if err := s.Attach(context.Background(), second, "203.0.113.7", 5555, true); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	// reconnected control + 3 surviving data bytes = 4 messages.
	if second.count() != 4 {
		t.Fatalf("second client got %d messages, want 4", second.count())
	}
	want := []byte{'2', '3', '4'}
	for i, b := range want {
		msg := second.messages[i+1]
		if len(msg) != 1 || msg[0] != b {
			t.Errorf("message %d = %v, want %c", i, msg, b)
		}
	}
	if s.State() != StateActive {
		t.Fatalf("state after reattach = %v, want ACTIVE", s.State())
	}
}

func TestDetach_GracefulCleansUpImmediately(t *testing.T) {
	s, reg := newTestSession(t)
	client := &fakeClient{}
	s.Attach(context.Background(), client, "203.0.113.7", 5555, false)
	s.Detach(true)
	if _, ok := reg.Get(s.ID); ok {
		t.Fatal("expected session removed from registry after graceful detach")
	}
}

func TestDetach_ZeroTimeoutCleansUpImmediately(t *testing.T) {
	s, reg := newTestSession(t)
	s.cfg.PersistenceTimeoutMS = 0
	client := &fakeClient{}
	s.Attach(context.Background(), client, "203.0.113.7", 5555, false)
	s.Detach(false)
	if _, ok := reg.Get(s.ID); ok {
		t.Fatal("expected session removed from registry after zero-timeout detach")
	}
}

func TestDetach_UpstreamDeadCleansUpImmediately(t *testing.T) {
	s, reg := newTestSession(t)
	client := &fakeClient{}
	s.Attach(context.Background(), client, "203.0.113.7", 5555, false)
	s.mu.Lock()
	s.upstreamAlive = false
	s.mu.Unlock()
	s.Detach(false)
	if _, ok := reg.Get(s.ID); ok {
		t.Fatal("expected session removed from registry when upstream already dead")
	}
}

// P7: timer_set iff PERSISTING; no timer remains after cleanup.
func TestProperty_TimerDiscipline(t *testing.T) {
	s, _ := newTestSession(t)
	client := &fakeClient{}
	s.Attach(context.Background(), client, "1.2.3.4", 1, false)
	s.Detach(false)

	s.mu.Lock()
	timerSet := s.cleanupTimer != nil
	s.mu.Unlock()
	if !timerSet || s.State() != StatePersisting {
		t.Fatalf("expected timer set and PERSISTING state, got timerSet=%v state=%v", timerSet, s.State())
	}

	s.Cleanup()
	s.mu.Lock()
	timerSet = s.cleanupTimer != nil
	s.mu.Unlock()
	if timerSet {
		t.Fatal("expected no timer after cleanup")
	}
}

// P8: cleanup(id) called twice is equivalent to once.
func TestProperty_IdempotentCleanup(t *testing.T) {
	s, reg := newTestSession(t)
	client := &fakeClient{}
	s.Attach(context.Background(), client, "1.2.3.4", 1, false)

	s.Cleanup()
	s.Cleanup() // must not panic or double-notify

	if !client.closed {
		t.Fatal("expected client closed after cleanup")
	}
	if _, ok := reg.Get(s.ID); ok {
		t.Fatal("expected session removed from registry")
	}
}

// P3: has_client ⇒ buffer is empty.
func TestProperty_BufferEmptyWhileAttached(t *testing.T) {
	s, _ := newTestSession(t)
	client := &fakeClient{}
	s.Attach(context.Background(), client, "1.2.3.4", 1, false)

	for i := 0; i < 20; i++ {
		s.HandleUpstreamData(context.Background(), []byte{byte(i)})
		s.mu.Lock()
		bufLen := s.buf.Len()
		hasClient := s.client != nil
		s.mu.Unlock()
		if hasClient && bufLen != 0 {
			t.Fatalf("iteration %d: client attached but buffer has %d messages", i, bufLen)
		}
	}
}

func TestArmTimer_StaleFireIsIgnoredAfterReattach(t *testing.T) {
	s, _ := newTestSession(t)
	client := &fakeClient{}
	s.Attach(context.Background(), client, "1.2.3.4", 1, false)
	s.cfg.PersistenceTimeoutMS = 1 // 1ms, fires almost immediately
	s.Detach(false)

	second := &fakeClient{}
	if err := s.Attach(context.Background(), second, "1.2.3.4", 1, true); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the stale timer (if any) fire

	if s.State() != StateActive {
		t.Fatalf("state after stale timer window = %v, want ACTIVE", s.State())
	}
	if second.closed {
		t.Fatal("reattached client should not have been closed by a stale timer")
	}
}

// §4.1 "Unsolicited update": once NEW_ENVIRON negotiation has completed, a
// reattach with a different client IP must emit an unsolicited INFO update
// upstream carrying the new IP. The upstreamWriter seam lets this test
// assert the exact bytes written without a real socket.
func TestAttach_ReattachWithChangedIP_EmitsUnsolicitedUpdate(t *testing.T) {
	s, _, up := newTestSessionWithUpstream(t)
	first := &fakeClient{}
	if err := s.Attach(context.Background(), first, "203.0.113.7", 5555, false); err != nil {
		t.Fatalf("initial attach: %v", err)
	}

	// Drive NEW_ENVIRON negotiation so Filter.Negotiated() becomes true.
	s.HandleUpstreamData(context.Background(), []byte{telnet.IAC, telnet.DO, telnet.NewEnviron})
	s.mu.Lock()
	negotiated := s.filter.Negotiated()
	s.mu.Unlock()
	if !negotiated {
		t.Fatal("expected filter negotiated after IAC DO NEW_ENVIRON")
	}

	s.Detach(false) // PERSISTING, upstream alive, timeout > 0

	second := &fakeClient{}
	if err := s.Attach(context.Background(), second, "198.51.100.9", 6666, true); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	want := telnet.BuildIPInfoUpdate("198.51.100.9")
	got := up.last()
	if string(got) != string(want) {
		t.Fatalf("unsolicited update = %v, want %v", got, want)
	}
}

// P2: at most one client. Many goroutines race to reattach the same session
// simultaneously (spec.md §5, "two reattach requests race"); the mutex must
// serialize them so exactly one client ends up installed, never more.
func TestConcurrentAttach_AtMostOneClientWins(t *testing.T) {
	s, _ := newTestSession(t)
	const n = 50

	clients := make([]*fakeClient, n)
	for i := range clients {
		clients[i] = &fakeClient{}
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	var successes int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if err := s.Attach(context.Background(), clients[i], "1.2.3.4", 1, true); err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt64(&successes); got != n {
		t.Fatalf("expected all %d attaches to succeed, got %d", n, got)
	}

	s.mu.Lock()
	final := s.client
	s.mu.Unlock()

	matches := 0
	for _, c := range clients {
		if c == final {
			matches++
		}
	}
	if matches != 1 {
		t.Fatalf("exactly one racer should be the installed client, found %d among %d", matches, n)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", s.State())
	}
}

// §5 per-session exclusion: concurrent HandleUpstreamData calls on an
// unattached session must all reach the replay buffer with none lost,
// proving the mutex serializes buffer appends rather than letting racing
// writers clobber each other.
func TestConcurrentHandleUpstreamData_NoLostAppends(t *testing.T) {
	s, _ := newTestSession(t)
	const n = 200

	var wg sync.WaitGroup
	start := make(chan struct{})
	var delivered int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s.HandleUpstreamData(context.Background(), []byte{byte(i % 256)})
			atomic.AddInt64(&delivered, 1)
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt64(&delivered); got != n {
		t.Fatalf("expected %d goroutines to complete, got %d", n, got)
	}

	s.mu.Lock()
	bufLen := s.buf.Len()
	s.mu.Unlock()
	if bufLen != n {
		t.Fatalf("buffer has %d messages, want %d — mutex should serialize concurrent appends", bufLen, n)
	}
}
