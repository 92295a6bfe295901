package buffer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/chatmud/mudproxy/internal/config"
)

func TestAppend_FIFOEviction(t *testing.T) {
	// Scenario 5 from spec.md §8: max_buffer_lines=3, four 1-byte chunks.
	b := New(3)
	now := time.Unix(0, 0)
	for _, c := range []byte{'1', '2', '3', '4'} {
		b.Append([]byte{c}, now)
	}
	if got := b.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	msgs := b.Drain()
	if len(msgs) != 3 {
		t.Fatalf("Drain() returned %d messages, want 3", len(msgs))
	}
	want := []byte{'2', '3', '4'}
	for i, m := range msgs {
		if len(m.Data) != 1 || m.Data[0] != want[i] {
			t.Errorf("msgs[%d] = %v, want %c", i, m.Data, want[i])
		}
	}
}

func TestAppend_OversizedChunkDropped(t *testing.T) {
	b := New(10)
	huge := make([]byte, config.MaxBufferBytes+1)
	b.Append(huge, time.Now())
	if b.Len() != 0 || b.ByteSize() != 0 {
		t.Errorf("Len()=%d ByteSize()=%d, want 0,0 after dropping oversized chunk", b.Len(), b.ByteSize())
	}
}

func TestAppend_ByteSizeEviction(t *testing.T) {
	b := New(10_000) // line cap not the limiting factor here
	now := time.Now()
	chunk := make([]byte, 4*1024*1024) // 4 MiB
	b.Append(chunk, now)
	b.Append(chunk, now)
	if b.ByteSize() > config.MaxBufferBytes {
		t.Fatalf("ByteSize() = %d, want <= %d", b.ByteSize(), config.MaxBufferBytes)
	}
	b.Append(chunk, now) // pushes total over 10 MiB, must evict the first
	if b.ByteSize() > config.MaxBufferBytes {
		t.Fatalf("ByteSize() = %d after third append, want <= %d", b.ByteSize(), config.MaxBufferBytes)
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (oldest evicted)", b.Len())
	}
}

func TestDrain_EmptiesBuffer(t *testing.T) {
	b := New(10)
	b.Append([]byte("a"), time.Now())
	b.Append([]byte("b"), time.Now())
	_ = b.Drain()
	if b.Len() != 0 || b.ByteSize() != 0 {
		t.Errorf("after Drain: Len()=%d ByteSize()=%d, want 0,0", b.Len(), b.ByteSize())
	}
	if len(b.Drain()) != 0 {
		t.Errorf("second Drain() should be empty")
	}
}

// P1: for every reachable state, 0 <= buffer_byte_size <= 10 MiB and
// len(buffer) <= max_buffer_lines.
func TestProperty_BufferBounds(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 100; trial++ {
		maxLines := config.MinMaxBufferLines + r.Intn(50)
		b := New(maxLines)
		now := time.Now()
		for i := 0; i < 500; i++ {
			size := r.Intn(1 << 20) // up to 1 MiB per chunk
			b.Append(make([]byte, size), now)

			if b.ByteSize() < 0 || b.ByteSize() > config.MaxBufferBytes {
				t.Fatalf("trial %d step %d: ByteSize() = %d, out of [0, %d]", trial, i, b.ByteSize(), config.MaxBufferBytes)
			}
			if b.Len() > maxLines {
				t.Fatalf("trial %d step %d: Len() = %d, want <= %d", trial, i, b.Len(), maxLines)
			}
		}
	}
}
