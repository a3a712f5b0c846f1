package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of output events. It lets
// a client that re-attaches to an orphaned session catch up on recent
// output without the manager holding unbounded history.
type RingBuffer struct {
	mu   sync.RWMutex
	buf  []OutputEvent
	pos  int // next write position
	full bool
}

// NewRingBuffer creates a ring buffer holding up to capacity events.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]OutputEvent, capacity)}
}

// Append adds an event, evicting the oldest once capacity is reached.
func (rb *RingBuffer) Append(event OutputEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
}

// Snapshot returns the buffered events in the order they were appended.
func (rb *RingBuffer) Snapshot() []OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		out := make([]OutputEvent, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}

	out := make([]OutputEvent, len(rb.buf))
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return out
}

// Len reports how many events are currently buffered.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}
