package relay

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Push once the buffer has been closed.
var ErrClosed = errors.New("response buffer closed")

// Buffer is the bounded FIFO between the relay (producer) and the bridge (consumer).
//
// Content is never dropped: Push blocks while the buffer is full. Poisoning is separate from the
// FIFO so it always succeeds, and it is permanent; Clear only discards queued content.
type Buffer struct {
	ch chan Response

	poisoned   chan struct{}
	poisonOnce sync.Once
	fatal      atomic.Pointer[Line]

	done      chan struct{}
	closeOnce sync.Once
}

// NewBuffer creates a buffer holding up to capacity responses.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		ch:       make(chan Response, capacity),
		poisoned: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Push enqueues a content line, blocking while the buffer is full.
func (b *Buffer) Push(line Line) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- Response{Kind: KindContent, Line: line}:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// Poison permanently marks the buffer as failed. The first fatal line is remembered.
// A poison variant is also queued when there is room, so a reader blocked on C wakes up.
func (b *Buffer) Poison(line Line) {
	b.poisonOnce.Do(func() {
		l := line
		b.fatal.Store(&l)
		close(b.poisoned)
	})
	select {
	case b.ch <- Response{Kind: KindPoison, Line: line}:
	default:
	}
}

// Poisoned reports whether Poison has ever been called.
func (b *Buffer) Poisoned() bool {
	select {
	case <-b.poisoned:
		return true
	default:
		return false
	}
}

// PoisonC is closed once the buffer is poisoned.
func (b *Buffer) PoisonC() <-chan struct{} { return b.poisoned }

// FatalLine returns the line that poisoned the buffer.
func (b *Buffer) FatalLine() (Line, bool) {
	l := b.fatal.Load()
	if l == nil {
		return Line{}, false
	}
	return *l, true
}

// C is the receive side of the FIFO.
func (b *Buffer) C() <-chan Response { return b.ch }

// Clear discards everything currently queued and returns how many entries were dropped.
func (b *Buffer) Clear() int {
	n := 0
	for {
		select {
		case <-b.ch:
			n++
		default:
			return n
		}
	}
}

// Len is the number of queued responses.
func (b *Buffer) Len() int { return len(b.ch) }

// Cap is the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.ch) }

// Close releases producers blocked in Push. It is safe to call more than once.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Done is closed once Close has been called.
func (b *Buffer) Done() <-chan struct{} { return b.done }
