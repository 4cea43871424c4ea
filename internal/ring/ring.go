// Package ring provides a fixed-capacity FIFO that drops its oldest entry
// when full. It backs the MQTT offline buffer and the event queues.
package ring

// Buffer is a drop-oldest FIFO.
// Not safe for concurrent use; the caller must synchronize.
type Buffer[T any] struct {
	buf   []T
	head  int // oldest entry
	count int
}

// New creates a buffer holding up to capacity entries (at least one).
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

// Push appends v. When the buffer is full the oldest entry is overwritten
// and Push reports true.
func (b *Buffer[T]) Push(v T) (dropped bool) {
	if b.count == len(b.buf) {
		b.buf[b.head] = v
		b.head = (b.head + 1) % len(b.buf)
		return true
	}
	b.buf[(b.head+b.count)%len(b.buf)] = v
	b.count++
	return false
}

// Drain returns every entry oldest first and empties the buffer.
// It returns nil when the buffer is empty.
func (b *Buffer[T]) Drain() []T {
	if b.count == 0 {
		return nil
	}
	out := make([]T, b.count)
	for i := range out {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head, b.count = 0, 0
	return out
}

// Len returns the number of queued entries.
func (b *Buffer[T]) Len() int { return b.count }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.buf) }
