// Package ring provides the bounded byte buffer that sits between a
// producer that must never block for long (interpreter output, network
// callbacks) and a single consumer goroutine.
package ring

import "sync"

// Buffer is a fixed-capacity circular byte buffer with a data-available
// signal. The writer only advances head and the reader only advances
// tail. Writes that do not fit are truncated, never wrapped over unread
// data.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	head  int // next write position
	tail  int // next read position
	count int

	signal chan struct{}
}

// New creates a Buffer holding up to capacity bytes
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer{
		data:   make([]byte, capacity),
		signal: make(chan struct{}, 1),
	}
}

// Write copies as much of p as fits and returns the number of bytes
// stored. A non-zero write raises the data-available signal.
func (b *Buffer) Write(p []byte) int {
	b.mu.Lock()
	n := len(b.data) - b.count
	if n > len(p) {
		n = len(p)
	}
	if n > 0 {
		first := copy(b.data[b.head:], p[:n])
		if first < n {
			copy(b.data, p[first:n])
		}
		b.head = (b.head + n) % len(b.data)
		b.count += n
	}
	b.mu.Unlock()

	if n > 0 {
		b.Wake()
	}
	return n
}

// Read moves up to len(p) buffered bytes into p and returns how many
// were copied.
func (b *Buffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if n > len(p) {
		n = len(p)
	}
	if n == 0 {
		return 0
	}
	first := copy(p[:n], b.data[b.tail:])
	if first < n {
		copy(p[first:n], b.data)
	}
	b.tail = (b.tail + n) % len(b.data)
	b.count -= n
	return n
}

// Len returns the number of unread bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Free returns the space left for writers
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.count
}

// Cap returns the fixed capacity
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Reset discards unread data
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.head, b.tail, b.count = 0, 0, 0
	b.mu.Unlock()
}

// Signal returns the channel that receives after data arrives or Wake is
// called. Signals coalesce: several writes before the consumer looks
// produce one receive.
func (b *Buffer) Signal() <-chan struct{} {
	return b.signal
}

// Wake raises the signal without writing, so a waiting consumer can
// notice a state change such as shutdown.
func (b *Buffer) Wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
