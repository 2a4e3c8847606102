// Package buffer collects items for the lifetime of a transaction.
package buffer

import "sync"

// Buffer is a goroutine-safe append-only queue drained at commit.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
}

// New returns an empty buffer.
func New[T any]() *Buffer[T] {
	return &Buffer[T]{}
}

// Add appends items.
func (b *Buffer[T]) Add(items ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, items...)
}

// Len reports the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Drain returns the buffered items in insertion order and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

// Reset discards buffered items.
func (b *Buffer[T]) Reset() {
	b.Drain()
}
