package ringbuf

import "sync"

// Buffer keeps the most recent frames for post-trigger recording.
// A zero capacity disables buffering entirely.
type Buffer[T any] struct {
	mu    sync.Mutex
	size  int
	items []T
}

// New creates a buffer holding at most size items.
func New[T any](size int) *Buffer[T] {
	if size < 0 {
		size = 0
	}
	return &Buffer[T]{size: size}
}

// Push appends an item, evicting the oldest entries beyond capacity.
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size > 0 {
		b.items = append(b.items, item)
	}
	b.trim()
}

// SetSize changes the capacity and trims from the front immediately.
func (b *Buffer[T]) SetSize(size int) {
	if size < 0 {
		size = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.size = size
	b.trim()
}

// Size returns the configured capacity.
func (b *Buffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Drain swaps the contents for an empty buffer and returns them oldest first.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.items
	b.items = nil
	return out
}

func (b *Buffer[T]) trim() {
	if over := len(b.items) - b.size; over > 0 {
		// Copy so evicted frames are not pinned by the backing array.
		b.items = append([]T(nil), b.items[over:]...)
	}
}
