// Package history keeps small bounded, insertion-ordered records for
// diagnostics.
package history

import (
	"encoding/json"
	"sync"
)

const defaultCapacity = 20

// Ring is a fixed-size, concurrency-safe buffer. When full, Push overwrites
// the oldest entry.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int // next write position
	size  int
	total uint64
}

// New creates a Ring with the given capacity. capacity <= 0 uses 20.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry if the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.total++
}

// Items returns a copy of the entries, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Last returns the newest entry.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)], true
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Total counts every Push, including evicted entries.
func (r *Ring[T]) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Clear empties the ring. Total is kept.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.size = 0
}

// MarshalJSON encodes the entries as an array, oldest first.
func (r *Ring[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Items())
}
