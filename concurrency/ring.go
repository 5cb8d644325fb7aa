package concurrency

import "sync"

// Ring stores a fixed number of recent items, overwriting the oldest when full.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	count int
}

// NewRing creates a ring with the given capacity. Non-positive sizes default to 100.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 100
	}
	return &Ring[T]{items: make([]T, size)}
}

// Add appends item, evicting the oldest entry if the ring is full.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.items)
	r.items[(r.head+r.count)%size] = item
	if r.count < size {
		r.count++
	} else {
		r.head = (r.head + 1) % size
	}
}

// All returns every item oldest first.
func (r *Ring[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// Filter returns items matching keep, oldest first, at most limit when limit > 0
// (keeping the most recent ones).
func (r *Ring[T]) Filter(keep func(T) bool, limit int) []T {
	var out []T
	for _, item := range r.All() {
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of items stored.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
