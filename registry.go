package horizon

import "sync"

// Registry is an ordered, concurrency-safe set of live objects.
// Iteration order is insertion order, which keeps per-frame arbitration
// deterministic when distances tie.
type Registry[T comparable] struct {
	mu    sync.RWMutex
	items []T
}

// Add inserts v if absent and reports whether it was inserted.
func (r *Registry[T]) Add(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it == v {
			return false
		}
	}
	r.items = append(r.items, v)
	return true
}

// Remove deletes v and reports whether it was present.
func (r *Registry[T]) Remove(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.items {
		if it == v {
			copy(r.items[i:], r.items[i+1:])
			var zero T
			r.items[len(r.items)-1] = zero
			r.items = r.items[:len(r.items)-1]
			return true
		}
	}
	return false
}

// Contains reports whether v is present.
func (r *Registry[T]) Contains(v T) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, it := range r.items {
		if it == v {
			return true
		}
	}
	return false
}

// List returns a snapshot in insertion order.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]T(nil), r.items...)
}

// Take returns a snapshot and clears the registry.
func (r *Registry[T]) Take() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = nil
	return out
}

// Clear removes everything.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}

// Len reports the element count.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

