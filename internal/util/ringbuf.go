package util

import "sync"

// RingBuffer keeps the last N items pushed into it. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu      sync.RWMutex
	slots   []T
	next    int // slot the next Push writes
	size    int
	evicted uint64
}

// NewRingBuffer returns a buffer holding at most capacity items (minimum 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{slots: make([]T, max(capacity, 1))}
}

// Push stores item, evicting the oldest one when full. It reports whether an
// item was evicted.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.size == len(r.slots)
	r.slots[r.next] = item
	r.next = (r.next + 1) % len(r.slots)
	if full {
		r.evicted++
	} else {
		r.size++
	}
	return full
}

// Snapshot returns every stored item, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Filter(nil)
}

// Filter returns the stored items keep accepts, oldest first. A nil keep
// accepts everything. keep runs under the buffer's read lock and must not
// call back into it.
func (r *RingBuffer[T]) Filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	start := r.next - r.size
	if start < 0 {
		start += len(r.slots)
	}
	for i := range r.size {
		v := r.slots[(start+i)%len(r.slots)]
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Last returns up to n of the newest items, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	all := r.Snapshot()
	if n >= 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Evicted counts items pushed out by newer ones since creation.
func (r *RingBuffer[T]) Evicted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}
