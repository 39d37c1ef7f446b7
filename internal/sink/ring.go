// Package sink holds the flush targets for the ingestion buffers.
package sink

import (
	"context"
	"sync"
	"time"
)

// DefaultRingCapacity bounds a Ring when no capacity is configured.
const DefaultRingCapacity = 100_000

// Ring is a bounded in-memory sink that keeps the most recent items.
type Ring[T any] struct {
	name     string
	capacity int
	ts       func(T) time.Time

	mu    sync.RWMutex
	items []T
	start int
	size  int
}

// NewRing creates a ring. ts extracts the item time used by Between.
func NewRing[T any](name string, capacity int, ts func(T) time.Time) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring[T]{
		name:     name,
		capacity: capacity,
		ts:       ts,
		items:    make([]T, capacity),
	}
}

func (r *Ring[T]) Name() string { return r.name }

// Write appends items, overwriting the oldest once full.
func (r *Ring[T]) Write(_ context.Context, items []T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		idx := (r.start + r.size) % r.capacity
		r.items[idx] = it
		if r.size < r.capacity {
			r.size++
		} else {
			r.start = (r.start + 1) % r.capacity
		}
	}
	return nil
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Snapshot returns the retained items oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%r.capacity])
	}
	return out
}

// Between returns items whose time falls in [start, end], oldest first.
func (r *Ring[T]) Between(start, end time.Time) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for i := 0; i < r.size; i++ {
		it := r.items[(r.start+i)%r.capacity]
		t := r.ts(it)
		if t.Before(start) || t.After(end) {
			continue
		}
		out = append(out, it)
	}
	return out
}
