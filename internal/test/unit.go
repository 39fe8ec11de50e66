package test

import (
	"context"
	"sync"
	"sync/atomic"
)

// Unit is a unit of work that counts its flushes.
type Unit struct {
	// Err is returned by every Flush.
	Err error
	// Clean makes RequiresFlush report false.
	Clean bool
	// OnFlush runs at the start of every Flush.
	OnFlush func(ctx context.Context)

	flushes atomic.Int32
}

func (u *Unit) RequiresFlush() bool {
	return !u.Clean
}

func (u *Unit) Flush(ctx context.Context) error {
	u.flushes.Add(1)
	if u.OnFlush != nil {
		u.OnFlush(ctx)
	}
	return u.Err
}

// Flushes returns how often Flush was called.
func (u *Unit) Flushes() int {
	return int(u.flushes.Load())
}

// Recorder collects values from concurrent writers in arrival order.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *Recorder[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}
