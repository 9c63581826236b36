// Package optimistic applies a change to local state immediately, confirms it
// with a remote write in the background, and repairs the local state when the
// write fails.
package optimistic

import (
	"context"
	"errors"
	"sync"
)

// Store is versioned local state. Every Set bumps the version so a background
// repair can tell whether somebody else changed the value in the meantime.
type Store[T any] interface {
	Snapshot() (T, uint64)
	Set(v T) uint64
	// CompareAndSet replaces the value only if the version is still version.
	CompareAndSet(version uint64, v T) bool
}

// FailurePolicy decides what happens to the local state when Commit fails.
type FailurePolicy int

const (
	// Revert restores the value seen before the optimistic change.
	Revert FailurePolicy = iota
	// Reconcile re-reads the authoritative value with Fetch, reverting only
	// when Fetch fails too.
	Reconcile
)

// Update describes one optimistic change.
type Update[T any] struct {
	Mutate func(current T) T
	Commit func(ctx context.Context, next T) (T, error)
	Fetch  func(ctx context.Context) (T, error)
	Policy FailurePolicy
}

// Pending is the handle of an update whose commit is still running.
type Pending[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the commit (and any repair) has finished.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the commit finishes or ctx is done. It returns the value
// the store settled on and the commit error, if any.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved returns a handle that is already finished with v and err.
func Resolved[T any](v T, err error) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{}), val: v, err: err}
	close(p.done)
	return p
}

var errMissingFuncs = errors.New("optimistic update requires Mutate and Commit")

// Apply mutates store now and commits in the background. The commit runs on
// a context detached from ctx's cancellation so a caller going away does not
// abandon the write. Repairs are skipped when the store has moved on.
func Apply[T any](ctx context.Context, store Store[T], u Update[T]) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	if u.Mutate == nil || u.Commit == nil {
		p.err = errMissingFuncs
		close(p.done)
		return p
	}

	prev, _ := store.Snapshot()
	next := u.Mutate(prev)
	version := store.Set(next)
	bg := context.WithoutCancel(ctx)

	go func() {
		defer close(p.done)

		confirmed, err := u.Commit(bg, next)
		if err == nil {
			store.CompareAndSet(version, confirmed)
			p.val = confirmed
			return
		}
		p.err = err

		if u.Policy == Reconcile && u.Fetch != nil {
			if fresh, ferr := u.Fetch(bg); ferr == nil {
				store.CompareAndSet(version, fresh)
				p.val = fresh
				return
			}
		}
		store.CompareAndSet(version, prev)
		p.val = prev
	}()
	return p
}

var _ Store[int] = (*Value[int])(nil)

// Value is a mutex-guarded Store with an optional change callback.
type Value[T any] struct {
	mu       sync.Mutex
	v        T
	version  uint64
	onChange func(T)
}

// NewValue creates a Value holding initial. onChange, when not nil, is called
// after every change outside the lock.
func NewValue[T any](initial T, onChange func(T)) *Value[T] {
	return &Value[T]{v: initial, onChange: onChange}
}

func (s *Value[T]) Snapshot() (T, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, s.version
}

func (s *Value[T]) Get() T {
	v, _ := s.Snapshot()
	return v
}

func (s *Value[T]) Set(v T) uint64 {
	s.mu.Lock()
	s.v = v
	s.version++
	version := s.version
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(v)
	}
	return version
}

func (s *Value[T]) CompareAndSet(version uint64, v T) bool {
	s.mu.Lock()
	if s.version != version {
		s.mu.Unlock()
		return false
	}
	s.v = v
	s.version++
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(v)
	}
	return true
}
