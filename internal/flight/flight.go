// Package flight is a typed single-flight group: concurrent calls for the
// same key share one execution and its result.
package flight

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result is what every caller sharing a flight receives.
type Result[T any] struct {
	Val    T
	Err    error
	Shared bool
}

// Group deduplicates calls per key. The zero value is ready to use.
type Group[T any] struct {
	g singleflight.Group
}

// Do runs fn once per key for all concurrent callers and returns its result.
// The key is released as soon as fn returns, whether it failed or not.
func (g *Group[T]) Do(key string, fn func() (T, error)) (T, error, bool) {
	v, err, shared := g.g.Do(key, func() (interface{}, error) {
		return fn()
	})
	out, _ := v.(T)
	return out, err, shared
}

// Wait joins (or starts) the flight for key and waits at most timeout for it.
// On timeout ok is false and the flight keeps running for other callers; it
// is never cancelled. A zero timeout waits until ctx is done.
func (g *Group[T]) Wait(ctx context.Context, key string, timeout time.Duration, fn func() (T, error)) (res Result[T], ok bool) {
	ch := g.g.DoChan(key, func() (interface{}, error) {
		return fn()
	})

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-ch:
		out, _ := r.Val.(T)
		return Result[T]{Val: out, Err: r.Err, Shared: r.Shared}, true
	case <-expired:
		return res, false
	case <-ctx.Done():
		return res, false
	}
}

// Forget drops key so the next call starts a fresh execution.
func (g *Group[T]) Forget(key string) {
	g.g.Forget(key)
}
