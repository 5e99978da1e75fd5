// Package inflight deduplicates per-key work. A key may be held by one caller
// at a time; after release it stays blocked for a cool-down so trailing side
// effects of the finished call settle before the same key is tried again.
package inflight

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInFlight is returned when the key is already held.
	ErrInFlight = errors.New("inflight: request already in flight")
	// ErrCoolingDown is returned during the cool-down after a release.
	ErrCoolingDown = errors.New("inflight: cooling down after previous request")
)

// IsBusy reports whether err means the key could not be acquired right now.
func IsBusy(err error) bool {
	return errors.Is(err, ErrInFlight) || errors.Is(err, ErrCoolingDown)
}

// Guard hands out exclusive leases per key.
type Guard interface {
	// Acquire takes the key or fails with ErrInFlight / ErrCoolingDown.
	Acquire(ctx context.Context, key string) (*Lease, error)
	// ReleaseAll drops every lease this guard handed out and clears their
	// cool-downs. Used on teardown so no marker outlives its observer.
	ReleaseAll(ctx context.Context) error
}

// Options tunes a guard.
type Options struct {
	// TTL bounds how long a lease is held if its owner never releases it.
	// Zero means no bound.
	TTL time.Duration
	// Cooldown is how long a key stays blocked after release.
	Cooldown time.Duration
}

type releaser interface {
	release(ctx context.Context, key, token string) error
}

// Lease is an acquired key. Release is safe to call more than once.
type Lease struct {
	key   string
	token string
	owner releaser
	once  sync.Once
	err   error
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Release gives the key back and starts its cool-down.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.owner.release(ctx, l.key, l.token)
	})
	return l.err
}
