package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedMutex serialises mutations per key. Entries are dropped once no caller
// holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// ownerBudgets is a token bucket per owner for certificate issuance.
type ownerBudgets struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newOwnerBudgets(perHour float64, burst int) *ownerBudgets {
	limit := rate.Inf
	if perHour > 0 {
		limit = rate.Limit(perHour / time.Hour.Seconds())
	}
	return &ownerBudgets{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// reserve takes one issuance token for owner. When the bucket is empty it
// returns nil and how long until a token is available. Cancelling the
// returned reservation gives the token back.
func (b *ownerBudgets) reserve(owner string, now time.Time) (*rate.Reservation, time.Duration) {
	b.mu.Lock()
	l, ok := b.limiters[owner]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[owner] = l
	}
	b.mu.Unlock()

	r := l.ReserveN(now, 1)
	if !r.OK() {
		return nil, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, d
	}
	return r, 0
}
