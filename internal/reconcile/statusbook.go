package reconcile

import (
	"sync"

	"github.com/google/uuid"
)

// StatusBook keeps the newest result per domain. Results that arrive out of
// order are dropped when they were observed before the one already held.
type StatusBook struct {
	mu      sync.RWMutex
	results map[uuid.UUID]Result
}

// NewStatusBook returns an empty book.
func NewStatusBook() *StatusBook {
	return &StatusBook{results: make(map[uuid.UUID]Result)}
}

// Apply stores res unless an equal or newer observation is already held. It
// reports whether res was stored.
func (b *StatusBook) Apply(res Result) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.results[res.DomainID]; ok && !res.ObservedAt.After(cur.ObservedAt) {
		return false
	}
	b.results[res.DomainID] = res
	return true
}

// Get returns the newest result for id.
func (b *StatusBook) Get(id uuid.UUID) (Result, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res, ok := b.results[id]
	return res, ok
}

// Forget drops id.
func (b *StatusBook) Forget(id uuid.UUID) {
	b.mu.Lock()
	delete(b.results, id)
	b.mu.Unlock()
}
