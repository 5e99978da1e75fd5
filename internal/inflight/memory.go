package inflight

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	token   string
	cooling bool
	expires time.Time // zero means never
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]memEntry
	seq     uint64
	now     func() time.Time
}

// NewMemoryGuard creates a MemoryGuard.
func NewMemoryGuard(opts Options) *MemoryGuard {
	return &MemoryGuard{opts: opts, entries: make(map[string]memEntry), now: time.Now}
}

// Acquire implements Guard.
func (g *MemoryGuard) Acquire(_ context.Context, key string) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.entries[key]; ok {
		if e.expires.IsZero() || now.Before(e.expires) {
			if e.cooling {
				return nil, ErrCoolingDown
			}
			return nil, ErrInFlight
		}
	}

	g.seq++
	e := memEntry{token: strconv.FormatUint(g.seq, 10)}
	if g.opts.TTL > 0 {
		e.expires = now.Add(g.opts.TTL)
	}
	g.entries[key] = e
	return &Lease{key: key, token: e.token, owner: g}, nil
}

func (g *MemoryGuard) release(_ context.Context, key, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok || e.cooling || e.token != token {
		return nil
	}
	if g.opts.Cooldown <= 0 {
		delete(g.entries, key)
		return nil
	}
	g.entries[key] = memEntry{token: token, cooling: true, expires: g.now().Add(g.opts.Cooldown)}
	return nil
}

// ReleaseAll implements Guard.
func (g *MemoryGuard) ReleaseAll(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.entries)
	return nil
}

// Held reports whether key is currently leased, not counting cool-down.
func (g *MemoryGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	return ok && !e.cooling && (e.expires.IsZero() || g.now().Before(e.expires))
}

// Len returns the number of keys that are held or cooling down.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	now := g.now()
	for _, e := range g.entries {
		if e.expires.IsZero() || now.Before(e.expires) {
			n++
		}
	}
	return n
}
