package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryLedger keeps the chain in process. byDomain indexes entries by
// domain id in Seq order so History does not scan the chain.
type MemoryLedger struct {
	mu       sync.RWMutex
	chain    []*Entry
	byDomain map[string][]*Entry
}

// NewMemory returns a ledger holding only the genesis entry.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{
		chain:    []*Entry{genesis()},
		byDomain: make(map[string][]*Entry),
	}
}

func (l *MemoryLedger) Append(_ context.Context, domainID, action, actor string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	tail := l.chain[len(l.chain)-1]
	e := newEntry(tail, len(l.byDomain[domainID])+1, domainID, action, actor, raw)
	l.chain = append(l.chain, e)
	l.byDomain[domainID] = append(l.byDomain[domainID], e)
	return e, nil
}

func (l *MemoryLedger) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.chain) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return l.chain[index], nil
}

func (l *MemoryLedger) History(_ context.Context, domainID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Entry(nil), l.byDomain[domainID]...), nil
}

func (l *MemoryLedger) Len(context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain), nil
}

func (l *MemoryLedger) Verify(context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w := newWalker()
	for _, e := range l.chain {
		if err := w.next(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLedger) Root(context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].Hash, nil
}
