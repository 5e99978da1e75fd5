// Package ledger is a hash-chained audit log of domain lifecycle actions.
//
// The chain starts at a genesis entry whose Hash equals GenesisHash. Every
// later entry stores the hash of its predecessor, so rewriting history is
// detectable with Verify.
package ledger

import "context"

// Actions recorded by the domain service.
const (
	ActionCreate     = "create"
	ActionVerify     = "verify"
	ActionRetry      = "retry"
	ActionIssued     = "certificate_issued"
	ActionFailed     = "certificate_failed"
	ActionExpired    = "certificate_expired"
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionRemove     = "remove"
)

// Ledger is the append-only audit log. MemoryLedger and PostgresLedger
// implement it.
type Ledger interface {
	// Append adds an entry chained to the previous one. payload is JSON-encoded
	// and only its SHA-256 is kept.
	Append(ctx context.Context, domainID, action, actor string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// History returns every entry for domainID, oldest first.
	History(ctx context.Context, domainID string) ([]*Entry, error)

	// Len returns the number of entries including genesis.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry.
	Root(ctx context.Context) (string, error)
}
