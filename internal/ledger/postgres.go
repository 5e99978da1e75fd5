package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// appendLockKey serialises Append across every replica sharing the database.
const appendLockKey = int64(2_087_113_301)

const entryColumns = `idx, domain_seq, timestamp, domain_id, action, actor, data_hash, prev_hash, hash`

// PostgresLedger stores the chain in domain_ledger. Migration inserts the
// genesis row; (domain_id, domain_seq) is unique and serves History.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresLedger backed by pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Append reads the chain tail and the domain's last seq in one statement,
// under a transaction-scoped advisory lock.
func (l *PostgresLedger) Append(ctx context.Context, domainID, action, actor string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	tail := &Entry{}
	var lastSeq int
	if err := tx.QueryRow(ctx,
		`SELECT t.idx, t.hash,
		        COALESCE((SELECT MAX(domain_seq) FROM domain_ledger WHERE domain_id = $1 AND idx > 0), 0)
		   FROM domain_ledger t ORDER BY t.idx DESC LIMIT 1`, domainID,
	).Scan(&tail.Index, &tail.Hash, &lastSeq); err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	e := newEntry(tail, lastSeq+1, domainID, action, actor, raw)
	if _, err := tx.Exec(ctx,
		`INSERT INTO domain_ledger (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Index, e.Seq, e.Timestamp, e.DomainID, e.Action, e.Actor, e.DataHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger entry appended",
		zap.String("domain_id", e.DomainID),
		zap.Int("seq", e.Seq),
		zap.String("action", e.Action),
	)
	return e, nil
}

func (l *PostgresLedger) Get(ctx context.Context, index int) (*Entry, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+entryColumns+` FROM domain_ledger WHERE idx = $1`, index)
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	return e, nil
}

func (l *PostgresLedger) History(ctx context.Context, domainID string) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM domain_ledger
		  WHERE domain_id = $1 AND idx > 0
		  ORDER BY domain_seq`, domainID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM domain_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify streams the whole chain; it is O(n).
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `SELECT `+entryColumns+` FROM domain_ledger ORDER BY idx`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	w := newWalker()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := w.next(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM domain_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.CollectableRow) (*Entry, error) {
	e := &Entry{}
	err := row.Scan(&e.Index, &e.Seq, &e.Timestamp, &e.DomainID, &e.Action,
		&e.Actor, &e.DataHash, &e.PrevHash, &e.Hash)
	return e, err
}
