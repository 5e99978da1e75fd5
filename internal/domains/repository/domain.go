package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
)

var (
	// ErrNotFound is returned when a domain, binding or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateFQDN is returned when the hostname is already registered.
	ErrDuplicateFQDN = errors.New("domain already registered")
	// ErrActiveBindingExists is returned when the owner already has an active
	// binding for the purpose.
	ErrActiveBindingExists = errors.New("active binding already exists for purpose")
	// ErrDuplicateBinding is returned when the domain already has a binding row
	// for the purpose.
	ErrDuplicateBinding = errors.New("binding already exists for purpose")
	// ErrStale is returned when a binding was updated by a newer observation.
	ErrStale = errors.New("stale binding observation")
	// ErrJobRunning is returned when a certificate job is already running for
	// the domain.
	ErrJobRunning = errors.New("certificate job already running")
)

// uniqueViolation maps a 23505 on a known constraint to its sentinel.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch pgErr.ConstraintName {
	case "domains_fqdn_key":
		return ErrDuplicateFQDN
	case "domain_bindings_one_active_key":
		return ErrActiveBindingExists
	case "domain_bindings_domain_purpose_key":
		return ErrDuplicateBinding
	case "certificate_jobs_one_running_key":
		return ErrJobRunning
	}
	return nil
}

const domainColumns = `id, fqdn, owner_id, verification_token, verification_record_type,
	dns_status, ssl_status, cert_serial, cert_expires_at, dns_verified_at,
	created_at, last_checked_at, last_error_code, last_error_message,
	last_error_record_type, last_error_record_host`

const bindingColumns = `id, domain_id, owner_id, purpose, target_id, active, status,
	status_observed_at, activated_at, removed_at, last_error_code, last_error_message, created_at`

// DomainRepository persists domains and their purpose bindings in PostgreSQL.
type DomainRepository struct {
	db *pgxpool.Pool
}

// NewDomainRepository creates a new DomainRepository.
func NewDomainRepository(db *pgxpool.Pool) *DomainRepository {
	return &DomainRepository{db: db}
}

// CreateDomain inserts d and its first binding in one transaction.
func (r *DomainRepository) CreateDomain(ctx context.Context, d *model.Domain, b *model.Binding) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	code, msg := errorCols(d.LastError)
	rtype, rhost := recordCols(d.LastError)
	if _, err := tx.Exec(ctx,
		`INSERT INTO domains (`+domainColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.FQDN, d.OwnerID, d.VerificationToken, d.RecordType,
		d.DNSStatus, d.SSLStatus, d.CertSerial, d.CertExpiresAt, d.DNSVerifiedAt,
		d.CreatedAt, d.LastCheckedAt, code, msg, rtype, rhost,
	); err != nil {
		if sentinel := uniqueViolation(err); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("insert domain: %w", err)
	}
	if err := insertBinding(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetDomain returns a single domain by id.
func (r *DomainRepository) GetDomain(ctx context.Context, id uuid.UUID) (*model.Domain, error) {
	d, err := scanDomain(r.db.QueryRow(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return d, nil
}

// ListDomainsByOwner returns the owner's domains, oldest first.
func (r *DomainRepository) ListDomainsByOwner(ctx context.Context, owner string) ([]model.Domain, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE owner_id = $1 ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []model.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ListExpiring returns domains with an issued certificate expiring before
// the given time, soonest first.
func (r *DomainRepository) ListExpiring(ctx context.Context, before time.Time) ([]model.Domain, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+domainColumns+` FROM domains
		 WHERE ssl_status = 'issued' AND cert_expires_at IS NOT NULL AND cert_expires_at < $1
		 ORDER BY cert_expires_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring domains: %w", err)
	}
	defer rows.Close()

	var out []model.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDomain writes the mutable columns of d.
func (r *DomainRepository) UpdateDomain(ctx context.Context, d *model.Domain) error {
	code, msg := errorCols(d.LastError)
	rtype, rhost := recordCols(d.LastError)
	tag, err := r.db.Exec(ctx,
		`UPDATE domains SET dns_status = $2, ssl_status = $3, cert_serial = $4, cert_expires_at = $5,
		        dns_verified_at = $6, last_checked_at = $7, last_error_code = $8, last_error_message = $9,
		        last_error_record_type = $10, last_error_record_host = $11
		 WHERE id = $1`,
		d.ID, d.DNSStatus, d.SSLStatus, d.CertSerial, d.CertExpiresAt,
		d.DNSVerifiedAt, d.LastCheckedAt, code, msg, rtype, rhost,
	)
	if err != nil {
		return fmt.Errorf("update domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDomain removes the domain; bindings and jobs cascade.
func (r *DomainRepository) DeleteDomain(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM domains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBindings returns every binding of a domain ordered by purpose.
func (r *DomainRepository) ListBindings(ctx context.Context, domainID uuid.UUID) ([]model.Binding, error) {
	return r.queryBindings(ctx,
		`SELECT `+bindingColumns+` FROM domain_bindings WHERE domain_id = $1 ORDER BY purpose`, domainID)
}

// ListBindingsByOwner returns every binding owned by owner.
func (r *DomainRepository) ListBindingsByOwner(ctx context.Context, owner string) ([]model.Binding, error) {
	return r.queryBindings(ctx,
		`SELECT `+bindingColumns+` FROM domain_bindings WHERE owner_id = $1 ORDER BY domain_id, purpose`, owner)
}

// ListProcessing returns bindings still waiting on an asynchronous step.
func (r *DomainRepository) ListProcessing(ctx context.Context) ([]model.Binding, error) {
	return r.queryBindings(ctx,
		`SELECT `+bindingColumns+` FROM domain_bindings
		 WHERE status IN ('pending', 'dns_configured', 'ssl_pending', 'ssl_issued')
		 ORDER BY status_observed_at`)
}

// ActiveBinding returns the owner's active binding for purpose, or ErrNotFound.
func (r *DomainRepository) ActiveBinding(ctx context.Context, owner string, p model.Purpose) (*model.Binding, error) {
	b, err := scanBinding(r.db.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM domain_bindings WHERE owner_id = $1 AND purpose = $2 AND active`,
		owner, p))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active binding: %w", err)
	}
	return b, nil
}

// CreateBinding inserts a new binding row.
func (r *DomainRepository) CreateBinding(ctx context.Context, b *model.Binding) error {
	return insertBinding(ctx, r.db, b)
}

// UpdateBinding writes b only if the stored observation time still equals
// prevObservedAt, so an older observation never overwrites a newer one.
func (r *DomainRepository) UpdateBinding(ctx context.Context, b *model.Binding, prevObservedAt time.Time) error {
	code, msg := errorCols(b.LastError)
	tag, err := r.db.Exec(ctx,
		`UPDATE domain_bindings SET target_id = $3, active = $4, status = $5, status_observed_at = $6,
		        activated_at = $7, removed_at = $8, last_error_code = $9, last_error_message = $10
		 WHERE id = $1 AND status_observed_at = $2`,
		b.ID, prevObservedAt, b.TargetID, b.Active, b.Status, b.StatusObservedAt,
		b.ActivatedAt, b.RemovedAt, code, msg,
	)
	if err != nil {
		if sentinel := uniqueViolation(err); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("update binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM domain_bindings WHERE id = $1)`, b.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check binding: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

func (r *DomainRepository) queryBindings(ctx context.Context, q string, args ...any) ([]model.Binding, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []model.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertBinding(ctx context.Context, db execer, b *model.Binding) error {
	code, msg := errorCols(b.LastError)
	_, err := db.Exec(ctx,
		`INSERT INTO domain_bindings (`+bindingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID, b.DomainID, b.OwnerID, b.Purpose, b.TargetID, b.Active, b.Status,
		b.StatusObservedAt, b.ActivatedAt, b.RemovedAt, code, msg, b.CreatedAt,
	)
	if err != nil {
		if sentinel := uniqueViolation(err); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

func scanDomain(row pgx.Row) (*model.Domain, error) {
	d := &model.Domain{}
	var code, msg, rtype, rhost *string
	if err := row.Scan(
		&d.ID, &d.FQDN, &d.OwnerID, &d.VerificationToken, &d.RecordType,
		&d.DNSStatus, &d.SSLStatus, &d.CertSerial, &d.CertExpiresAt, &d.DNSVerifiedAt,
		&d.CreatedAt, &d.LastCheckedAt, &code, &msg, &rtype, &rhost,
	); err != nil {
		return nil, err
	}
	d.LastError = errorDetail(code, msg)
	if d.LastError != nil && rtype != nil && rhost != nil {
		d.LastError.Record = &model.RecordRef{Type: *rtype, Host: *rhost}
	}
	return d, nil
}

func scanBinding(row pgx.Row) (*model.Binding, error) {
	b := &model.Binding{}
	var code, msg *string
	if err := row.Scan(
		&b.ID, &b.DomainID, &b.OwnerID, &b.Purpose, &b.TargetID, &b.Active, &b.Status,
		&b.StatusObservedAt, &b.ActivatedAt, &b.RemovedAt, &code, &msg, &b.CreatedAt,
	); err != nil {
		return nil, err
	}
	b.LastError = errorDetail(code, msg)
	return b, nil
}

func errorCols(e *model.ErrorDetail) (*string, *string) {
	if e == nil {
		return nil, nil
	}
	code := string(e.Code)
	return &code, &e.Message
}

func recordCols(e *model.ErrorDetail) (*string, *string) {
	if e == nil || e.Record == nil {
		return nil, nil
	}
	return &e.Record.Type, &e.Record.Host
}

func errorDetail(code, msg *string) *model.ErrorDetail {
	if code == nil {
		return nil
	}
	d := &model.ErrorDetail{Code: model.Code(*code)}
	if msg != nil {
		d.Message = *msg
	}
	return d
}
