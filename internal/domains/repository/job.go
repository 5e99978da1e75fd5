package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
)

const jobColumns = `id, domain_id, status, attempt, started_at, finished_at, error_code, error_message`

// JobRepository persists certificate issuance jobs.
type JobRepository struct {
	db *pgxpool.Pool
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a running job. The attempt number continues from the
// domain's previous jobs. Returns ErrJobRunning if one is already running.
func (r *JobRepository) CreateJob(ctx context.Context, j *model.CertJob) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO certificate_jobs (id, domain_id, status, attempt, started_at)
		 VALUES ($1, $2, 'running',
		         (SELECT COALESCE(MAX(attempt), 0) + 1 FROM certificate_jobs WHERE domain_id = $2), $3)
		 RETURNING attempt`,
		j.ID, j.DomainID, j.StartedAt,
	).Scan(&j.Attempt)
	if err != nil {
		if sentinel := uniqueViolation(err); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("insert certificate job: %w", err)
	}
	j.Status = model.JobRunning
	return nil
}

// RunningJob returns the domain's running job, or ErrNotFound.
func (r *JobRepository) RunningJob(ctx context.Context, domainID uuid.UUID) (*model.CertJob, error) {
	return r.one(ctx,
		`SELECT `+jobColumns+` FROM certificate_jobs WHERE domain_id = $1 AND status = 'running'`, domainID)
}

// LatestJob returns the domain's most recent job, or ErrNotFound.
func (r *JobRepository) LatestJob(ctx context.Context, domainID uuid.UUID) (*model.CertJob, error) {
	return r.one(ctx,
		`SELECT `+jobColumns+` FROM certificate_jobs WHERE domain_id = $1
		 ORDER BY attempt DESC LIMIT 1`, domainID)
}

// FinishJob records the outcome of j and the resulting certificate state of d
// atomically. The job row is locked so a concurrent finisher cannot double-write.
func (r *JobRepository) FinishJob(ctx context.Context, j *model.CertJob, d *model.Domain) (err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status model.JobStatus
	if err = tx.QueryRow(ctx,
		`SELECT status FROM certificate_jobs WHERE id = $1 FOR UPDATE`, j.ID,
	).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock certificate job: %w", err)
	}
	if status != model.JobRunning {
		return ErrStale
	}

	var code, msg *string
	if j.ErrorCode != "" {
		c := string(j.ErrorCode)
		code, msg = &c, &j.ErrorMessage
	}
	if _, err = tx.Exec(ctx,
		`UPDATE certificate_jobs SET status = $2, finished_at = $3, error_code = $4, error_message = $5
		 WHERE id = $1`,
		j.ID, j.Status, j.FinishedAt, code, msg,
	); err != nil {
		return fmt.Errorf("finish certificate job: %w", err)
	}

	dcode, dmsg := errorCols(d.LastError)
	rtype, rhost := recordCols(d.LastError)
	if _, err = tx.Exec(ctx,
		`UPDATE domains SET ssl_status = $2, cert_serial = $3, cert_expires_at = $4,
		        last_checked_at = $5, last_error_code = $6, last_error_message = $7,
		        last_error_record_type = $8, last_error_record_host = $9
		 WHERE id = $1`,
		d.ID, d.SSLStatus, d.CertSerial, d.CertExpiresAt, d.LastCheckedAt, dcode, dmsg, rtype, rhost,
	); err != nil {
		return fmt.Errorf("update domain certificate: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FailStaleJobs fails jobs still marked running that started before
// startedBefore, together with their domain's pending certificate, and returns
// the affected domain ids.
func (r *JobRepository) FailStaleJobs(ctx context.Context, startedBefore time.Time, code model.Code, message string) ([]uuid.UUID, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	rows, err := tx.Query(ctx,
		`UPDATE certificate_jobs SET status = 'failed', finished_at = $1, error_code = $2, error_message = $3
		 WHERE status = 'running' AND started_at < $4
		 RETURNING domain_id`,
		now, string(code), message, startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan domain id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE domains SET ssl_status = 'failed', last_checked_at = $2,
			        last_error_code = $3, last_error_message = $4,
			        last_error_record_type = NULL, last_error_record_host = NULL
			 WHERE id = ANY($1) AND ssl_status = 'pending'`,
			ids, now, string(code), message,
		); err != nil {
			return nil, fmt.Errorf("fail stale domains: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func (r *JobRepository) one(ctx context.Context, q string, args ...any) (*model.CertJob, error) {
	j := &model.CertJob{}
	var code, msg *string
	err := r.db.QueryRow(ctx, q, args...).Scan(
		&j.ID, &j.DomainID, &j.Status, &j.Attempt, &j.StartedAt, &j.FinishedAt, &code, &msg,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get certificate job: %w", err)
	}
	if code != nil {
		j.ErrorCode = model.Code(*code)
	}
	if msg != nil {
		j.ErrorMessage = *msg
	}
	return j, nil
}
