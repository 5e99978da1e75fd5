package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/certs"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/inflight"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"github.com/jmerrifield20/hostdomains/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Retry starts or restarts certificate issuance. It returns as soon as the
// job is accepted; completion is observed through CheckStatus.
func (s *Service) Retry(ctx context.Context, owner string, id uuid.UUID) (_ *model.DomainView, err error) {
	ctx, span := s.startSpan(ctx, "domains.Retry", id)
	defer func() { finish(span, "retry", err) }()

	unlock := s.locks.Lock(id.String())
	defer unlock()

	d, err := s.ownedDomain(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.provisionLocked(ctx, d); err != nil {
		return nil, err
	}
	return s.view(ctx, d)
}

func certKey(id uuid.UUID) string { return "cert:" + id.String() }

// provisionLocked starts an issuance job for d. The caller holds the domain
// lock. On success d reflects the pending state.
func (s *Service) provisionLocked(ctx context.Context, d *model.Domain) (*model.CertJob, error) {
	if d.DNSStatus != model.DNSVerified {
		return nil, model.Errorf(model.CodeInvalidRetryState, "DNS for %s must be verified before requesting a certificate", d.FQDN)
	}

	lease, err := s.guard.Acquire(ctx, certKey(d.ID))
	if err != nil {
		if inflight.IsBusy(err) {
			return nil, model.Errorf(model.CodeSSLProcessBusy, "certificate issuance for %s is already in progress", d.FQDN)
		}
		return nil, model.Wrap(model.CodeInternal, err, "acquire issuance guard")
	}
	release := func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("release issuance guard", zap.String("domain", d.FQDN), zap.Error(rerr))
		}
	}

	// A job finishing before the guard was taken has written its outcome;
	// decide on the stored state, not the caller's snapshot.
	fresh, err := s.domains.GetDomain(ctx, d.ID)
	if err != nil {
		release()
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Errorf(model.CodeDomainNotFound, "domain %s not found", d.ID)
		}
		return nil, model.Wrap(model.CodeInternal, err, "reload domain")
	}
	*d = *fresh

	now := s.now()
	if d.CertExpired(now) {
		if err := s.expireLocked(ctx, d, now); err != nil {
			release()
			return nil, err
		}
	}

	switch d.SSLStatus {
	case model.SSLNone, model.SSLFailed, model.SSLExpired:
	case model.SSLPending:
		// Only a pending state left behind by a lost job may be restarted.
		if err := s.restartablePending(ctx, d, now); err != nil {
			release()
			return nil, err
		}
	default:
		release()
		return nil, model.Errorf(model.CodeInvalidRetryState, "certificate for %s is %s; nothing to retry", d.FQDN, d.SSLStatus)
	}

	reservation, wait := s.budgets.reserve(d.OwnerID, now)
	if reservation == nil {
		release()
		return nil, &model.Error{
			Code:       model.CodeSSLRateLimit,
			Message:    "certificate request budget exhausted for this account; try again later",
			RetryAfter: wait,
		}
	}

	job := &model.CertJob{ID: uuid.New(), DomainID: d.ID, StartedAt: now}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		reservation.CancelAt(now)
		release()
		if errors.Is(err, repository.ErrJobRunning) {
			return nil, model.Errorf(model.CodeSSLProcessBusy, "certificate issuance for %s is already in progress", d.FQDN)
		}
		return nil, model.Wrap(model.CodeInternal, err, "create certificate job")
	}

	prev := *d
	d.SSLStatus = model.SSLPending
	d.LastError = nil
	d.LastCheckedAt = &now
	if err := s.domains.UpdateDomain(ctx, d); err != nil {
		s.abandonJob(job, &prev, err)
		release()
		*d = prev
		return nil, model.Wrap(model.CodeInternal, err, "mark certificate pending")
	}

	bindings, err := s.domains.ListBindings(ctx, d.ID)
	if err != nil {
		s.logger.Warn("list bindings for retry", zap.String("domain", d.FQDN), zap.Error(err))
	}
	for i := range bindings {
		b := &bindings[i]
		if !b.Live() || b.Active || b.Status == model.BindingSSLPending {
			continue
		}
		if err := s.reset(ctx, b, model.BindingSSLPending, now); err != nil {
			s.logger.Warn("reset binding for retry",
				zap.String("domain", d.FQDN),
				zap.String("purpose", string(b.Purpose)),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("certificate issuance started",
		zap.String("domain", d.FQDN),
		zap.Int("attempt", job.Attempt),
	)
	s.record(ctx, d, ledger.ActionRetry, events.TypeCertificateRequested, map[string]string{"attempt": fmt.Sprint(job.Attempt)})

	s.launch(*job, *d, lease)
	return job, nil
}

// abandonJob fails a job whose domain could not be moved to pending.
func (s *Service) abandonJob(job *model.CertJob, d *model.Domain, cause error) {
	now := s.now()
	j := *job
	j.Status = model.JobFailed
	j.FinishedAt = &now
	j.ErrorCode = model.CodeInternal
	j.ErrorMessage = cause.Error()
	if err := s.jobs.FinishJob(context.Background(), &j, d); err != nil {
		s.logger.Error("abandon certificate job", zap.String("job", job.ID.String()), zap.Error(err))
	}
}

// launch runs the job on the worker pool. The job context derives from
// context.Background so the caller going away never cancels it; only
// cancelJob (hard delete) does.
func (s *Service) launch(job model.CertJob, d model.Domain, lease *inflight.Lease) {
	ctx, cancel := context.WithCancel(context.Background())
	s.jobMu.Lock()
	s.cancels[d.ID] = cancel
	s.jobMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.jobMu.Lock()
			delete(s.cancels, d.ID)
			s.jobMu.Unlock()
			cancel()
			if err := lease.Release(context.Background()); err != nil {
				s.logger.Warn("release issuance guard", zap.String("domain", d.FQDN), zap.Error(err))
			}
		}()

		// The deadline covers the wait for a worker too, so a job row older
		// than JobTimeout plus staleJobGrace can no longer be alive anywhere.
		jobCtx, jobCancel := context.WithTimeout(ctx, s.cfg.JobTimeout-s.now().Sub(job.StartedAt))
		defer jobCancel()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-jobCtx.Done():
			s.completeJob(jobCtx, job, d, nil, jobCtx.Err())
			return
		}

		cert, err := s.issue(jobCtx, d)
		s.completeJob(jobCtx, job, d, cert, err)
	}()
}

// cancelJob aborts the running job of a domain, if any.
func (s *Service) cancelJob(id uuid.UUID) {
	s.jobMu.Lock()
	cancel, ok := s.cancels[id]
	s.jobMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) issue(ctx context.Context, d model.Domain) (*certs.Certificate, error) {
	ctx, span := s.startSpan(ctx, "domains.IssueCertificate", d.ID)
	defer span.End()
	span.SetAttributes(attribute.String("domain.fqdn", d.FQDN))

	cert, err := s.issuer.Issue(ctx, []string{d.FQDN, "www." + d.FQDN})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.deployer.Install(ctx, d.FQDN, cert); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return cert, nil
}

// completeJob writes the job outcome and the domain certificate state in one
// store call. Bindings are promoted later by CheckStatus.
func (s *Service) completeJob(ctx context.Context, job model.CertJob, d model.Domain, cert *certs.Certificate, issueErr error) {
	now := s.now()
	job.FinishedAt = &now
	d.LastCheckedAt = &now

	if issueErr == nil {
		job.Status = model.JobSucceeded
		expires := cert.NotAfter.UTC().Truncate(time.Microsecond)
		d.SSLStatus = model.SSLIssued
		d.CertSerial = cert.Serial
		d.CertExpiresAt = &expires
		d.LastError = nil
	} else {
		cerr := issuanceError(ctx, issueErr)
		job.Status = model.JobFailed
		job.ErrorCode = cerr.Code
		job.ErrorMessage = cerr.Message
		d.SSLStatus = model.SSLFailed
		d.LastError = cerr.Detail()
	}

	if err := s.jobs.FinishJob(context.Background(), &job, &d); err != nil {
		if errors.Is(err, repository.ErrStale) || errors.Is(err, repository.ErrNotFound) {
			// Removed, or failed by stale-job recovery meanwhile.
			s.logger.Info("certificate job outcome discarded",
				zap.String("domain", d.FQDN),
				zap.String("job", job.ID.String()),
			)
			return
		}
		s.logger.Error("finish certificate job", zap.String("domain", d.FQDN), zap.Error(err))
		return
	}

	bg := context.Background()
	if issueErr == nil {
		metrics.RecordCertJob("issued")
		s.logger.Info("certificate issued",
			zap.String("domain", d.FQDN),
			zap.String("serial", d.CertSerial),
			zap.Time("expires_at", *d.CertExpiresAt),
		)
		s.record(bg, &d, ledger.ActionIssued, events.TypeCertificateIssued, map[string]string{"serial": d.CertSerial})
		return
	}
	metrics.RecordCertJob(string(job.ErrorCode))
	s.logger.Warn("certificate issuance failed",
		zap.String("domain", d.FQDN),
		zap.String("code", string(job.ErrorCode)),
		zap.Error(issueErr),
	)
	s.record(bg, &d, ledger.ActionFailed, events.TypeCertificateFailed, map[string]string{"code": string(job.ErrorCode)})
}

// issuanceError maps an issuance failure to its code. ctx is the job context.
func issuanceError(ctx context.Context, err error) *model.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.Wrap(model.CodeSSLTimeout, err, "certificate issuance timed out")
	case errors.Is(err, certs.ErrRateLimited):
		return model.Wrap(model.CodeSSLRateLimit, err, "certificate authority rate limit reached")
	case errors.Is(err, certs.ErrValidationFailed):
		return model.Wrap(model.CodeSSLValidationFailed, err, "certificate authority could not validate the domain")
	case errors.Is(err, certs.ErrDeployUnreachable):
		return model.Wrap(model.CodeVPSConnectionFailed, err, "provisioning host unreachable")
	default:
		return model.Wrap(model.CodeSSLGenerationFailed, err, "certificate generation failed")
	}
}

// staleJobGrace is added to JobTimeout before a running job row is presumed
// lost. It covers clock skew between replicas and the final store write.
const staleJobGrace = time.Minute

func (s *Service) staleCutoff(now time.Time) time.Time {
	return now.Add(-(s.cfg.JobTimeout + staleJobGrace))
}

// restartablePending reports whether a pending domain may be restarted: it
// has no running job, or only one that outlived its deadline and was lost
// with the replica that ran it. A lost job is failed first.
func (s *Service) restartablePending(ctx context.Context, d *model.Domain, now time.Time) error {
	job, err := s.jobs.RunningJob(ctx, d.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return model.Wrap(model.CodeInternal, err, "load running job")
	case job.StartedAt.After(s.staleCutoff(now)):
		return model.Errorf(model.CodeSSLProcessBusy, "certificate issuance for %s is already in progress", d.FQDN)
	}
	if _, err := s.failStaleJobs(ctx, now); err != nil {
		return model.Wrap(model.CodeInternal, err, "fail lost job")
	}
	fresh, err := s.domains.GetDomain(ctx, d.ID)
	if err != nil {
		return model.Wrap(model.CodeInternal, err, "reload domain")
	}
	*d = *fresh
	return nil
}

// RecoverStaleJobs fails jobs left running by a process that died. Only jobs
// started before JobTimeout plus a grace period are touched; younger ones may
// still be running on another replica and are observed by reconciliation.
func (s *Service) RecoverStaleJobs(ctx context.Context) (int, error) {
	return s.failStaleJobs(ctx, s.now())
}

func (s *Service) failStaleJobs(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.jobs.FailStaleJobs(ctx, s.staleCutoff(now), model.CodeSSLTimeout, "certificate job lost before it finished")
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	for _, id := range ids {
		d, err := s.domains.GetDomain(ctx, id)
		if err != nil {
			continue
		}
		s.logger.Warn("stale certificate job failed", zap.String("domain", d.FQDN))
		s.record(ctx, d, ledger.ActionFailed, events.TypeCertificateFailed, map[string]string{"code": string(model.CodeSSLTimeout)})
	}
	return len(ids), nil
}
