package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"go.uber.org/zap"
)

// CheckStatus re-evaluates a domain against its authoritative sources and
// applies whatever moved: DNS verification, certificate expiry, and job
// completion into binding status. Observations are applied monotonically; a
// result carries the server time it was taken at.
func (s *Service) CheckStatus(ctx context.Context, owner string, id uuid.UUID) (_ *model.CheckResult, err error) {
	ctx, span := s.startSpan(ctx, "domains.CheckStatus", id)
	defer func() { finish(span, "check_status", err) }()

	unlock := s.locks.Lock(id.String())
	defer unlock()

	d, err := s.ownedDomain(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	changed, msg, err := s.reconcileLocked(ctx, d, now)
	if err != nil {
		return nil, err
	}

	v, err := s.view(ctx, d)
	if err != nil {
		return nil, err
	}
	res := &model.CheckResult{Status: model.CheckUnchanged, Message: msg, Domain: *v, ObservedAt: now}
	if changed {
		res.Status = model.CheckUpdated
	}
	return res, nil
}

func (s *Service) reconcileLocked(ctx context.Context, d *model.Domain, now time.Time) (bool, string, error) {
	if d.DNSStatus != model.DNSVerified {
		// Re-verification failures are reported but not persisted.
		if verr := s.verifier.Verify(ctx, d.FQDN, d.VerificationToken, d.RecordType); verr != nil {
			return false, "waiting for DNS: " + verificationError(verr).Message, nil
		}
		if err := s.markVerified(ctx, d, now); err != nil {
			return false, "", err
		}
		if s.cfg.AutoStart && d.SSLStatus == model.SSLNone {
			if _, err := s.provisionLocked(ctx, d); err != nil {
				s.logger.Warn("automatic certificate issuance not started", zap.String("domain", d.FQDN), zap.Error(err))
			}
		}
		return true, "DNS verified", nil
	}

	if d.CertExpired(now) {
		if err := s.expireLocked(ctx, d, now); err != nil {
			return false, "", err
		}
		return true, "certificate expired; retry to issue a new one", nil
	}

	bindings, err := s.domains.ListBindings(ctx, d.ID)
	if err != nil {
		return false, "", model.Wrap(model.CodeInternal, err, "list bindings")
	}

	switch d.SSLStatus {
	case model.SSLIssued:
		changed, err := s.promote(ctx, d, bindings, now)
		if err != nil {
			return false, "", err
		}
		if changed {
			return true, "certificate issued", nil
		}
		return false, "certificate issued", nil

	case model.SSLFailed:
		lastErr := d.LastError
		if job, err := s.jobs.LatestJob(ctx, d.ID); err == nil && job.Status == model.JobFailed {
			lastErr = &model.ErrorDetail{Code: job.ErrorCode, Message: job.ErrorMessage}
		} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return false, "", model.Wrap(model.CodeInternal, err, "load latest job")
		}
		changed := false
		for i := range bindings {
			b := &bindings[i]
			if b.Active || !b.Status.Processing() {
				continue
			}
			ok, err := s.advance(ctx, b, model.BindingFailed, now, lastErr)
			if err != nil {
				return false, "", model.Wrap(model.CodeInternal, err, "fail binding")
			}
			if ok {
				changed = true
				s.record(ctx, d, "", events.TypeBindingFailed, map[string]string{"purpose": string(b.Purpose)})
			}
		}
		msg := "certificate issuance failed; retry to try again"
		if lastErr != nil {
			msg = fmt.Sprintf("certificate issuance failed (%s); retry to try again", lastErr.Code)
		}
		return changed, msg, nil

	case model.SSLPending:
		if job, err := s.jobs.RunningJob(ctx, d.ID); err == nil {
			if job.StartedAt.Before(s.staleCutoff(s.now())) {
				return false, "certificate job appears lost; retry to restart it", nil
			}
			return false, "certificate issuance in progress", nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return false, "", model.Wrap(model.CodeInternal, err, "load running job")
		}
		return false, "no issuance job is running; retry to restart it", nil

	case model.SSLExpired:
		return false, "certificate expired; retry to issue a new one", nil

	default:
		return false, "certificate not requested yet", nil
	}
}

// promote moves bindings of an issued domain forward: to active when the owner
// has no other active binding for the purpose, else to ssl_issued.
func (s *Service) promote(ctx context.Context, d *model.Domain, bindings []model.Binding, now time.Time) (bool, error) {
	changed := false
	for i := range bindings {
		b := &bindings[i]
		if b.Active || !b.Status.Processing() {
			continue
		}

		next := model.BindingActive
		active, err := s.domains.ActiveBinding(ctx, d.OwnerID, b.Purpose)
		switch {
		case err == nil && active.ID != b.ID:
			next = model.BindingSSLIssued
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return changed, model.Wrap(model.CodeInternal, err, "check active binding")
		}

		ok, err := s.advance(ctx, b, next, now, nil)
		if errors.Is(err, repository.ErrActiveBindingExists) {
			// Lost a race for the purpose; settle for ssl_issued.
			ok, err = s.advance(ctx, b, model.BindingSSLIssued, now, nil)
		}
		if err != nil {
			return changed, model.Wrap(model.CodeInternal, err, "promote binding")
		}
		if !ok {
			continue
		}
		changed = true
		if b.Active {
			s.logger.Info("binding activated",
				zap.String("domain", d.FQDN),
				zap.String("purpose", string(b.Purpose)),
			)
			s.record(ctx, d, ledger.ActionActivate, events.TypeBindingActivated, map[string]string{"purpose": string(b.Purpose)})
		}
	}
	return changed, nil
}

// expireLocked marks an issued certificate expired and fails the active
// bindings it backed. A new certificate requires an explicit retry.
func (s *Service) expireLocked(ctx context.Context, d *model.Domain, now time.Time) error {
	detail := &model.ErrorDetail{Code: model.CodeSSLExpired, Message: "certificate expired"}
	d.SSLStatus = model.SSLExpired
	d.LastCheckedAt = &now
	d.LastError = detail
	if err := s.domains.UpdateDomain(ctx, d); err != nil {
		return model.Wrap(model.CodeInternal, err, "mark certificate expired")
	}

	bindings, err := s.domains.ListBindings(ctx, d.ID)
	if err != nil {
		return model.Wrap(model.CodeInternal, err, "list bindings")
	}
	for i := range bindings {
		b := &bindings[i]
		if !b.Live() || b.Status == model.BindingFailed {
			continue
		}
		if _, err := s.advance(ctx, b, model.BindingFailed, now, detail); err != nil {
			return model.Wrap(model.CodeInternal, err, "fail binding")
		}
	}

	s.logger.Warn("certificate expired", zap.String("domain", d.FQDN))
	s.record(ctx, d, ledger.ActionExpired, events.TypeCertificateExpired, nil)
	return nil
}

// ProcessingIDs returns the ids of domains with a binding still waiting on an
// asynchronous step, with whether any of them needs an explicit status check.
func (s *Service) ProcessingIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	bindings, err := s.domains.ListProcessing(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processing bindings: %w", err)
	}
	out := make(map[uuid.UUID]bool, len(bindings))
	for _, b := range bindings {
		out[b.DomainID] = out[b.DomainID] || b.Status.NeedsStatusCheck()
	}
	return out, nil
}

// Reconcile runs CheckStatus on behalf of the domain's owner. It is the entry
// point of the server-side poller.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID) (*model.CheckResult, error) {
	d, err := s.domains.GetDomain(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Errorf(model.CodeDomainNotFound, "domain %s not found", id)
		}
		return nil, model.Wrap(model.CodeInternal, err, "load domain")
	}
	return s.CheckStatus(ctx, d.OwnerID, id)
}

// ExpiringDomains lists domains whose issued certificate expires before the
// given time, across all owners.
func (s *Service) ExpiringDomains(ctx context.Context, before time.Time) ([]model.Domain, error) {
	domains, err := s.domains.ListExpiring(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring domains: %w", err)
	}
	return domains, nil
}
