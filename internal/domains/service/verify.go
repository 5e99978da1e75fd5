package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/dns"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"go.uber.org/zap"
)

// Verify checks the ownership and routing records of a domain. On success the
// domain is marked verified and its pending bindings move to dns_configured;
// with AutoStart, certificate issuance starts immediately. A domain that is
// already verified is returned as is without querying DNS.
func (s *Service) Verify(ctx context.Context, owner string, id uuid.UUID) (_ *model.DomainView, err error) {
	ctx, span := s.startSpan(ctx, "domains.Verify", id)
	defer func() { finish(span, "verify", err) }()

	unlock := s.locks.Lock(id.String())
	defer unlock()

	d, err := s.ownedDomain(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if d.DNSStatus == model.DNSVerified {
		return s.view(ctx, d)
	}

	now := s.now()
	if verr := s.verifier.Verify(ctx, d.FQDN, d.VerificationToken, d.RecordType); verr != nil {
		cerr := verificationError(verr)
		d.LastCheckedAt = &now
		d.LastError = cerr.Detail()
		if err := s.domains.UpdateDomain(ctx, d); err != nil {
			return nil, model.Wrap(model.CodeInternal, err, "record verification failure")
		}
		s.logger.Info("dns verification failed",
			zap.String("domain", d.FQDN),
			zap.String("code", string(cerr.Code)),
			zap.String("detail", cerr.Message),
		)
		s.record(ctx, d, "", events.TypeVerificationFailed, map[string]string{"code": string(cerr.Code), "message": cerr.Message})
		return nil, cerr
	}

	if err := s.markVerified(ctx, d, now); err != nil {
		return nil, err
	}
	if s.cfg.AutoStart && d.SSLStatus == model.SSLNone {
		if _, err := s.provisionLocked(ctx, d); err != nil {
			// The owner can start issuance with an explicit retry.
			s.logger.Warn("automatic certificate issuance not started",
				zap.String("domain", d.FQDN),
				zap.Error(err),
			)
		}
	}
	return s.view(ctx, d)
}

// markVerified persists a successful verification observed at now.
func (s *Service) markVerified(ctx context.Context, d *model.Domain, now time.Time) error {
	d.DNSStatus = model.DNSVerified
	d.DNSVerifiedAt = &now
	d.LastCheckedAt = &now
	d.LastError = nil
	if err := s.domains.UpdateDomain(ctx, d); err != nil {
		return model.Wrap(model.CodeInternal, err, "mark domain verified")
	}

	bindings, err := s.domains.ListBindings(ctx, d.ID)
	if err != nil {
		return model.Wrap(model.CodeInternal, err, "list bindings")
	}
	for i := range bindings {
		if bindings[i].Status != model.BindingPending {
			continue
		}
		if _, err := s.advance(ctx, &bindings[i], model.BindingDNSConfigured, now, nil); err != nil {
			return model.Wrap(model.CodeInternal, err, "update binding")
		}
	}

	s.logger.Info("domain verified", zap.String("domain", d.FQDN), zap.String("owner", d.OwnerID))
	s.record(ctx, d, ledger.ActionVerify, events.TypeDomainVerified, nil)
	return nil
}

func verificationError(err error) *model.Error {
	var mismatch *dns.MismatchError
	if errors.As(err, &mismatch) {
		e := model.Errorf(model.CodeDNSVerificationFailed, "%s", mismatch.Error())
		e.Record = &model.RecordRef{Type: mismatch.Type, Host: mismatch.Host}
		return e
	}
	var qerr *dns.QueryError
	if errors.As(err, &qerr) {
		return model.Errorf(model.CodeDNSQueryError, "%s", qerr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Wrap(model.CodeDNSQueryError, err, "dns lookup timed out")
	}
	return model.Wrap(model.CodeDNSQueryError, err, "dns lookup failed")
}
