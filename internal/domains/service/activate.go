package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"go.uber.org/zap"
)

// ListAvailableForPurpose returns the owner's ready domains that already serve
// another purpose and could be activated for purpose without new DNS or
// certificate work.
func (s *Service) ListAvailableForPurpose(ctx context.Context, owner string, purpose model.Purpose) ([]model.DomainView, error) {
	if _, err := model.ParsePurpose(string(purpose)); err != nil {
		return nil, model.Wrap(model.CodeInvalidRequest, err, "invalid purpose")
	}
	all, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := []model.DomainView{}
	for _, v := range all {
		if !v.Ready() || v.CertExpired(now) {
			continue
		}
		otherActive, sameActive := false, false
		for _, b := range v.Bindings {
			if !b.Active {
				continue
			}
			if b.Purpose == purpose {
				sameActive = true
			} else {
				otherActive = true
			}
		}
		if otherActive && !sameActive {
			out = append(out, v)
		}
	}
	return out, nil
}

// Activate attaches an already ready domain to purpose. The binding is created
// (or a removed or failed one revived) directly in the active state.
func (s *Service) Activate(ctx context.Context, owner string, id uuid.UUID, purpose model.Purpose, targetID *uuid.UUID) (_ *model.Binding, err error) {
	ctx, span := s.startSpan(ctx, "domains.Activate", id)
	defer func() { finish(span, "activate", err) }()

	if _, err := model.ParsePurpose(string(purpose)); err != nil {
		return nil, model.Wrap(model.CodeInvalidRequest, err, "invalid purpose")
	}

	unlock := s.locks.Lock(id.String())
	defer unlock()

	d, err := s.ownedDomain(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !d.Ready() || d.CertExpired(now) {
		return nil, model.Errorf(model.CodeDomainNotReady,
			"%s is not ready (dns %s, certificate %s)", d.FQDN, d.DNSStatus, d.SSLStatus)
	}

	if active, err := s.domains.ActiveBinding(ctx, owner, purpose); err == nil {
		if active.DomainID == d.ID {
			return nil, model.Errorf(model.CodeDomainAlreadyExists, "%s is already active for %s", d.FQDN, purpose)
		}
		return nil, model.Errorf(model.CodeDomainAlreadyExists,
			"an active %s domain already exists for this account; remove it first", purpose)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, model.Wrap(model.CodeInternal, err, "check active binding")
	}

	bindings, err := s.domains.ListBindings(ctx, d.ID)
	if err != nil {
		return nil, model.Wrap(model.CodeInternal, err, "list bindings")
	}

	var b *model.Binding
	for i := range bindings {
		if bindings[i].Purpose == purpose {
			b = &bindings[i]
		}
	}
	if b != nil {
		b.TargetID = targetID
		err = s.reset(ctx, b, model.BindingActive, now)
	} else {
		b = &model.Binding{
			ID:               uuid.New(),
			DomainID:         d.ID,
			OwnerID:          owner,
			Purpose:          purpose,
			TargetID:         targetID,
			Active:           true,
			Status:           model.BindingActive,
			StatusObservedAt: now,
			ActivatedAt:      &now,
			CreatedAt:        now,
		}
		err = s.domains.CreateBinding(ctx, b)
	}
	if err != nil {
		if errors.Is(err, repository.ErrActiveBindingExists) || errors.Is(err, repository.ErrDuplicateBinding) {
			return nil, model.Errorf(model.CodeDomainAlreadyExists, "an active %s domain already exists for this account", purpose)
		}
		return nil, model.Wrap(model.CodeInternal, err, "activate binding")
	}

	s.logger.Info("binding activated",
		zap.String("domain", d.FQDN),
		zap.String("purpose", string(purpose)),
	)
	s.record(ctx, d, ledger.ActionActivate, events.TypeBindingActivated, map[string]string{"purpose": string(purpose)})
	return b, nil
}
