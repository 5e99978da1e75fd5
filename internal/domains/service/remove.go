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

// CheckImpact reports what removing the domain, or only its purpose binding
// when purpose is non-empty, would affect. Nothing is mutated.
func (s *Service) CheckImpact(ctx context.Context, owner string, id uuid.UUID, purpose model.Purpose) (_ *model.Impact, err error) {
	ctx, span := s.startSpan(ctx, "domains.CheckImpact", id)
	defer func() { finish(span, "check_impact", err) }()

	d, err := s.ownedDomain(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	impact, _, err := s.impact(ctx, d, purpose)
	return impact, err
}

// impact computes the removal impact and, when only a binding would be
// deactivated, returns that binding.
func (s *Service) impact(ctx context.Context, d *model.Domain, purpose model.Purpose) (*model.Impact, *model.Binding, error) {
	if purpose != "" {
		if _, err := model.ParsePurpose(string(purpose)); err != nil {
			return nil, nil, model.Wrap(model.CodeInvalidRequest, err, "invalid purpose")
		}
	}

	bindings, err := s.domains.ListBindings(ctx, d.ID)
	if err != nil {
		return nil, nil, model.Wrap(model.CodeInternal, err, "list bindings")
	}
	var dependents []model.Dependent
	if s.dependents != nil {
		if dependents, err = s.dependents.Dependents(ctx, d.ID); err != nil {
			return nil, nil, model.Wrap(model.CodeInternal, err, "list dependents")
		}
	}

	live := []model.Binding{}
	var target *model.Binding
	siblingActive := false
	for i := range bindings {
		b := bindings[i]
		if !b.Live() {
			continue
		}
		live = append(live, b)
		switch {
		case b.Purpose == purpose:
			target = &bindings[i]
		case b.Active:
			siblingActive = true
		}
	}
	if purpose != "" && target == nil {
		return nil, nil, model.Errorf(model.CodeInvalidRequest, "%s has no %s binding", d.FQDN, purpose)
	}

	impact := &model.Impact{AffectedDependents: []model.Dependent{}}
	if purpose != "" && siblingActive {
		impact.CanDeactivateOnly = true
		impact.AffectedBindings = []model.Binding{*target}
		for _, dep := range dependents {
			if dep.Purpose == purpose {
				impact.AffectedDependents = append(impact.AffectedDependents, dep)
			}
		}
		return impact, target, nil
	}

	impact.AffectedBindings = live
	impact.AffectedDependents = append(impact.AffectedDependents, dependents...)
	return impact, nil, nil
}

// Remove deletes a domain or deactivates one of its bindings. When resources
// still depend on what would be removed and force is false, nothing changes
// and the result asks for confirmation. With force, only the purpose binding
// is deactivated if another active binding keeps the domain in use; otherwise
// the domain, its bindings and jobs are deleted.
func (s *Service) Remove(ctx context.Context, owner string, id uuid.UUID, purpose model.Purpose, force bool) (_ *model.RemoveResult, err error) {
	ctx, span := s.startSpan(ctx, "domains.Remove", id)
	defer func() { finish(span, "remove", err) }()

	unlock := s.locks.Lock(id.String())
	defer unlock()

	d, err := s.ownedDomain(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	impact, target, err := s.impact(ctx, d, purpose)
	if err != nil {
		return nil, err
	}

	if len(impact.AffectedDependents) > 0 && !force {
		return &model.RemoveResult{
			Action:               model.RemoveRequiresConfirmation,
			RequiresConfirmation: true,
			Impact:               *impact,
		}, nil
	}

	if impact.CanDeactivateOnly {
		ok, err := s.advance(ctx, target, model.BindingRemoved, s.now(), nil)
		if err != nil {
			return nil, model.Wrap(model.CodeInternal, err, "deactivate binding")
		}
		if !ok {
			return nil, model.Errorf(model.CodeInternal, "binding changed concurrently; try again")
		}
		impact.AffectedBindings = []model.Binding{*target}
		s.logger.Info("binding deactivated",
			zap.String("domain", d.FQDN),
			zap.String("purpose", string(purpose)),
		)
		s.record(ctx, d, ledger.ActionDeactivate, events.TypeBindingDeactivated, map[string]string{"purpose": string(purpose)})
		return &model.RemoveResult{Action: model.RemoveDeactivated, Impact: *impact}, nil
	}

	s.cancelJob(d.ID)
	if err := s.domains.DeleteDomain(ctx, d.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, model.Wrap(model.CodeInternal, err, "delete domain")
	}
	if d.SSLStatus != model.SSLNone {
		if err := s.deployer.Remove(context.WithoutCancel(ctx), d.FQDN); err != nil {
			s.logger.Warn("remove certificate from provisioning host",
				zap.String("domain", d.FQDN),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("domain removed", zap.String("domain", d.FQDN), zap.String("owner", owner))
	s.record(ctx, d, ledger.ActionRemove, events.TypeDomainRemoved, nil)
	return &model.RemoveResult{Action: model.RemoveDeleted, Impact: *impact}, nil
}
