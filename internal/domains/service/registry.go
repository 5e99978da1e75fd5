package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/dns"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"go.uber.org/zap"
)

// CreateRequest is the input of Create.
type CreateRequest struct {
	FQDN       string           `json:"fqdn" binding:"required"`
	Purpose    model.Purpose    `json:"purpose" binding:"required"`
	RecordType model.RecordType `json:"verification_record_type,omitempty"`
	TargetID   *uuid.UUID       `json:"target_id,omitempty"`
}

// Created is the result of Create: the new domain, its first binding and the
// records the owner must publish.
type Created struct {
	Domain       model.DomainView  `json:"domain"`
	Binding      model.Binding     `json:"binding"`
	Instructions []model.DNSRecord `json:"dns_records"`
}

func generateToken() (string, error) { return dns.GenerateToken() }

// Create registers fqdn for owner with a pending binding for req.Purpose.
func (s *Service) Create(ctx context.Context, owner string, req CreateRequest) (_ *Created, err error) {
	ctx, span := s.startSpan(ctx, "domains.Create", uuid.Nil)
	defer func() { finish(span, "create", err) }()

	fqdn, err := dns.Normalize(req.FQDN)
	if err != nil {
		return nil, model.Wrap(model.CodeInvalidDomain, err, "invalid domain name")
	}
	purpose, err := model.ParsePurpose(string(req.Purpose))
	if err != nil {
		return nil, model.Wrap(model.CodeInvalidRequest, err, "invalid purpose")
	}
	rt, err := model.ParseRecordType(string(req.RecordType))
	if err != nil {
		return nil, model.Wrap(model.CodeInvalidRequest, err, "invalid verification record type")
	}

	unlock := s.locks.Lock("fqdn:" + fqdn)
	defer unlock()

	if active, err := s.domains.ActiveBinding(ctx, owner, purpose); err == nil {
		return nil, model.Errorf(model.CodeDomainAlreadyExists,
			"an active %s domain already exists for this account (%s)", purpose, active.DomainID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, model.Wrap(model.CodeInternal, err, "check active binding")
	}

	token, err := s.newToken()
	if err != nil {
		return nil, model.Wrap(model.CodeInternal, err, "generate verification token")
	}
	now := s.now()
	d := &model.Domain{
		ID:                uuid.New(),
		FQDN:              fqdn,
		OwnerID:           owner,
		VerificationToken: token,
		RecordType:        rt,
		DNSStatus:         model.DNSUnverified,
		SSLStatus:         model.SSLNone,
		CreatedAt:         now,
	}
	b := &model.Binding{
		ID:               uuid.New(),
		DomainID:         d.ID,
		OwnerID:          owner,
		Purpose:          purpose,
		TargetID:         req.TargetID,
		Status:           model.BindingPending,
		StatusObservedAt: now,
		CreatedAt:        now,
	}

	if err := s.domains.CreateDomain(ctx, d, b); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateFQDN):
			return nil, model.Errorf(model.CodeDomainAlreadyExists, "domain %s is already registered", fqdn)
		case errors.Is(err, repository.ErrActiveBindingExists), errors.Is(err, repository.ErrDuplicateBinding):
			return nil, model.Errorf(model.CodeDomainAlreadyExists, "an active %s domain already exists for this account", purpose)
		}
		return nil, model.Wrap(model.CodeInternal, err, "create domain")
	}

	s.logger.Info("domain created",
		zap.String("domain", fqdn),
		zap.String("owner", owner),
		zap.String("purpose", string(purpose)),
	)
	s.record(ctx, d, ledger.ActionCreate, events.TypeDomainCreated, map[string]string{"purpose": string(purpose)})

	instructions := s.verifier.Instructions(d.FQDN, d.VerificationToken, d.RecordType)
	return &Created{
		Domain:       model.DomainView{Domain: *d, Bindings: []model.Binding{*b}, Instructions: instructions},
		Binding:      *b,
		Instructions: instructions,
	}, nil
}

// List returns every domain owned by owner with its bindings.
func (s *Service) List(ctx context.Context, owner string) ([]model.DomainView, error) {
	domains, err := s.domains.ListDomainsByOwner(ctx, owner)
	if err != nil {
		return nil, model.Wrap(model.CodeInternal, err, "list domains")
	}
	bindings, err := s.domains.ListBindingsByOwner(ctx, owner)
	if err != nil {
		return nil, model.Wrap(model.CodeInternal, err, "list bindings")
	}
	byDomain := make(map[uuid.UUID][]model.Binding, len(domains))
	for _, b := range bindings {
		byDomain[b.DomainID] = append(byDomain[b.DomainID], b)
	}

	out := make([]model.DomainView, 0, len(domains))
	for _, d := range domains {
		v := model.DomainView{Domain: d, Bindings: byDomain[d.ID]}
		if v.Bindings == nil {
			v.Bindings = []model.Binding{}
		}
		if d.DNSStatus != model.DNSVerified {
			v.Instructions = s.verifier.Instructions(d.FQDN, d.VerificationToken, d.RecordType)
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns one domain owned by owner.
func (s *Service) Get(ctx context.Context, owner string, id uuid.UUID) (*model.DomainView, error) {
	d, err := s.ownedDomain(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, d)
}
