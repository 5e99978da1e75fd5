// Package service implements the custom domain lifecycle: registration, DNS
// ownership verification, certificate provisioning, status reconciliation,
// purpose activation and dependency-aware removal.
//
// Every operation is scoped to an owner account id. A domain owned by another
// account is reported as DOMAIN_NOT_FOUND.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/certs"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/inflight"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"github.com/jmerrifield20/hostdomains/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/jmerrifield20/hostdomains/internal/domains/service"

// DomainStore persists domains and bindings.
// *repository.DomainRepository and *repository.MemoryStore satisfy it.
type DomainStore interface {
	CreateDomain(ctx context.Context, d *model.Domain, b *model.Binding) error
	GetDomain(ctx context.Context, id uuid.UUID) (*model.Domain, error)
	ListDomainsByOwner(ctx context.Context, owner string) ([]model.Domain, error)
	UpdateDomain(ctx context.Context, d *model.Domain) error
	DeleteDomain(ctx context.Context, id uuid.UUID) error
	ListBindings(ctx context.Context, domainID uuid.UUID) ([]model.Binding, error)
	ListBindingsByOwner(ctx context.Context, owner string) ([]model.Binding, error)
	ListProcessing(ctx context.Context) ([]model.Binding, error)
	ListExpiring(ctx context.Context, before time.Time) ([]model.Domain, error)
	ActiveBinding(ctx context.Context, owner string, p model.Purpose) (*model.Binding, error)
	CreateBinding(ctx context.Context, b *model.Binding) error
	UpdateBinding(ctx context.Context, b *model.Binding, prevObservedAt time.Time) error
}

// JobStore persists certificate jobs.
// *repository.JobRepository and *repository.MemoryStore satisfy it.
type JobStore interface {
	CreateJob(ctx context.Context, j *model.CertJob) error
	RunningJob(ctx context.Context, domainID uuid.UUID) (*model.CertJob, error)
	LatestJob(ctx context.Context, domainID uuid.UUID) (*model.CertJob, error)
	FinishJob(ctx context.Context, j *model.CertJob, d *model.Domain) error
	FailStaleJobs(ctx context.Context, startedBefore time.Time, code model.Code, message string) ([]uuid.UUID, error)
}

// DependentSource lists resources hosted under a domain.
type DependentSource interface {
	Dependents(ctx context.Context, domainID uuid.UUID) ([]model.Dependent, error)
}

// DNSVerifier checks ownership records. *dns.Verifier satisfies it.
type DNSVerifier interface {
	Verify(ctx context.Context, fqdn, token string, rt model.RecordType) error
	Instructions(fqdn, token string, rt model.RecordType) []model.DNSRecord
}

// Config tunes the service.
type Config struct {
	// AutoStart begins certificate issuance as soon as DNS is verified.
	AutoStart bool
	// JobTimeout bounds one issuance job, including installation.
	JobTimeout time.Duration
	// Workers bounds concurrent issuance jobs.
	Workers int
	// RatePerHour is the per-owner issuance budget. Zero disables the limit.
	RatePerHour float64
	// RateBurst is the bucket size of the issuance budget.
	RateBurst int
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 3
	}
	return c
}

// Service is the domain lifecycle manager.
type Service struct {
	domains    DomainStore
	jobs       JobStore
	dependents DependentSource
	verifier   DNSVerifier
	issuer     certs.Issuer
	deployer   certs.Deployer
	guard      inflight.Guard
	ledger     ledger.Ledger
	publisher  events.Publisher
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        Config

	locks    *keyedMutex
	budgets  *ownerBudgets
	sem      chan struct{}
	wg       sync.WaitGroup
	jobMu    sync.Mutex
	cancels  map[uuid.UUID]context.CancelFunc
	now      func() time.Time
	newToken func() (string, error)
}

// New creates a Service. The deployer defaults to certs.NoopDeployer, the
// in-flight guard to an in-process guard, and events to events.Noop.
func New(domains DomainStore, jobs JobStore, verifier DNSVerifier, issuer certs.Issuer, cfg Config, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		domains:   domains,
		jobs:      jobs,
		verifier:  verifier,
		issuer:    issuer,
		deployer:  certs.NoopDeployer{},
		guard:     inflight.NewMemoryGuard(inflight.Options{TTL: cfg.JobTimeout + time.Minute}),
		publisher: events.Noop{},
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		locks:     newKeyedMutex(),
		budgets:   newOwnerBudgets(cfg.RatePerHour, cfg.RateBurst),
		sem:       make(chan struct{}, cfg.Workers),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newToken:  generateToken,
	}
}

// SetDeployer configures where issued certificates are installed.
func (s *Service) SetDeployer(d certs.Deployer) { s.deployer = d }

// SetGuard replaces the issuance in-flight guard, e.g. with a Redis guard
// shared across replicas.
func (s *Service) SetGuard(g inflight.Guard) { s.guard = g }

// SetLedger enables the audit trail.
func (s *Service) SetLedger(l ledger.Ledger) { s.ledger = l }

// SetPublisher configures where lifecycle events are sent.
func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// SetDependentSource configures the impact analysis source. Without one every
// domain is reported as having no dependents.
func (s *Service) SetDependentSource(d DependentSource) { s.dependents = d }

// Ledger returns the configured audit ledger, or nil.
func (s *Service) Ledger() ledger.Ledger { return s.ledger }

// Wait blocks until every running issuance job has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ownedDomain loads id and checks it belongs to owner.
func (s *Service) ownedDomain(ctx context.Context, owner string, id uuid.UUID) (*model.Domain, error) {
	d, err := s.domains.GetDomain(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Errorf(model.CodeDomainNotFound, "domain %s not found", id)
		}
		return nil, model.Wrap(model.CodeInternal, err, "load domain")
	}
	if d.OwnerID != owner {
		return nil, model.Errorf(model.CodeDomainNotFound, "domain %s not found", id)
	}
	return d, nil
}

func (s *Service) view(ctx context.Context, d *model.Domain) (*model.DomainView, error) {
	bindings, err := s.domains.ListBindings(ctx, d.ID)
	if err != nil {
		return nil, model.Wrap(model.CodeInternal, err, "list bindings")
	}
	v := &model.DomainView{Domain: *d, Bindings: bindings}
	if d.DNSStatus != model.DNSVerified {
		v.Instructions = s.verifier.Instructions(d.FQDN, d.VerificationToken, d.RecordType)
	}
	return v, nil
}

// advance moves b to next when the transition is allowed and the observation
// at now is newer than the stored one. It reports whether b changed.
func (s *Service) advance(ctx context.Context, b *model.Binding, next model.BindingStatus, now time.Time, lastErr *model.ErrorDetail) (bool, error) {
	if !b.Status.CanAdvance(next) || !now.After(b.StatusObservedAt) {
		return false, nil
	}
	updated := *b
	updated.Status = next
	updated.StatusObservedAt = now
	updated.LastError = lastErr
	switch next {
	case model.BindingActive:
		updated.Active = true
		updated.ActivatedAt = &now
	case model.BindingFailed:
		updated.Active = false
	case model.BindingRemoved:
		updated.Active = false
		updated.RemovedAt = &now
	}
	if err := s.domains.UpdateBinding(ctx, &updated, b.StatusObservedAt); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return false, nil
		}
		return false, err
	}
	*b = updated
	return true, nil
}

// reset rewrites b regardless of its current status. Only explicit owner
// actions (retry, activate) reset a binding.
func (s *Service) reset(ctx context.Context, b *model.Binding, next model.BindingStatus, now time.Time) error {
	prev := b.StatusObservedAt
	updated := *b
	updated.Status = next
	updated.StatusObservedAt = now
	updated.LastError = nil
	updated.RemovedAt = nil
	updated.Active = next == model.BindingActive
	if updated.Active {
		updated.ActivatedAt = &now
	}
	if !now.After(prev) {
		// Clock skew between replicas; keep the observation strictly newer.
		updated.StatusObservedAt = prev.Add(time.Microsecond)
	}
	if err := s.domains.UpdateBinding(ctx, &updated, prev); err != nil {
		return err
	}
	*b = updated
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string, id uuid.UUID) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{}
	if id != uuid.Nil {
		attrs = append(attrs, attribute.String("domain.id", id.String()))
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish ends span and records the operation outcome.
func finish(span trace.Span, operation string, err error) {
	code := "OK"
	if err != nil {
		code = string(model.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	metrics.RecordOperation(operation, code)
	span.End()
}

// record appends action to the ledger and publishes eventType. Either may be
// empty. Both are best effort.
func (s *Service) record(ctx context.Context, d *model.Domain, action, eventType string, data map[string]string) {
	if s.ledger != nil && action != "" {
		payload := map[string]any{"fqdn": d.FQDN, "owner_id": d.OwnerID, "data": data}
		if _, err := s.ledger.Append(ctx, d.ID.String(), action, d.OwnerID, payload); err != nil {
			s.logger.Warn("ledger append failed",
				zap.String("domain", d.FQDN),
				zap.String("action", action),
				zap.Error(err),
			)
		} else {
			metrics.RecordLedgerAppend()
		}
	}
	if eventType == "" {
		return
	}
	if err := s.publisher.Publish(ctx, events.New(eventType, d.ID, d.FQDN, d.OwnerID, data)); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("domain", d.FQDN),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
