//go:build integration

package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/testutil/containers"
)

func TestPostgres_DomainLifecycle(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	domains := repository.NewDomainRepository(pg.Pool)
	jobs := repository.NewJobRepository(pg.Pool)
	deps := repository.NewDependentRepository(pg.Pool)

	d, b := newDomain("acct-1", "shop.example.com")
	if err := domains.CreateDomain(ctx, d, b); err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}
	dup, dupB := newDomain("acct-2", "shop.example.com")
	if err := domains.CreateDomain(ctx, dup, dupB); !errors.Is(err, repository.ErrDuplicateFQDN) {
		t.Fatalf("expected ErrDuplicateFQDN, got %v", err)
	}

	got, err := domains.GetDomain(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDomain: %v", err)
	}
	if got.FQDN != d.FQDN || got.DNSStatus != model.DNSUnverified || got.LastError != nil {
		t.Errorf("GetDomain: %+v", got)
	}

	// Optimistic binding update.
	next := *b
	next.Status = model.BindingDNSConfigured
	next.StatusObservedAt = b.StatusObservedAt.Add(time.Second)
	if err := domains.UpdateBinding(ctx, &next, b.StatusObservedAt); err != nil {
		t.Fatalf("UpdateBinding: %v", err)
	}
	stale := *b
	stale.Status = model.BindingFailed
	if err := domains.UpdateBinding(ctx, &stale, b.StatusObservedAt); !errors.Is(err, repository.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	processing, err := domains.ListProcessing(ctx)
	if err != nil || len(processing) != 1 || processing[0].Status != model.BindingDNSConfigured {
		t.Fatalf("ListProcessing = %+v, %v", processing, err)
	}

	// One running job per domain.
	j := &model.CertJob{ID: uuid.New(), DomainID: d.ID, StartedAt: time.Now().UTC()}
	if err := jobs.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := jobs.CreateJob(ctx, &model.CertJob{ID: uuid.New(), DomainID: d.ID, StartedAt: time.Now().UTC()}); !errors.Is(err, repository.ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(90 * 24 * time.Hour)
	j.Status, j.FinishedAt = model.JobSucceeded, &now
	d.SSLStatus, d.CertSerial, d.CertExpiresAt, d.LastCheckedAt = model.SSLIssued, "abc", &expires, &now
	if err := jobs.FinishJob(ctx, j, d); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	latest, err := jobs.LatestJob(ctx, d.ID)
	if err != nil || latest.Status != model.JobSucceeded {
		t.Fatalf("LatestJob = %+v, %v", latest, err)
	}

	// Dependents come from the hosted resource tables.
	if _, err := pg.Pool.Exec(ctx,
		`INSERT INTO short_links (id, owner_id, domain_id, slug) VALUES ($1, 'acct-1', $2, 'promo')`,
		uuid.New(), d.ID); err != nil {
		t.Fatalf("insert short link: %v", err)
	}
	list, err := deps.Dependents(ctx, d.ID)
	if err != nil || len(list) != 1 || list[0].Kind != model.DependentShortLink || list[0].Label != "promo" {
		t.Fatalf("Dependents = %+v, %v", list, err)
	}

	if err := domains.DeleteDomain(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDomain: %v", err)
	}
	if _, err := domains.GetDomain(ctx, d.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_FailStaleJobs(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	domains := repository.NewDomainRepository(pg.Pool)
	jobs := repository.NewJobRepository(pg.Pool)

	d, b := newDomain("acct-1", "stale.example.com")
	d.SSLStatus = model.SSLPending
	if err := domains.CreateDomain(ctx, d, b); err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}
	started := time.Now().UTC().Add(-time.Hour)
	if err := jobs.CreateJob(ctx, &model.CertJob{ID: uuid.New(), DomainID: d.ID, StartedAt: started}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ids, err := jobs.FailStaleJobs(ctx, started.Add(-time.Minute), model.CodeSSLTimeout, "interrupted by restart")
	if err != nil || len(ids) != 0 {
		t.Fatalf("FailStaleJobs before start = %v, %v", ids, err)
	}
	ids, err = jobs.FailStaleJobs(ctx, started.Add(time.Minute), model.CodeSSLTimeout, "interrupted by restart")
	if err != nil || len(ids) != 1 {
		t.Fatalf("FailStaleJobs = %v, %v", ids, err)
	}
	got, _ := domains.GetDomain(ctx, d.ID)
	if got.SSLStatus != model.SSLFailed || got.LastError == nil || got.LastError.Code != model.CodeSSLTimeout {
		t.Errorf("domain after recovery: %+v", got)
	}
}
