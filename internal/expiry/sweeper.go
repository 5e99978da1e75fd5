// Package expiry watches issued certificates across all owners. Domains that
// are no longer processing are never polled, so without a sweep an expired
// certificate would only be noticed on the next explicit status check.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/metrics"
	"go.uber.org/zap"
)

// Config holds sweep configuration.
type Config struct {
	// Interval between sweeps. Default 1h.
	Interval time.Duration
	// WarnBefore is how long before expiry a certificate.expiring event is
	// published. Default 14 days.
	WarnBefore time.Duration
	// SweepTimeout bounds one sweep. Default 5m.
	SweepTimeout time.Duration
	// Concurrency bounds reconciliations running at once. Default 4.
	Concurrency int
}

// Source is the domain service as the sweeper sees it.
// *service.Service satisfies it.
type Source interface {
	ExpiringDomains(ctx context.Context, before time.Time) ([]model.Domain, error)
	Reconcile(ctx context.Context, id uuid.UUID) (*model.CheckResult, error)
}

// Sweeper runs periodic expiry sweeps.
type Sweeper struct {
	source    Source
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	warned map[uuid.UUID]time.Time // domain -> expiry already warned about
}

// Stats summarises one sweep.
type Stats struct {
	Expired int
	Warned  int
	Errors  int
}

// New creates a Sweeper. A nil publisher drops warnings.
func New(source Source, publisher events.Publisher, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.WarnBefore <= 0 {
		cfg.WarnBefore = 14 * 24 * time.Hour
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Sweeper{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		warned:    make(map[uuid.UUID]time.Time),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
		st := s.Sweep(sweepCtx)
		cancel()
		if st.Expired > 0 || st.Warned > 0 || st.Errors > 0 {
			s.logger.Info("expiry: sweep finished",
				zap.Int("expired", st.Expired),
				zap.Int("warned", st.Warned),
				zap.Int("errors", st.Errors),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every domain whose certificate has expired and publishes a
// warning, once per certificate, for those expiring within WarnBefore.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	now := s.now()
	domains, err := s.source.ExpiringDomains(ctx, now.Add(s.cfg.WarnBefore))
	if err != nil {
		s.logger.Error("expiry: list expiring domains", zap.Error(err))
		return Stats{Errors: 1}
	}

	var (
		mu    sync.Mutex
		stats Stats
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, s.cfg.Concurrency)
	seen := make(map[uuid.UUID]bool, len(domains))

	for _, d := range domains {
		seen[d.ID] = true
		if !d.CertExpired(now) {
			if s.warn(ctx, d) {
				mu.Lock()
				stats.Warned++
				mu.Unlock()
			}
			continue
		}

		wg.Add(1)
		go func(d model.Domain) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// CheckStatus moves the certificate to expired and fails its bindings.
			_, err := s.source.Reconcile(ctx, d.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.RecordExpiryCheck("error")
				stats.Errors++
				s.logger.Warn("expiry: reconcile expired domain",
					zap.String("domain", d.FQDN),
					zap.Error(err),
				)
				return
			}
			metrics.RecordExpiryCheck("expired")
			stats.Expired++
		}(d)
	}
	wg.Wait()

	s.mu.Lock()
	for id := range s.warned {
		if !seen[id] {
			delete(s.warned, id)
		}
	}
	s.mu.Unlock()
	return stats
}

// warn publishes certificate.expiring for d unless this expiry was already
// announced. A renewed certificate has a new expiry and is announced again.
func (s *Sweeper) warn(ctx context.Context, d model.Domain) bool {
	s.mu.Lock()
	prev, ok := s.warned[d.ID]
	if ok && prev.Equal(*d.CertExpiresAt) {
		s.mu.Unlock()
		metrics.RecordExpiryCheck("already_warned")
		return false
	}
	s.warned[d.ID] = *d.CertExpiresAt
	s.mu.Unlock()

	metrics.RecordExpiryCheck("warned")
	s.logger.Warn("expiry: certificate expiring soon",
		zap.String("domain", d.FQDN),
		zap.Time("expires_at", *d.CertExpiresAt),
	)
	e := events.New(events.TypeCertificateExpiring, d.ID, d.FQDN, d.OwnerID, map[string]string{
		"expires_at": d.CertExpiresAt.Format(time.RFC3339),
	})
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("expiry: publish warning", zap.String("domain", d.FQDN), zap.Error(err))
	}
	return true
}
