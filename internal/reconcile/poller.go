// Package reconcile drives status checks for domains that are waiting on an
// asynchronous step.
//
// The poller keeps a processing set that it re-lists from its Target on every
// interval. Entries that need an explicit status check get one, deduplicated
// per domain through an inflight.Guard with a cool-down after each check. The
// interval timer only runs while the set is non-empty.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/inflight"
	"github.com/jmerrifield20/hostdomains/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is one status observation of a domain.
type Result struct {
	DomainID uuid.UUID
	// ObservedAt is the server time of the observation. Results for the same
	// domain are ordered by it, never by arrival.
	ObservedAt time.Time
	Updated    bool
	// Payload is the target-specific result, e.g. *model.CheckResult.
	Payload any
}

// Target is what the poller observes.
type Target interface {
	// Processing lists the domains still waiting on an asynchronous step. The
	// value reports whether the domain needs an explicit status check.
	Processing(ctx context.Context) (map[uuid.UUID]bool, error)
	// Check runs one status check.
	Check(ctx context.Context, id uuid.UUID) (Result, error)
}

// Options tunes a Poller.
type Options struct {
	// Interval between re-lists. Default 5s.
	Interval time.Duration
	// Cooldown keeps a domain from being checked again right after a check.
	// Default 3s.
	Cooldown time.Duration
	// Concurrency bounds checks running at once. Default 4.
	Concurrency int
	// CheckTimeout bounds one check. Default 30s.
	CheckTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 3 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 30 * time.Second
	}
	return o
}

// ErrClosed is returned by operations on a closed poller.
var ErrClosed = errors.New("reconcile: poller closed")

// Poller is the status reconciliation loop.
type Poller struct {
	target Target
	guard  inflight.Guard
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	set      map[uuid.UUID]bool
	fresh    map[uuid.UUID]bool
	running  bool
	stop     chan struct{}
	done     chan struct{}
	closed   bool
	onResult func(Result)
}

// New creates a Poller. A nil guard gets an in-process guard using
// opts.Cooldown.
func New(target Target, guard inflight.Guard, opts Options, logger *zap.Logger) *Poller {
	opts = opts.withDefaults()
	if guard == nil {
		guard = inflight.NewMemoryGuard(inflight.Options{TTL: opts.CheckTimeout, Cooldown: opts.Cooldown})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		target: target,
		guard:  guard,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		set:    make(map[uuid.UUID]bool),
		fresh:  make(map[uuid.UUID]bool),
	}
}

// OnResult registers fn to receive every successful check result. Call it
// before Track or Sync.
func (p *Poller) OnResult(fn func(Result)) {
	p.mu.Lock()
	p.onResult = fn
	p.mu.Unlock()
}

// Track adds id to the processing set and starts the loop if it was idle.
// The id stays tracked until a re-list no longer reports it.
func (p *Poller) Track(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.fresh[id] = true
	if _, ok := p.set[id]; !ok {
		// The next re-list decides whether it needs a check.
		p.set[id] = false
	}
	metrics.SetProcessing(len(p.set))
	p.startLocked()
}

// Sync re-lists the processing set now and starts or stops the loop to match.
// The server calls it once at startup to seed the set from the store.
func (p *Poller) Sync(ctx context.Context) error {
	set, err := p.target.Processing(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.replaceLocked(set)
	if len(p.set) > 0 {
		p.startLocked()
	}
	return nil
}

// Tracked returns the current processing set.
func (p *Poller) Tracked() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uuid.UUID, 0, len(p.set))
	for id := range p.set {
		out = append(out, id)
	}
	return out
}

// Running reports whether the interval timer is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Close stops the timer, waits for in-flight checks to return, and releases
// every in-flight marker. Issuance jobs started elsewhere are not affected.
func (p *Poller) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var done chan struct{}
	if p.running {
		close(p.stop)
		done = p.done
		p.running = false
	}
	p.mu.Unlock()

	p.cancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	metrics.SetProcessing(0)
	return p.guard.ReleaseAll(ctx)
}

func (p *Poller) startLocked() {
	if p.running || p.closed {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
}

func (p *Poller) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !p.tick() {
			return
		}
	}
}

// tick runs one interval. It returns false once the set is empty and the loop
// has been marked stopped.
func (p *Poller) tick() bool {
	p.mu.Lock()
	due := make([]uuid.UUID, 0, len(p.set))
	for id, needsCheck := range p.set {
		if needsCheck {
			due = append(due, id)
		}
	}
	p.mu.Unlock()

	p.checkAll(due)

	set, err := p.target.Processing(p.ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if err != nil {
		p.logger.Warn("reconcile: list processing domains", zap.Error(err))
	} else {
		p.replaceLocked(set)
	}
	if len(p.set) == 0 {
		p.running = false
		p.logger.Debug("reconcile: processing set empty, poller idle")
		return false
	}
	return true
}

// replaceLocked swaps in a fresh listing, keeping ids tracked since the last
// listing so a Track racing a re-list is not lost.
func (p *Poller) replaceLocked(set map[uuid.UUID]bool) {
	next := make(map[uuid.UUID]bool, len(set)+len(p.fresh))
	for id, needsCheck := range set {
		next[id] = needsCheck
	}
	for id := range p.fresh {
		if _, ok := next[id]; !ok {
			// Tracked but not listed yet; drop it on the next listing.
			next[id] = p.set[id]
		}
	}
	p.set = next
	p.fresh = make(map[uuid.UUID]bool)
	metrics.SetProcessing(len(p.set))
}

func (p *Poller) checkAll(ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			p.checkOne(id)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

func (p *Poller) checkOne(id uuid.UUID) {
	lease, err := p.guard.Acquire(p.ctx, "poll:"+id.String())
	if err != nil {
		if inflight.IsBusy(err) {
			metrics.RecordPollerCheck("skipped")
			return
		}
		p.logger.Warn("reconcile: acquire guard", zap.String("domain_id", id.String()), zap.Error(err))
		return
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(p.ctx)); err != nil {
			p.logger.Warn("reconcile: release guard", zap.String("domain_id", id.String()), zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.CheckTimeout)
	defer cancel()
	res, err := p.target.Check(ctx, id)
	if err != nil {
		metrics.RecordPollerCheck("error")
		if p.ctx.Err() == nil {
			p.logger.Warn("reconcile: status check failed", zap.String("domain_id", id.String()), zap.Error(err))
		}
		return
	}
	if res.Updated {
		metrics.RecordPollerCheck("updated")
	} else {
		metrics.RecordPollerCheck("unchanged")
	}

	p.mu.Lock()
	fn := p.onResult
	p.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}
