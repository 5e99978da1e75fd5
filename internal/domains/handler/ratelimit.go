package handler

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"golang.org/x/time/rate"
)

// limiterIdle is how long a caller's bucket survives without requests.
const limiterIdle = 10 * time.Minute

// callerLimiter holds one token bucket per client address. Idle buckets are
// swept during Take, at most once per limiterIdle, so no goroutine outlives
// the router.
type callerLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*callerBucket
	lastSweep time.Time
}

type callerBucket struct {
	*rate.Limiter
	seen time.Time
}

func newCallerLimiter(rps float64, burst int) *callerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*callerBucket),
	}
}

// take spends one token for key. When the bucket is empty it returns how long
// until a token is available.
func (l *callerLimiter) take(key string) (time.Duration, bool) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= limiterIdle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= limiterIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &callerBucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	r := b.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (l *callerLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimiter limits each client IP to rps requests per second with the given
// burst. Refusals are TOO_MANY_REQUESTS envelopes with Retry-After. A
// non-positive rps disables limiting.
func RateLimiter(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return newCallerLimiter(rps, burst).middleware
}

func (l *callerLimiter) middleware(c *gin.Context) {
	wait, ok := l.take(c.ClientIP())
	if ok {
		c.Next()
		return
	}
	fail(c, &model.Error{Code: model.CodeTooManyRequests, Message: "too many requests", RetryAfter: wait})
}
