package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "hostdomains:inflight:"
	coolingValue     = "cooling"
	// defaultRedisTTL keeps a crashed holder from blocking a key forever.
	defaultRedisTTL = 15 * time.Minute
)

// releaseScript swaps the holder's token for a cool-down marker (or deletes the
// key when there is no cool-down), but only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call("SET", KEYS[1], ARGV[3], "PX", ARGV[2])
else
	redis.call("DEL", KEYS[1])
end
return 1
`)

// RedisGuard is a Guard shared by every replica through Redis SET NX PX.
type RedisGuard struct {
	client *redis.Client
	opts   Options
	prefix string

	mu    sync.Mutex
	owned map[string]string // key -> token
}

// RedisGuardOption configures a RedisGuard.
type RedisGuardOption func(*RedisGuard)

// WithKeyPrefix namespaces the guard's keys.
func WithKeyPrefix(prefix string) RedisGuardOption {
	return func(g *RedisGuard) { g.prefix = prefix }
}

// NewRedisGuard creates a RedisGuard. A zero TTL defaults to 15 minutes.
func NewRedisGuard(client *redis.Client, opts Options, options ...RedisGuardOption) *RedisGuard {
	if opts.TTL <= 0 {
		opts.TTL = defaultRedisTTL
	}
	g := &RedisGuard{client: client, opts: opts, prefix: defaultKeyPrefix, owned: make(map[string]string)}
	for _, opt := range options {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.prefix+key, token, g.opts.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("inflight acquire %s: %w", key, err)
	}
	if !ok {
		val, err := g.client.Get(ctx, g.prefix+key).Result()
		if err == nil && val == coolingValue {
			return nil, ErrCoolingDown
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("inflight inspect %s: %w", key, err)
		}
		return nil, ErrInFlight
	}

	g.mu.Lock()
	g.owned[key] = token
	g.mu.Unlock()
	return &Lease{key: key, token: token, owner: g}, nil
}

func (g *RedisGuard) release(ctx context.Context, key, token string) error {
	g.mu.Lock()
	if g.owned[key] == token {
		delete(g.owned, key)
	}
	g.mu.Unlock()

	err := releaseScript.Run(ctx, g.client, []string{g.prefix + key},
		token, g.opts.Cooldown.Milliseconds(), coolingValue).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("inflight release %s: %w", key, err)
	}
	return nil
}

// ReleaseAll implements Guard. Only keys held by this guard are touched.
func (g *RedisGuard) ReleaseAll(ctx context.Context) error {
	g.mu.Lock()
	owned := g.owned
	g.owned = make(map[string]string)
	g.mu.Unlock()

	var errs []error
	for key, token := range owned {
		if err := releaseScript.Run(ctx, g.client, []string{g.prefix + key}, token, 0, coolingValue).Err(); err != nil && !errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("inflight release %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
