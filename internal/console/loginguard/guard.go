// Package loginguard tracks login attempts that are in flight so that repeated
// submissions from the same console session collapse into a single sign-in call.
package loginguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a slot can stay held if its owner never releases it.
const DefaultTTL = 30 * time.Second

// ErrEmptyKey is returned when TryAcquire is called without a key.
var ErrEmptyKey = errors.New("loginguard: key is required")

// Guard hands out one in-flight slot per key.
type Guard interface {
	// TryAcquire reports whether the caller now owns the slot for key. When ok is
	// true the caller must invoke release once the attempt is over.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// MemoryGuard keeps slots in process memory. Suitable for single-instance deployments.
type MemoryGuard struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	slots map[string]memorySlot
}

type memorySlot struct {
	token   string
	expires time.Time
}

// MemoryOption customises a MemoryGuard.
type MemoryOption func(*MemoryGuard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGuard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewMemoryGuard constructs an in-memory guard. A non-positive ttl selects DefaultTTL.
func NewMemoryGuard(ttl time.Duration, opts ...MemoryOption) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &MemoryGuard{
		ttl:   ttl,
		now:   time.Now,
		slots: make(map[string]memorySlot),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryAcquire implements Guard.
func (g *MemoryGuard) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return noop, false, ErrEmptyKey
	}

	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if slot, held := g.slots[key]; held && now.Before(slot.expires) {
		return noop, false, nil
	}
	token := uuid.NewString()
	g.slots[key] = memorySlot{token: token, expires: now.Add(g.ttl)}

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if slot, held := g.slots[key]; held && slot.token == token {
				delete(g.slots, key)
			}
		})
	}
	return release, true, nil
}

// RedisGuard stores slots in Redis so that every console instance sees them.
type RedisGuard struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// releaseScript deletes the slot only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisGuard constructs a Redis backed guard. A non-positive ttl selects DefaultTTL.
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if client == nil {
		panic("loginguard: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl, prefix: "clinic-console:login:"}
}

// TryAcquire implements Guard.
func (g *RedisGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return noop, false, ErrEmptyKey
	}
	redisKey := g.prefix + key
	token := uuid.NewString()

	acquired, err := g.client.SetNX(ctx, redisKey, token, g.ttl).Result()
	if err != nil {
		return noop, false, fmt.Errorf("loginguard: acquire %s: %w", key, err)
	}
	if !acquired {
		return noop, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The request context may already be cancelled when the attempt ends.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, g.client, []string{redisKey}, token).Err()
		})
	}
	return release, true, nil
}

func noop() {}
