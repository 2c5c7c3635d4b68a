package safemode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cause identifies which limit rejected a fallback query.
type Cause string

// Rate limit causes
const (
	CauseGlobal Cause = "global"
	CauseUser   Cause = "user"
)

// RateLimitError is returned when a fallback query is rejected. It is one of
// the two user-visible failure kinds.
type RateLimitError struct {
	Cause      Cause
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("safe mode rate limit exceeded (%s), retry after %s", e.Cause, e.RetryAfter)
}

// IsRateLimited reports whether err is a *RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Limits are the fallback admission limits.
type Limits struct {
	// GlobalLimit accepted queries per GlobalWindow across all users. Default: 500.
	GlobalLimit int
	// GlobalWindow starts with the first accepted query. Default: 60s.
	GlobalWindow time.Duration
	// UserInterval is the minimum gap between two accepted queries of one
	// user. Default: 30s.
	UserInterval time.Duration
}

func (l *Limits) setDefaults() {
	if l.GlobalLimit <= 0 {
		l.GlobalLimit = 500
	}
	if l.GlobalWindow <= 0 {
		l.GlobalWindow = 60 * time.Second
	}
	if l.UserInterval <= 0 {
		l.UserInterval = 30 * time.Second
	}
}

// Gate admits or rejects fallback queries. Both limits are checked and the
// counters mutated as one atomic step: a rejected call never increments
// anything.
type Gate interface {
	Allow(ctx context.Context, userID string) error
	// Reset clears the per-user marker, used by operators and tests.
	Reset(ctx context.Context, userID string) error
}

// MemoryGate is a per-process Gate.
type MemoryGate struct {
	limits Limits
	now    func() time.Time

	mu          sync.Mutex
	globalCount int
	windowEnd   time.Time
	users       map[string]time.Time // user -> marker expiry
	sweepAt     time.Time
}

// NewMemoryGate returns an in-process gate.
func NewMemoryGate(limits Limits) *MemoryGate {
	limits.setDefaults()
	return &MemoryGate{
		limits: limits,
		now:    time.Now,
		users:  make(map[string]time.Time),
	}
}

// Allow implements Gate.
func (g *MemoryGate) Allow(ctx context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !now.Before(g.windowEnd) {
		g.globalCount = 0
	}
	if g.globalCount >= g.limits.GlobalLimit {
		return &RateLimitError{Cause: CauseGlobal, RetryAfter: g.windowEnd.Sub(now)}
	}
	if expiry, ok := g.users[userID]; ok && now.Before(expiry) {
		return &RateLimitError{Cause: CauseUser, RetryAfter: expiry.Sub(now)}
	}

	g.users[userID] = now.Add(g.limits.UserInterval)
	g.globalCount++
	if g.globalCount == 1 {
		g.windowEnd = now.Add(g.limits.GlobalWindow)
	}
	g.sweep(now)
	return nil
}

// sweep drops expired user markers at most once per user interval.
func (g *MemoryGate) sweep(now time.Time) {
	if now.Before(g.sweepAt) {
		return
	}
	for user, expiry := range g.users {
		if !now.Before(expiry) {
			delete(g.users, user)
		}
	}
	g.sweepAt = now.Add(g.limits.UserInterval)
}

// Reset implements Gate.
func (g *MemoryGate) Reset(ctx context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, userID)
	return nil
}

// allowScript checks the global counter, then the user marker, and only
// when both pass sets the marker and increments the counter. The counter
// expiry is set only when the counter is created.
//
// KEYS[1] global counter, KEYS[2] user marker.
// ARGV[1] global limit, ARGV[2] window ms, ARGV[3] user interval ms.
// Returns {0, 0} when allowed, or {cause, retry ms} with cause 1=global, 2=user.
var allowScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return {1, redis.call('PTTL', KEYS[1])}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {2, redis.call('PTTL', KEYS[2])}
end
redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {0, 0}
`)

// RedisGate is a Gate shared by every process talking to the same Redis.
type RedisGate struct {
	client redis.UniversalClient
	limits Limits
	prefix string
}

// NewRedisGate returns a Redis-backed gate. Keys are namespaced by prefix.
func NewRedisGate(client redis.UniversalClient, prefix string, limits Limits) *RedisGate {
	limits.setDefaults()
	return &RedisGate{client: client, limits: limits, prefix: prefix}
}

func (g *RedisGate) globalKey() string { return g.prefix + "safemode:global" }

func (g *RedisGate) userKey(userID string) string { return g.prefix + "safemode:user:" + userID }

// Allow implements Gate.
func (g *RedisGate) Allow(ctx context.Context, userID string) error {
	res, err := allowScript.Run(ctx, g.client,
		[]string{g.globalKey(), g.userKey(userID)},
		g.limits.GlobalLimit, g.limits.GlobalWindow.Milliseconds(), g.limits.UserInterval.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Error.Wrap(err)
	}
	if len(res) != 2 {
		return Error.New("unexpected limiter reply %v", res)
	}

	retry := time.Duration(max(res[1], 0)) * time.Millisecond
	switch res[0] {
	case 0:
		return nil
	case 1:
		return &RateLimitError{Cause: CauseGlobal, RetryAfter: retry}
	default:
		return &RateLimitError{Cause: CauseUser, RetryAfter: retry}
	}
}

// Reset implements Gate.
func (g *RedisGate) Reset(ctx context.Context, userID string) error {
	return Error.Wrap(g.client.Del(ctx, g.userKey(userID)).Err())
}

// FallbackGate uses a primary gate and switches to a secondary one when the
// primary itself fails. The limiter usually lives next to the cache, so it
// must not become unusable exactly when safe mode needs it.
type FallbackGate struct {
	primary   Gate
	secondary Gate
	log       *zap.Logger
}

// NewFallbackGate combines two gates.
func NewFallbackGate(primary, secondary Gate, log *zap.Logger) *FallbackGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackGate{primary: primary, secondary: secondary, log: log}
}

// Allow implements Gate.
func (g *FallbackGate) Allow(ctx context.Context, userID string) error {
	err := g.primary.Allow(ctx, userID)
	if err == nil || IsRateLimited(err) {
		return err
	}
	g.log.Warn("shared rate limiter unavailable, using in-process limits", zap.Error(err))
	mon.Event("rate_limiter_fallback")
	return g.secondary.Allow(ctx, userID)
}

// Reset implements Gate.
func (g *FallbackGate) Reset(ctx context.Context, userID string) error {
	return errors.Join(g.primary.Reset(ctx, userID), g.secondary.Reset(ctx, userID))
}
