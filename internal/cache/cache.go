// Package cache implements the per-(user, season) schedule cache on Redis
// sorted sets. Members are item IDs and scores are due times in float
// seconds since the epoch, so "what is due now" is a single ranged read.
//
// The cache is never the source of truth. Any key may disappear (idle
// expiry, restart, eviction) and is rebuilt from the durable store by
// DueItemsWithRehydration.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/pkg/types"
)

var (
	// Error is the error class for cache misuse and loader failures.
	Error = errs.Class("cache")

	// ErrUnavailable wraps failures talking to Redis. It is non-fatal:
	// callers switch to safe mode.
	ErrUnavailable = errs.Class("cache unavailable")

	mon = monkit.Package()
)

// DefaultTTL is the idle expiry applied to a schedule key on first write.
const DefaultTTL = 30 * 24 * time.Hour

// Loader reads a full schedule from the durable store.
type Loader interface {
	LoadSchedule(ctx context.Context, userID, season string) ([]types.MemoryItem, error)
}

// Config tunes the cache.
type Config struct {
	// KeyPrefix is prepended to every schedule key (default "srs:").
	KeyPrefix string
	// DefaultTTL applies when Upsert is called without a TTL.
	DefaultTTL time.Duration
	// OpTimeout bounds each Redis round trip; zero disables it.
	OpTimeout time.Duration
	// ScanCount is the SCAN COUNT hint used by PurgeSeason and Stats.
	ScanCount int64
}

func (cfg *Config) setDefaults() {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 500
	}
}

// Entry is one scheduled item.
type Entry struct {
	ItemID string    `json:"item_id"`
	Due    time.Time `json:"due"`
}

// ScheduleCache is the Redis-backed schedule cache.
type ScheduleCache struct {
	client redis.UniversalClient
	loader Loader
	cfg    Config
	log    *zap.Logger
}

// New returns a ScheduleCache using client. loader may be nil when
// rehydration is not needed.
func New(client redis.UniversalClient, loader Loader, cfg Config, log *zap.Logger) *ScheduleCache {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	return &ScheduleCache{
		client: client,
		loader: loader,
		cfg:    cfg,
		log:    log.Named("cache"),
	}
}

// Open returns a Redis client, verifying a successful connection.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, ErrUnavailable.New("ping %s failed: %v", addr, err)
	}
	return client, nil
}

// Client exposes the underlying Redis client.
func (c *ScheduleCache) Client() redis.UniversalClient { return c.client }

// Key returns the Redis key of a schedule.
func (c *ScheduleCache) Key(key types.ScheduleKey) string {
	return c.cfg.KeyPrefix + key.String()
}

func (c *ScheduleCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return ErrUnavailable.Wrap(err)
}

func formatScore(t time.Time) string {
	return strconv.FormatFloat(types.ToScore(t), 'f', -1, 64)
}

// upsertScript adds score/member pairs and sets the TTL only when the key
// has none, so repeated writes never extend an existing expiry.
//
// KEYS[1] schedule key, ARGV[1] ttl seconds, ARGV[2..] score/member pairs.
var upsertScript = redis.NewScript(`
local added = 0
for i = 2, #ARGV, 2 do
	added = added + redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
if redis.call('TTL', KEYS[1]) == -1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return added
`)

// correctScript writes a member only when the key still exists.
var correctScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// batchChunk bounds the number of pairs sent in one script call.
const batchChunk = 500

// Upsert sets the due time of one item. A TTL of zero means the default.
func (c *ScheduleCache) Upsert(ctx context.Context, key types.ScheduleKey, itemID string, due time.Time, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	return c.UpsertBatch(ctx, key, []Entry{{ItemID: itemID, Due: due}}, ttl)
}

// UpsertBatch sets the due time of many items of one schedule.
func (c *ScheduleCache) UpsertBatch(ctx context.Context, key types.ScheduleKey, entries []Entry, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.UserID == "" || key.Season == "" {
		return Error.New("user and season are required")
	}
	if len(entries) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rkey := c.Key(key)
	for start := 0; start < len(entries); start += batchChunk {
		end := start + batchChunk
		if end > len(entries) {
			end = len(entries)
		}
		args := make([]any, 0, 1+2*(end-start))
		args = append(args, ttlSeconds)
		for _, e := range entries[start:end] {
			if e.ItemID == "" {
				return Error.New("item id is required")
			}
			args = append(args, formatScore(e.Due), e.ItemID)
		}
		if err := upsertScript.Run(ctx, c.client, []string{rkey}, args...).Err(); unavailable(err) != nil {
			return unavailable(err)
		}
	}
	return nil
}

// DueItems returns up to limit items with due <= now in ascending due
// order. A limit <= 0 returns every due item. It has no side effects.
func (c *ScheduleCache) DueItems(ctx context.Context, key types.ScheduleKey, limit int, now time.Time) (_ []Entry, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	zs, err := c.client.ZRangeByScoreWithScores(ctx, c.Key(key), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return toEntries(zs), nil
}

// AllScores returns every member of the schedule ordered by due time.
func (c *ScheduleCache) AllScores(ctx context.Context, key types.ScheduleKey) (_ []Entry, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	zs, err := c.client.ZRangeWithScores(ctx, c.Key(key), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return toEntries(zs), nil
}

func toEntries(zs []redis.Z) []Entry {
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{ItemID: member, Due: types.FromScore(z.Score)})
	}
	return entries
}

// Remove deletes items from a schedule.
func (c *ScheduleCache) Remove(ctx context.Context, key types.ScheduleKey, itemIDs ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(itemIDs) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	members := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		members[i] = id
	}
	return unavailable(c.client.ZRem(ctx, c.Key(key), members...).Err())
}

// Clear deletes a whole schedule.
func (c *ScheduleCache) Clear(ctx context.Context, key types.ScheduleKey) (err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return unavailable(c.client.Del(ctx, c.Key(key)).Err())
}

// Exists reports whether the schedule key is present.
func (c *ScheduleCache) Exists(ctx context.Context, key types.ScheduleKey) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.client.Exists(ctx, c.Key(key)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

// TTL returns the remaining time to live of a schedule key, or a negative
// duration when the key has no expiry or does not exist.
func (c *ScheduleCache) TTL(ctx context.Context, key types.ScheduleKey) (time.Duration, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	d, err := c.client.TTL(ctx, c.Key(key)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return d, nil
}

// Ping verifies Redis is reachable.
func (c *ScheduleCache) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return unavailable(c.client.Ping(ctx).Err())
}

// IsAvailable reports whether a ping succeeds.
func (c *ScheduleCache) IsAvailable(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// DueItemsWithRehydration behaves like DueItems, except that an empty
// result for a schedule whose key is missing triggers a reload of the full
// schedule from the durable store. The reload is idempotent, so concurrent
// callers racing on the same key need no lock. The boolean reports whether
// a rehydration happened.
func (c *ScheduleCache) DueItemsWithRehydration(ctx context.Context, key types.ScheduleKey, limit int, now time.Time) (_ []Entry, rehydrated bool, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := c.DueItems(ctx, key, limit, now)
	if err != nil || len(entries) > 0 {
		return entries, false, err
	}

	exists, err := c.Exists(ctx, key)
	if err != nil || exists {
		return entries, false, err
	}
	if c.loader == nil {
		return entries, false, nil
	}

	items, err := c.loader.LoadSchedule(ctx, key.UserID, key.Season)
	if err != nil {
		return nil, false, Error.Wrap(fmt.Errorf("rehydrate %s: %w", key, err))
	}
	if len(items) == 0 {
		return entries, false, nil
	}

	all := make([]Entry, 0, len(items))
	for _, item := range items {
		all = append(all, Entry{ItemID: item.ItemID, Due: item.NextReviewAt})
	}
	if err := c.UpsertBatch(ctx, key, all, c.cfg.DefaultTTL); err != nil {
		return nil, false, err
	}
	mon.Counter("rehydrations").Inc(1)
	c.log.Debug("rehydrated schedule", zap.Stringer("key", key), zap.Int("items", len(all)))

	return dueSubset(all, limit, now), true, nil
}

// dueSubset mirrors DueItems on an in-memory schedule.
func dueSubset(all []Entry, limit int, now time.Time) []Entry {
	due := make([]Entry, 0, len(all))
	for _, e := range all {
		if !e.Due.After(now) {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].ItemID < due[j].ItemID
		}
		return due[i].Due.Before(due[j].Due)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

// escapeGlob escapes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
