package cache

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/pkg/types"
)

// PurgeSeason deletes every schedule key of a season using SCAN MATCH, so
// it never blocks Redis the way KEYS would. It returns the number of keys
// deleted.
func (c *ScheduleCache) PurgeSeason(ctx context.Context, season string) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := types.ValidateSeasonName(season); err != nil {
		return 0, Error.Wrap(err)
	}

	pattern := escapeGlob(c.cfg.KeyPrefix) + "*:" + escapeGlob(season)
	it := c.client.Scan(ctx, 0, pattern, c.cfg.ScanCount).Iterator()

	batch := make([]string, 0, c.cfg.ScanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return unavailable(err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if int64(len(batch)) >= c.cfg.ScanCount {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return deleted, unavailable(err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	c.log.Info("purged season from cache", zap.String("season", season), zap.Int("keys", deleted))
	return deleted, nil
}

// Stats summarises the cache for the operator status endpoint.
type Stats struct {
	Connected    bool           `json:"connected"`
	UsedMemory   int64          `json:"used_memory_bytes"`
	KeysBySeason map[string]int `json:"keys_by_season"`
	TotalKeys    int            `json:"total_keys"`
}

// Stats scans every schedule key and groups the count by season. Memory
// usage comes from INFO memory and is -1 when the server does not report it.
func (c *ScheduleCache) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	stats := Stats{UsedMemory: -1, KeysBySeason: map[string]int{}}
	if err := c.Ping(ctx); err != nil {
		return stats, nil
	}
	stats.Connected = true

	if info, err := c.client.Info(ctx, "memory").Result(); err == nil {
		stats.UsedMemory = parseUsedMemory(info)
	}

	it := c.client.Scan(ctx, 0, escapeGlob(c.cfg.KeyPrefix)+"*", c.cfg.ScanCount).Iterator()
	for it.Next(ctx) {
		key, ok := types.ParseScheduleKey(strings.TrimPrefix(it.Val(), c.cfg.KeyPrefix))
		if !ok {
			continue
		}
		stats.KeysBySeason[key.Season]++
		stats.TotalKeys++
	}
	if err := it.Err(); err != nil {
		return stats, unavailable(err)
	}
	return stats, nil
}

func parseUsedMemory(info string) int64 {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return -1
}

// Ref addresses one member of one schedule.
type Ref struct {
	Key    types.ScheduleKey
	ItemID string
}

// LookupResult is the cache state of a Ref.
type LookupResult struct {
	KeyExists bool
	Found     bool
	Due       time.Time
}

// Lookup fetches the scores of many members in one pipelined round trip.
func (c *ScheduleCache) Lookup(ctx context.Context, refs []Ref) (_ []LookupResult, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(refs) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	exists := make([]*redis.IntCmd, len(refs))
	scores := make([]*redis.FloatCmd, len(refs))
	for i, ref := range refs {
		rkey := c.Key(ref.Key)
		exists[i] = pipe.Exists(ctx, rkey)
		scores[i] = pipe.ZScore(ctx, rkey, ref.ItemID)
	}
	if _, err := pipe.Exec(ctx); unavailable(err) != nil {
		return nil, unavailable(err)
	}

	out := make([]LookupResult, len(refs))
	for i := range refs {
		out[i].KeyExists = exists[i].Val() == 1
		score, err := scores[i].Result()
		switch {
		case err == nil:
			out[i].Found = true
			out[i].Due = types.FromScore(score)
		case unavailable(err) != nil:
			return nil, unavailable(err)
		}
	}
	return out, nil
}

// Correct overwrites one member's due time, but only while the schedule key
// exists; it never recreates an expired schedule with a single member.
// It reports whether the write happened.
func (c *ScheduleCache) Correct(ctx context.Context, key types.ScheduleKey, itemID string, due time.Time) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := correctScript.Run(ctx, c.client, []string{c.Key(key)}, formatScore(due), itemID).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}
