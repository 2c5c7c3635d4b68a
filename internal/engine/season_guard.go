package engine

import (
	"context"
	"sync"
	"time"

	"github.com/montserZalloum/memora/pkg/types"
)

// seasonGuard caches season status for a short time so the hot path does
// not read the season catalog on every request. A zero TTL disables it.
type seasonGuard struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]seasonEntry
}

type seasonEntry struct {
	status    types.SeasonStatus
	expiresAt time.Time
}

func newSeasonGuard(store Store, ttl time.Duration) *seasonGuard {
	return &seasonGuard{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]seasonEntry),
	}
}

// status returns the season's status, or types.SeasonActive when the guard
// is disabled.
func (g *seasonGuard) status(ctx context.Context, name string) (types.SeasonStatus, error) {
	if g.ttl <= 0 {
		return types.SeasonActive, nil
	}

	now := g.now()
	g.mu.Lock()
	entry, ok := g.entries[name]
	g.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.status, nil
	}

	season, err := g.store.GetSeason(ctx, name)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.entries[name] = seasonEntry{status: season.Status, expiresAt: now.Add(g.ttl)}
	g.mu.Unlock()
	return season.Status, nil
}

// forget drops a cached status.
func (g *seasonGuard) forget(name string) {
	g.mu.Lock()
	delete(g.entries, name)
	g.mu.Unlock()
}
