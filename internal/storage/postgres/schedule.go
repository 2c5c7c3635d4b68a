package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

func stamp(item *types.MemoryItem) int64 {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	return storage.Millis(item.UpdatedAt)
}

// CreateItem inserts a new schedule row.
func (s *Store) CreateItem(ctx context.Context, item *types.MemoryItem) error {
	if item == nil {
		return fmt.Errorf("postgres: %w: item is nil", storage.ErrInvalidInput)
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("postgres: %w: %v", storage.ErrInvalidInput, err)
	}

	now := stamp(item)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, 1)`,
		item.UserID, item.Season, item.ItemID, int(item.Stability),
		storage.Millis(item.NextReviewAt), storage.Millis(item.LastReviewAt),
		item.Subject, item.Topic, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: %s/%s/%s: %w", item.UserID, item.Season, item.ItemID, storage.ErrDuplicate)
		}
		return fmt.Errorf("postgres: failed to create schedule row: %w", err)
	}
	item.CreatedAt = item.UpdatedAt
	item.Revision = 1
	return nil
}

// GetItem returns a single schedule row.
func (s *Store) GetItem(ctx context.Context, userID, season, itemID string) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM schedule
		WHERE user_id = $1 AND season = $2 AND item_id = $3`,
		userID, season, itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get schedule row: %w", err)
	}
	return &item, nil
}

// UpdateItem overwrites the review state of an existing row. Empty subject
// or topic keeps the stored value.
func (s *Store) UpdateItem(ctx context.Context, item *types.MemoryItem) error {
	if item == nil {
		return fmt.Errorf("postgres: %w: item is nil", storage.ErrInvalidInput)
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("postgres: %w: %v", storage.ErrInvalidInput, err)
	}

	now := stamp(item)
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET
			stability = $1,
			next_review_at = $2,
			last_review_at = $3,
			subject = COALESCE(NULLIF($4, ''), subject),
			topic = COALESCE(NULLIF($5, ''), topic),
			updated_at = $6,
			revision = revision + 1
		WHERE user_id = $7 AND season = $8 AND item_id = $9`,
		int(item.Stability), storage.Millis(item.NextReviewAt), storage.Millis(item.LastReviewAt),
		item.Subject, item.Topic, now, item.UserID, item.Season, item.ItemID,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update schedule row: %w", err)
	}
	return requireRow(result)
}

// UpsertItem inserts or updates a row in one statement; see
// storage.AtomicUpserter.
func (s *Store) UpsertItem(ctx context.Context, item *types.MemoryItem, window time.Duration) (storage.UpsertResult, error) {
	if item == nil {
		return 0, fmt.Errorf("postgres: %w: item is nil", storage.ErrInvalidInput)
	}
	if err := item.Validate(); err != nil {
		return 0, fmt.Errorf("postgres: %w: %v", storage.ErrInvalidInput, err)
	}

	now := stamp(item)
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO schedule AS cur (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, 1)
		ON CONFLICT (user_id, season, item_id) DO UPDATE SET
			stability = EXCLUDED.stability,
			next_review_at = EXCLUDED.next_review_at,
			last_review_at = EXCLUDED.last_review_at,
			subject = COALESCE(NULLIF(EXCLUDED.subject, ''), cur.subject),
			topic = COALESCE(NULLIF(EXCLUDED.topic, ''), cur.topic),
			updated_at = EXCLUDED.updated_at,
			revision = cur.revision + 1
		WHERE cur.updated_at <= $10
		RETURNING revision`,
		item.UserID, item.Season, item.ItemID, int(item.Stability),
		storage.Millis(item.NextReviewAt), storage.Millis(item.LastReviewAt),
		item.Subject, item.Topic, now, now-window.Milliseconds(),
	).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.UpsertSkipped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to upsert schedule row: %w", err)
	}

	item.Revision = revision
	if revision == 1 {
		return storage.UpsertCreated, nil
	}
	return storage.UpsertUpdated, nil
}

// LoadSchedule returns every row of one (user, season) schedule ordered by due time.
func (s *Store) LoadSchedule(ctx context.Context, userID, season string) ([]types.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM schedule
		WHERE user_id = $1 AND season = $2
		ORDER BY next_review_at ASC`,
		userID, season)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load schedule: %w", err)
	}
	return scanItems(rows)
}

// DueItems runs the bounded due query on the (user_id, next_review_at) index.
func (s *Store) DueItems(ctx context.Context, q storage.DueQuery) ([]types.MemoryItem, error) {
	if err := q.Normalize(); err != nil {
		return nil, fmt.Errorf("postgres: %w: user id is required", err)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + itemColumns + ` FROM schedule WHERE user_id = $1 AND next_review_at <= $2`)
	args := []any{q.UserID, storage.Millis(q.Now)}
	if q.Season != "" {
		args = append(args, q.Season)
		sb.WriteString(` AND season = $` + strconv.Itoa(len(args)))
	}
	if q.Subject != "" {
		args = append(args, q.Subject)
		sb.WriteString(` AND subject = $` + strconv.Itoa(len(args)))
	}
	args = append(args, q.Limit)
	sb.WriteString(` ORDER BY next_review_at ASC LIMIT $` + strconv.Itoa(len(args)))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query due items: %w", err)
	}
	return scanItems(rows)
}

// SampleActive returns up to n random rows from active seasons. It reads a
// block sample of the hot table sized from the planner's row estimate,
// widening the sample when too few active rows come back, so only a
// fraction of the table is read.
func (s *Store) SampleActive(ctx context.Context, n int) ([]types.MemoryItem, error) {
	if n <= 0 {
		return nil, nil
	}
	estimate, err := s.estimateRows(ctx)
	if err != nil {
		return nil, err
	}

	pct := 100.0
	if estimate > 0 {
		pct = math.Min(100, 100*float64(2*n)/float64(estimate))
	}
	for {
		items, err := s.sampleBlocks(ctx, pct)
		if err != nil {
			return nil, err
		}
		if len(items) >= n || pct >= 100 {
			rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
			if len(items) > n {
				items = items[:n]
			}
			return items, nil
		}
		pct = math.Min(100, pct*4)
	}
}

func (s *Store) sampleBlocks(ctx context.Context, pct float64) ([]types.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.user_id, s.season, s.item_id, s.stability, s.next_review_at, s.last_review_at,
			s.subject, s.topic, s.created_at, s.updated_at, s.revision
		FROM schedule s TABLESAMPLE SYSTEM ($1::real)
		JOIN seasons se ON se.name = s.season
		WHERE se.status = $2`,
		pct, string(types.SeasonActive))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to sample schedule: %w", err)
	}
	return scanItems(rows)
}

// estimateRows returns the planner's row estimate for the hot table and its
// partitions. It is 0 for tables that were never analyzed.
func (s *Store) estimateRows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(GREATEST(c.reltuples, 0)), 0)::bigint
		FROM pg_class c
		WHERE c.oid = to_regclass($1)
			OR c.oid IN (SELECT inhrelid FROM pg_inherits WHERE inhparent = to_regclass($1))`,
		hotTable).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to estimate schedule rows: %w", err)
	}
	return n, nil
}

// CountBySeason returns hot row counts grouped by season.
func (s *Store) CountBySeason(ctx context.Context) ([]storage.SeasonCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT season, COUNT(*) FROM schedule GROUP BY season ORDER BY season`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count schedule rows: %w", err)
	}
	defer rows.Close()

	var counts []storage.SeasonCount
	for rows.Next() {
		var c storage.SeasonCount
		if err := rows.Scan(&c.Season, &c.Count); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
