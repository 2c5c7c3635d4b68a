package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
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
		return fmt.Errorf("sqlite: %w: item is nil", storage.ErrInvalidInput)
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w: %v", storage.ErrInvalidInput, err)
	}

	now := stamp(item)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		item.UserID, item.Season, item.ItemID, int(item.Stability),
		storage.Millis(item.NextReviewAt), storage.Millis(item.LastReviewAt),
		item.Subject, item.Topic, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: %s/%s/%s: %w", item.UserID, item.Season, item.ItemID, storage.ErrDuplicate)
		}
		return fmt.Errorf("sqlite: failed to create schedule row: %w", err)
	}
	item.CreatedAt = item.UpdatedAt
	item.Revision = 1
	return nil
}

// GetItem returns a single schedule row.
func (s *Store) GetItem(ctx context.Context, userID, season, itemID string) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM schedule
		WHERE user_id = ? AND season = ? AND item_id = ?`,
		userID, season, itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get schedule row: %w", err)
	}
	return &item, nil
}

// UpdateItem overwrites the review state of an existing row. Empty subject
// or topic keeps the stored value.
func (s *Store) UpdateItem(ctx context.Context, item *types.MemoryItem) error {
	if item == nil {
		return fmt.Errorf("sqlite: %w: item is nil", storage.ErrInvalidInput)
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w: %v", storage.ErrInvalidInput, err)
	}

	now := stamp(item)
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET
			stability = ?,
			next_review_at = ?,
			last_review_at = ?,
			subject = CASE WHEN ? = '' THEN subject ELSE ? END,
			topic = CASE WHEN ? = '' THEN topic ELSE ? END,
			updated_at = ?,
			revision = revision + 1
		WHERE user_id = ? AND season = ? AND item_id = ?`,
		int(item.Stability), storage.Millis(item.NextReviewAt), storage.Millis(item.LastReviewAt),
		item.Subject, item.Subject, item.Topic, item.Topic, now,
		item.UserID, item.Season, item.ItemID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update schedule row: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpsertItem inserts or updates a row in one statement. The DO UPDATE only
// fires when the stored row is older than the idempotency window; otherwise
// no row is returned and the write is reported as skipped.
func (s *Store) UpsertItem(ctx context.Context, item *types.MemoryItem, window time.Duration) (storage.UpsertResult, error) {
	if item == nil {
		return 0, fmt.Errorf("sqlite: %w: item is nil", storage.ErrInvalidInput)
	}
	if err := item.Validate(); err != nil {
		return 0, fmt.Errorf("sqlite: %w: %v", storage.ErrInvalidInput, err)
	}

	now := stamp(item)
	cutoff := now - window.Milliseconds()

	var revision int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO schedule (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (user_id, season, item_id) DO UPDATE SET
			stability = excluded.stability,
			next_review_at = excluded.next_review_at,
			last_review_at = excluded.last_review_at,
			subject = CASE WHEN excluded.subject = '' THEN schedule.subject ELSE excluded.subject END,
			topic = CASE WHEN excluded.topic = '' THEN schedule.topic ELSE excluded.topic END,
			updated_at = excluded.updated_at,
			revision = schedule.revision + 1
		WHERE schedule.updated_at <= ?
		RETURNING revision`,
		item.UserID, item.Season, item.ItemID, int(item.Stability),
		storage.Millis(item.NextReviewAt), storage.Millis(item.LastReviewAt),
		item.Subject, item.Topic, now, now, cutoff,
	).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.UpsertSkipped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to upsert schedule row: %w", err)
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
		WHERE user_id = ? AND season = ?
		ORDER BY next_review_at ASC`,
		userID, season)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load schedule: %w", err)
	}
	return scanItems(rows)
}

// DueItems runs the bounded due query on the (user_id, next_review_at) index.
func (s *Store) DueItems(ctx context.Context, q storage.DueQuery) ([]types.MemoryItem, error) {
	if err := q.Normalize(); err != nil {
		return nil, fmt.Errorf("sqlite: %w: user id is required", err)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + itemColumns + ` FROM schedule WHERE user_id = ? AND next_review_at <= ?`)
	args := []any{q.UserID, storage.Millis(q.Now)}
	if q.Season != "" {
		sb.WriteString(` AND season = ?`)
		args = append(args, q.Season)
	}
	if q.Subject != "" {
		sb.WriteString(` AND subject = ?`)
		args = append(args, q.Subject)
	}
	sb.WriteString(` ORDER BY next_review_at ASC LIMIT ?`)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query due items: %w", err)
	}
	return scanItems(rows)
}

// SampleActive returns up to n distinct random rows from active seasons.
// Each pick seeks a random rowid and walks forward to the next active row,
// so the cost follows n rather than the table size. Rows that follow a run
// of deleted or inactive rows are picked more often.
func (s *Store) SampleActive(ctx context.Context, n int) ([]types.MemoryItem, error) {
	if n <= 0 {
		return nil, nil
	}
	active, err := s.ListSeasons(ctx, storage.SeasonFilter{Status: types.SeasonActive})
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	seasons := make([]any, len(active))
	for i, season := range active {
		seasons[i] = season.Name
	}

	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(rowid), MAX(rowid) FROM schedule`).Scan(&lo, &hi); err != nil {
		return nil, fmt.Errorf("sqlite: failed to read rowid range: %w", err)
	}
	if !lo.Valid {
		return nil, nil
	}
	span := hi.Int64 - lo.Int64 + 1
	if span <= int64(n) {
		// The whole table is no larger than the sample.
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM schedule WHERE season IN (`+placeholders(len(seasons))+`)`, seasons...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to sample schedule: %w", err)
		}
		return scanItems(rows)
	}

	stmt, err := s.db.PrepareContext(ctx, sampleSeekQuery(len(seasons)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to prepare sample: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	seen := make(map[int64]bool, n)
	items := make([]types.MemoryItem, 0, n)
	args := append([]any{nil}, seasons...)
	for seeks := 0; len(items) < n && seeks < 4*n+64; seeks++ {
		args[0] = lo.Int64 + rand.Int64N(span)
		var rowid int64
		item, err := scanItem(stmt.QueryRowContext(ctx, args...), &rowid)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to sample schedule: %w", err)
		}
		if seen[rowid] {
			continue
		}
		seen[rowid] = true
		items = append(items, item)
	}
	return items, nil
}

// sampleSeekQuery selects the first row at or after a rowid whose season is
// one of the given number of seasons. The unary plus keeps the planner on
// the rowid b-tree instead of the season index.
func sampleSeekQuery(seasons int) string {
	return `SELECT ` + itemColumns + `, rowid FROM schedule
		WHERE rowid >= ? AND +season IN (` + placeholders(seasons) + `)
		ORDER BY rowid LIMIT 1`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// CountBySeason returns hot row counts grouped by season.
func (s *Store) CountBySeason(ctx context.Context) ([]storage.SeasonCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT season, COUNT(*) FROM schedule GROUP BY season ORDER BY season`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to count schedule rows: %w", err)
	}
	defer rows.Close()

	var counts []storage.SeasonCount
	for rows.Next() {
		var c storage.SeasonCount
		if err := rows.Scan(&c.Season, &c.Count); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
