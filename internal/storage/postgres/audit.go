package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

// RecordAudit appends an entry to the persistence audit log.
func (s *Store) RecordAudit(ctx context.Context, entry *types.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("postgres: %w: entry is nil", storage.ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persistence_audit
			(id, job_id, user_id, season, outcome, retry_count, item_count, failed, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.JobID, entry.UserID, entry.Season, string(entry.Outcome),
		entry.RetryCount, entry.ItemCount, entry.Failed, entry.Error, storage.Millis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to record audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries newest first.
func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter) ([]types.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+next(filter.UserID))
	}
	if filter.Season != "" {
		where = append(where, "season = "+next(filter.Season))
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = "+next(string(filter.Outcome)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, job_id, user_id, season, outcome, retry_count, item_count, failed, error, created_at
		FROM persistence_audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT " + next(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list audit: %w", err)
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		var (
			e         types.AuditEntry
			outcome   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.UserID, &e.Season, &outcome, &e.RetryCount,
			&e.ItemCount, &e.Failed, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit entry: %w", err)
		}
		e.Outcome = types.AuditOutcome(outcome)
		e.CreatedAt = storage.FromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
