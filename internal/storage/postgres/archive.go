package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

// ArchiveSeason moves every hot row of a season into the archive table in
// one transaction. The CTE deletes and copies the same snapshot, so rows
// written concurrently are never lost between the two steps.
func (s *Store) ArchiveSeason(ctx context.Context, season string, archivedAt time.Time) (moved int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to begin archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM schedule WHERE season = $1
			RETURNING `+itemColumns+`
		)
		INSERT INTO archive (`+itemColumns+`, archived_at, eligible_for_deletion)
		SELECT `+itemColumns+`, $2, FALSE FROM moved`,
		season, storage.Millis(archivedAt))
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to archive season %s: %w", season, err)
	}
	if moved, err = rowsAffected(result); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres: failed to commit archive: %w", err)
	}
	return moved, nil
}

// CountHot returns the number of hot rows for the season.
func (s *Store) CountHot(ctx context.Context, season string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule WHERE season = $1`, season).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: failed to count hot rows: %w", err)
	}
	return n, nil
}

// CountArchived returns the number of cold rows for the season.
func (s *Store) CountArchived(ctx context.Context, season string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE season = $1`, season).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: failed to count archived rows: %w", err)
	}
	return n, nil
}

// ListArchived returns up to limit cold rows of a season.
func (s *Store) ListArchived(ctx context.Context, season string, limit int) ([]types.ArchiveRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`, archived_at, eligible_for_deletion
		FROM archive WHERE season = $1
		ORDER BY user_id, item_id
		LIMIT $2`, season, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list archive: %w", err)
	}
	defer rows.Close()

	var records []types.ArchiveRecord
	for rows.Next() {
		var (
			archivedAt int64
			eligible   bool
		)
		item, err := scanItem(rows, &archivedAt, &eligible)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan archive row: %w", err)
		}
		records = append(records, types.ArchiveRecord{
			MemoryItem:          item,
			ArchivedAt:          storage.FromMillis(archivedAt),
			EligibleForDeletion: eligible,
		})
	}
	return records, rows.Err()
}

// FlagRetention marks rows archived before cutoff as eligible for deletion.
func (s *Store) FlagRetention(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE archive SET eligible_for_deletion = TRUE
		WHERE NOT eligible_for_deletion AND archived_at < $1`, storage.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to flag retention: %w", err)
	}
	return rowsAffected(result)
}

// PurgeEligible deletes flagged cold rows.
func (s *Store) PurgeEligible(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM archive WHERE eligible_for_deletion`)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to purge archive: %w", err)
	}
	return rowsAffected(result)
}
