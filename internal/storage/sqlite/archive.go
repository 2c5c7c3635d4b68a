package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

// ArchiveSeason moves every hot row of a season into the archive table.
// Copy and delete share one transaction, so a failure leaves the hot rows
// untouched.
func (s *Store) ArchiveSeason(ctx context.Context, season string, archivedAt time.Time) (moved int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO archive (`+itemColumns+`, archived_at, eligible_for_deletion)
		SELECT `+itemColumns+`, ?, 0 FROM schedule WHERE season = ?`,
		storage.Millis(archivedAt), season)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to copy season %s: %w", season, err)
	}
	copied, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}

	result, err = tx.ExecContext(ctx, `DELETE FROM schedule WHERE season = ?`, season)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to delete season %s: %w", season, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if deleted != copied {
		return 0, fmt.Errorf("sqlite: archive of %s copied %d rows but deleted %d: %w",
			season, copied, deleted, storage.ErrConflict)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit archive: %w", err)
	}
	return int(copied), nil
}

// CountHot returns the number of hot rows for the season.
func (s *Store) CountHot(ctx context.Context, season string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule WHERE season = ?`, season).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count hot rows: %w", err)
	}
	return n, nil
}

// CountArchived returns the number of cold rows for the season.
func (s *Store) CountArchived(ctx context.Context, season string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE season = ?`, season).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count archived rows: %w", err)
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
		FROM archive WHERE season = ?
		ORDER BY user_id, item_id
		LIMIT ?`, season, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list archive: %w", err)
	}
	defer rows.Close()

	var records []types.ArchiveRecord
	for rows.Next() {
		var (
			archivedAt int64
			eligible   int
		)
		item, err := scanItem(rows, &archivedAt, &eligible)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan archive row: %w", err)
		}
		records = append(records, types.ArchiveRecord{
			MemoryItem:          item,
			ArchivedAt:          storage.FromMillis(archivedAt),
			EligibleForDeletion: eligible != 0,
		})
	}
	return records, rows.Err()
}

// FlagRetention marks rows archived before cutoff as eligible for deletion.
func (s *Store) FlagRetention(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE archive SET eligible_for_deletion = 1
		WHERE eligible_for_deletion = 0 AND archived_at < ?`, storage.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to flag retention: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// PurgeEligible deletes flagged cold rows.
func (s *Store) PurgeEligible(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM archive WHERE eligible_for_deletion = 1`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to purge archive: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return int(n), nil
}
