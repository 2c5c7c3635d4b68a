package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

const seasonColumns = `name, status, end_date, auto_archive, partition_created, created_at, updated_at`

func scanSeason(row rowScanner) (types.Season, error) {
	var (
		season               types.Season
		status               string
		endDate              sql.NullInt64
		autoArchive, part    int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&season.Name, &status, &endDate, &autoArchive, &part, &createdAt, &updatedAt); err != nil {
		return types.Season{}, err
	}
	season.Status = types.SeasonStatus(status)
	if endDate.Valid {
		t := storage.FromMillis(endDate.Int64)
		season.EndDate = &t
	}
	season.AutoArchive = autoArchive != 0
	season.PartitionCreated = part != 0
	season.CreatedAt = storage.FromMillis(createdAt)
	season.UpdatedAt = storage.FromMillis(updatedAt)
	return season, nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: storage.Millis(*t), Valid: true}
}

// CreateSeason inserts a new season.
func (s *Store) CreateSeason(ctx context.Context, season *types.Season) error {
	if season == nil {
		return fmt.Errorf("sqlite: %w: season is nil", storage.ErrInvalidInput)
	}
	if err := types.ValidateSeasonName(season.Name); err != nil {
		return fmt.Errorf("sqlite: %w: %v", storage.ErrInvalidInput, err)
	}
	if season.Status == "" {
		season.Status = types.SeasonCreated
	}
	if !types.IsValidSeasonStatus(season.Status) {
		return fmt.Errorf("sqlite: %w: unknown status %q", storage.ErrInvalidInput, season.Status)
	}
	now := time.Now().UTC()
	if season.CreatedAt.IsZero() {
		season.CreatedAt = now
	}
	season.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seasons (`+seasonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		season.Name, string(season.Status), nullableMillis(season.EndDate),
		boolInt(season.AutoArchive), boolInt(season.PartitionCreated),
		storage.Millis(season.CreatedAt), storage.Millis(season.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: season %s: %w", season.Name, storage.ErrDuplicate)
		}
		return fmt.Errorf("sqlite: failed to create season: %w", err)
	}
	return nil
}

// GetSeason returns a season by name.
func (s *Store) GetSeason(ctx context.Context, name string) (*types.Season, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+seasonColumns+` FROM seasons WHERE name = ?`, name)
	season, err := scanSeason(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get season: %w", err)
	}
	return &season, nil
}

// ListSeasons returns seasons matching the filter ordered by name.
func (s *Store) ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]types.Season, error) {
	var (
		sb    strings.Builder
		where []string
		args  []any
	)
	sb.WriteString(`SELECT ` + seasonColumns + ` FROM seasons`)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.AutoArchiveDue.IsZero() {
		where = append(where, "auto_archive = 1", "status <> ?", "end_date IS NOT NULL", "end_date < ?")
		args = append(args, string(types.SeasonActive), storage.Millis(filter.AutoArchiveDue))
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY name")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list seasons: %w", err)
	}
	defer rows.Close()

	var seasons []types.Season
	for rows.Next() {
		season, err := scanSeason(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan season: %w", err)
		}
		seasons = append(seasons, season)
	}
	return seasons, rows.Err()
}

// UpdateSeason writes the mutable flags of a season. Status changes go
// through TransitionSeason.
func (s *Store) UpdateSeason(ctx context.Context, season *types.Season) error {
	if season == nil {
		return fmt.Errorf("sqlite: %w: season is nil", storage.ErrInvalidInput)
	}
	season.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE seasons SET end_date = ?, auto_archive = ?, partition_created = ?, updated_at = ?
		WHERE name = ?`,
		nullableMillis(season.EndDate), boolInt(season.AutoArchive), boolInt(season.PartitionCreated),
		storage.Millis(season.UpdatedAt), season.Name,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update season: %w", err)
	}
	return requireRow(result)
}

// TransitionSeason is a compare-and-set on the status column.
func (s *Store) TransitionSeason(ctx context.Context, name string, from, to types.SeasonStatus) error {
	if !types.IsValidSeasonTransition(from, to) {
		return fmt.Errorf("sqlite: %w: transition %s -> %s", storage.ErrInvalidInput, from, to)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE seasons SET status = ?, updated_at = ? WHERE name = ? AND status = ?`,
		string(to), storage.Millis(time.Now().UTC()), name, string(from))
	if err != nil {
		return fmt.Errorf("sqlite: failed to transition season: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSeason(ctx, name); err != nil {
		return err
	}
	return fmt.Errorf("sqlite: season %s is not %s: %w", name, from, storage.ErrConflict)
}

// RenameSeason renames a season and re-keys its rows in one transaction.
func (s *Store) RenameSeason(ctx context.Context, oldName, newName string) (err error) {
	if err := types.ValidateSeasonName(newName); err != nil {
		return fmt.Errorf("sqlite: %w: %v", storage.ErrInvalidInput, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin rename: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `UPDATE seasons SET name = ?, updated_at = ? WHERE name = ?`,
		newName, storage.Millis(time.Now().UTC()), oldName)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: season %s: %w", newName, storage.ErrDuplicate)
		}
		return fmt.Errorf("sqlite: failed to rename season: %w", err)
	}
	if err = requireRow(result); err != nil {
		return err
	}
	for _, table := range []string{"schedule", "archive", "persistence_audit"} {
		if _, err = tx.ExecContext(ctx, `UPDATE `+table+` SET season = ? WHERE season = ?`, newName, oldName); err != nil {
			return fmt.Errorf("sqlite: failed to re-key %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
