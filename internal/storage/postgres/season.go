package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
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
		createdAt, updatedAt int64
	)
	if err := row.Scan(&season.Name, &status, &endDate, &season.AutoArchive, &season.PartitionCreated,
		&createdAt, &updatedAt); err != nil {
		return types.Season{}, err
	}
	season.Status = types.SeasonStatus(status)
	if endDate.Valid {
		t := storage.FromMillis(endDate.Int64)
		season.EndDate = &t
	}
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
		return fmt.Errorf("postgres: %w: season is nil", storage.ErrInvalidInput)
	}
	if err := types.ValidateSeasonName(season.Name); err != nil {
		return fmt.Errorf("postgres: %w: %v", storage.ErrInvalidInput, err)
	}
	if season.Status == "" {
		season.Status = types.SeasonCreated
	}
	if !types.IsValidSeasonStatus(season.Status) {
		return fmt.Errorf("postgres: %w: unknown status %q", storage.ErrInvalidInput, season.Status)
	}
	now := time.Now().UTC()
	if season.CreatedAt.IsZero() {
		season.CreatedAt = now
	}
	season.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seasons (`+seasonColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		season.Name, string(season.Status), nullableMillis(season.EndDate),
		season.AutoArchive, season.PartitionCreated,
		storage.Millis(season.CreatedAt), storage.Millis(season.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: season %s: %w", season.Name, storage.ErrDuplicate)
		}
		return fmt.Errorf("postgres: failed to create season: %w", err)
	}
	return nil
}

// GetSeason returns a season by name.
func (s *Store) GetSeason(ctx context.Context, name string) (*types.Season, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+seasonColumns+` FROM seasons WHERE name = $1`, name)
	season, err := scanSeason(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get season: %w", err)
	}
	return &season, nil
}

// ListSeasons returns seasons matching the filter ordered by name.
func (s *Store) ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]types.Season, error) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		where = append(where, "status = "+next(string(filter.Status)))
	}
	if !filter.AutoArchiveDue.IsZero() {
		where = append(where,
			"auto_archive",
			"status <> "+next(string(types.SeasonActive)),
			"end_date IS NOT NULL",
			"end_date < "+next(storage.Millis(filter.AutoArchiveDue)))
	}

	query := `SELECT ` + seasonColumns + ` FROM seasons`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list seasons: %w", err)
	}
	defer rows.Close()

	var seasons []types.Season
	for rows.Next() {
		season, err := scanSeason(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan season: %w", err)
		}
		seasons = append(seasons, season)
	}
	return seasons, rows.Err()
}

// UpdateSeason writes the mutable flags of a season.
func (s *Store) UpdateSeason(ctx context.Context, season *types.Season) error {
	if season == nil {
		return fmt.Errorf("postgres: %w: season is nil", storage.ErrInvalidInput)
	}
	season.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE seasons SET end_date = $1, auto_archive = $2, partition_created = $3, updated_at = $4
		WHERE name = $5`,
		nullableMillis(season.EndDate), season.AutoArchive, season.PartitionCreated,
		storage.Millis(season.UpdatedAt), season.Name,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update season: %w", err)
	}
	return requireRow(result)
}

// TransitionSeason is a compare-and-set on the status column.
func (s *Store) TransitionSeason(ctx context.Context, name string, from, to types.SeasonStatus) error {
	if !types.IsValidSeasonTransition(from, to) {
		return fmt.Errorf("postgres: %w: transition %s -> %s", storage.ErrInvalidInput, from, to)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE seasons SET status = $1, updated_at = $2 WHERE name = $3 AND status = $4`,
		string(to), storage.Millis(time.Now().UTC()), name, string(from))
	if err != nil {
		return fmt.Errorf("postgres: failed to transition season: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSeason(ctx, name); err != nil {
		return err
	}
	return fmt.Errorf("postgres: season %s is not %s: %w", name, from, storage.ErrConflict)
}

// RenameSeason renames a season and re-keys its rows in one transaction.
// Callers must not rename a season that already owns a partition.
func (s *Store) RenameSeason(ctx context.Context, oldName, newName string) (err error) {
	if err := types.ValidateSeasonName(newName); err != nil {
		return fmt.Errorf("postgres: %w: %v", storage.ErrInvalidInput, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin rename: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `UPDATE seasons SET name = $1, updated_at = $2 WHERE name = $3`,
		newName, storage.Millis(time.Now().UTC()), oldName)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: season %s: %w", newName, storage.ErrDuplicate)
		}
		return fmt.Errorf("postgres: failed to rename season: %w", err)
	}
	if err = requireRow(result); err != nil {
		return err
	}
	for _, table := range []string{"schedule", "archive", "persistence_audit"} {
		if _, err = tx.ExecContext(ctx, `UPDATE `+table+` SET season = $1 WHERE season = $2`, newName, oldName); err != nil {
			return fmt.Errorf("postgres: failed to re-key %s: %w", table, err)
		}
	}
	return tx.Commit()
}
