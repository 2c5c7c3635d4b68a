package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Migration is one forward schema step compiled into the binary.
type Migration struct {
	Version uint
	Name    string
	Up      string
}

// MigrationManager applies versioned migrations and tracks the current
// version in a schema_migrations table. It only uses SQL understood by both
// SQLite and PostgreSQL.
type MigrationManager struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrationManager creates a MigrationManager for the given database.
// Migrations are sorted by version; duplicate versions are rejected.
func NewMigrationManager(db *sql.DB, migrations []Migration) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}

	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, fmt.Errorf("migrations: duplicate version %d", sorted[i].Version)
		}
	}

	return &MigrationManager{db: db, migrations: sorted}, nil
}

// ensureSchemaTable creates the schema_migrations table if it doesn't exist.
func (mgr *MigrationManager) ensureSchemaTable(ctx context.Context) error {
	_, err := mgr.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order, each in its
// own transaction. Returns the number applied; zero means already up to date.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	if err := mgr.ensureSchemaTable(ctx); err != nil {
		return 0, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	current, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return 0, err
	}

	applied := 0
	for _, m := range mgr.migrations {
		if m.Version <= current {
			continue
		}
		if err := mgr.apply(ctx, m); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (mgr *MigrationManager) apply(ctx context.Context, m Migration) (err error) {
	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrations: failed to begin version %d: %w", m.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.Version, m.Name, err)
	}
	// Version is an integer, so formatting it inline keeps the statement
	// portable across placeholder styles.
	if _, err = tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO schema_migrations (version, name) VALUES (%d, '%s')", m.Version, quoteName(m.Name))); err != nil {
		return fmt.Errorf("migrations: failed to record version %d: %w", m.Version, err)
	}
	return tx.Commit()
}

// Version returns the highest applied migration version.
// Returns (0, ErrNoMigration) when no migration has been applied.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

func quoteName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' {
			out = append(out, '\'')
		}
		out = append(out, r)
	}
	return string(out)
}
