// Package sqlite provides a SQLite implementation of the Memora storage
// interfaces. It is the default single-node engine and the engine used by
// tests. SQLite has no table partitioning, so partition requests are
// reported as "not partitioned" and skipped by callers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ storage.Store          = (*Store)(nil)
	_ storage.AtomicUpserter = (*Store)(nil)
)

// New opens (or creates) the SQLite database at dsn, configures WAL mode and
// applies pending migrations. Use ":memory:" for an ephemeral database.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and keeps an in-memory database alive for the life of
	// the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, migrations)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if _, err := mgr.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IsPartitioned always reports false: SQLite has no declarative partitioning.
func (s *Store) IsPartitioned(ctx context.Context) (bool, error) {
	return false, nil
}

// PartitionExists always reports false.
func (s *Store) PartitionExists(ctx context.Context, season string) (bool, error) {
	return false, nil
}

// CreatePartition is a no-op.
func (s *Store) CreatePartition(ctx context.Context, season string) error {
	return nil
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

const itemColumns = `user_id, season, item_id, stability, next_review_at, last_review_at,
	subject, topic, created_at, updated_at, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner, extra ...any) (types.MemoryItem, error) {
	var (
		item                                  types.MemoryItem
		stability                             int
		next, last, createdAt, updatedAt, rev int64
	)
	dest := append([]any{
		&item.UserID, &item.Season, &item.ItemID, &stability, &next, &last,
		&item.Subject, &item.Topic, &createdAt, &updatedAt, &rev,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return types.MemoryItem{}, err
	}
	item.Stability = types.Stability(stability)
	item.NextReviewAt = storage.FromMillis(next)
	item.LastReviewAt = storage.FromMillis(last)
	item.CreatedAt = storage.FromMillis(createdAt)
	item.UpdatedAt = storage.FromMillis(updatedAt)
	item.Revision = rev
	return item, nil
}

func scanItems(rows *sql.Rows) ([]types.MemoryItem, error) {
	defer rows.Close()
	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan schedule row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate schedule rows: %w", err)
	}
	return items, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
