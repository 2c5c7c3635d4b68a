package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/lib/pq"
)

const hotTable = "schedule"

// PartitionName returns the physical table name of a season's partition.
// Long season names are truncated and suffixed with a hash so the result
// stays within the 63-byte identifier limit.
func PartitionName(season string) string {
	const prefix = "schedule_p_"
	if len(prefix)+len(season) <= 63 {
		return prefix + season
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(season))
	return fmt.Sprintf("%s%s_%08x", prefix, season[:43], h.Sum32())
}

// IsPartitioned reports whether the hot table is a declaratively
// partitioned table, using the system catalog instead of error matching.
func (s *Store) IsPartitioned(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_partitioned_table WHERE partrelid = to_regclass($1)
		)`, hotTable).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to inspect partitioning: %w", err)
	}
	return ok, nil
}

// PartitionExists reports whether the season's partition is attached.
func (s *Store) PartitionExists(ctx context.Context, season string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pg_inherits i
			JOIN pg_class c ON c.oid = i.inhrelid
			WHERE i.inhparent = to_regclass($1) AND c.relname = $2
		)`, hotTable, PartitionName(season)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to inspect partition: %w", err)
	}
	return ok, nil
}

// CreatePartition creates and attaches the season's partition. Rows already
// routed to the default partition are moved into it in the same
// transaction. An existing partition is treated as success.
func (s *Store) CreatePartition(ctx context.Context, season string) (err error) {
	exists, err := s.PartitionExists(ctx, season)
	if err != nil || exists {
		return err
	}

	table := pq.QuoteIdentifier(PartitionName(season))
	literal := pq.QuoteLiteral(season)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin partition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmts := []string{
		`CREATE TABLE ` + table + ` (LIKE schedule INCLUDING DEFAULTS INCLUDING CONSTRAINTS)`,
		`WITH moved AS (DELETE FROM schedule_default WHERE season = ` + literal + ` RETURNING *)
		 INSERT INTO ` + table + ` SELECT * FROM moved`,
		`ALTER TABLE schedule ATTACH PARTITION ` + table + ` FOR VALUES IN (` + literal + `)`,
	}
	for _, stmt := range stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			if pqCode(err) == codeDuplicateTable {
				// Lost a race with another partition job.
				_ = tx.Rollback()
				return nil
			}
			return fmt.Errorf("postgres: failed to create partition for %s: %w", season, err)
		}
	}
	return tx.Commit()
}
