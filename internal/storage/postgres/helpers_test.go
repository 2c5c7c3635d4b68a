// This file contains test helpers only available during testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every Memora table. It is exported
// so that the postgres_test package can call it.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE schedule, archive, seasons, persistence_audit")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate: %w", err)
	}
	return nil
}
