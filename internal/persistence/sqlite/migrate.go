// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
)

// Migrate applies the schema steps that have not run yet, tracked via
// PRAGMA user_version. Step i in the slice is migration version i+1.
// Each step runs in its own transaction together with the version bump.
func Migrate(db *sql.DB, steps []string) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if version > len(steps) {
		return fmt.Errorf("sqlite: database version %d newer than known schema %d", version, len(steps))
	}

	for i := version; i < len(steps); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(steps[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: migration %d failed: %w", i+1, err)
		}
		// PRAGMA takes no bind parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: bump user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
