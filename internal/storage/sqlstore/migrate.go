package sqlstore

import (
	"database/sql"
	"fmt"
	"sort"
)

// runMigrations applies all database migrations
func runMigrations(db *sql.DB, d dialect) error {
	// Create migrations table
	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS migrations (
			id %s,
			version INTEGER NOT NULL UNIQUE,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, d.autoIncrement)); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	// Apply migrations in order
	migrations := getMigrations(d)
	versions := make([]int, 0, len(migrations))
	for version := range migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		for _, stmt := range migrations[version] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to execute migration %d: %w", version, err)
			}
		}

		if _, err := tx.Exec(d.rebind("INSERT INTO migrations (version) VALUES (?)"), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// getMigrations returns all database migrations. Each migration is a list of
// statements so drivers without multi-statement Exec support work too.
func getMigrations(d dialect) map[int][]string {
	return map[int][]string{
		1: {
			`CREATE TABLE IF NOT EXISTS tags (
				tag_id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				category TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tags_category ON tags(category)`,
		},
		2: {
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_event (
				id %s,
				tag_id TEXT NOT NULL,
				name TEXT NOT NULL,
				category TEXT NOT NULL,
				event_type TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				duration_sec BIGINT
			)`, d.autoIncrement),
			`CREATE INDEX IF NOT EXISTS idx_usage_event_tag ON usage_event(tag_id, id)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_event_type ON usage_event(event_type, id)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_event_timestamp ON usage_event(timestamp)`,
		},
	}
}
