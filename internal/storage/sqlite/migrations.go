package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ensureSchema applies schema.go's DDL and reconciles schemaVersion against
// whatever is already on disk. Because every row here is derived from the
// record store, a version bump is handled by dropping and recreating the
// derived tables rather than by an ordered list of column migrations
// (spec.md §4.I) — the next reindex_all repopulates everything.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	var current int
	err := db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		// schema_meta itself may not exist yet on a brand new database.
		current = 0
	}

	if current == schemaVersion {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		return nil
	}

	if current != 0 {
		if _, err := db.ExecContext(ctx, dropAllTables); err != nil {
			return fmt.Errorf("dropping stale derived schema (version %d -> %d): %w", current, schemaVersion, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating derived schema: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO schema_meta (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion)
	if err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

// NeedsRebuild reports whether the derived store's on-disk schema version
// differs from schemaVersion, meaning a full reindex_all is required before
// the store can be trusted (spec.md §4.I).
func (s *Store) NeedsRebuild(ctx context.Context) (bool, error) {
	var current int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&current)
	if err != nil {
		return true, nil
	}
	return current != schemaVersion, nil
}

// QuickCheck runs SQLite's own fast structural integrity check and returns
// its verdict ("ok" on a healthy database).
func (s *Store) QuickCheck(ctx context.Context) (string, error) {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check(1)`).Scan(&result); err != nil {
		return "", fmt.Errorf("running quick_check: %w", err)
	}
	return result, nil
}
