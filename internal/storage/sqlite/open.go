// Package sqlite implements the derived store (spec.md §4.B, §4.I): a
// rebuildable SQLite projection of the record store providing the keyword
// index, backlinks, embeddings, budget counters, and calibration
// breakpoints that the ranker queries.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the derived SQLite database. A Store is safe for concurrent
// use; spec.md §5 expects at most one writer process (the watcher) but any
// number of concurrent readers.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the derived database at path,
// applying schema.go's DDL and reconciling the schema version.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening derived store: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection pool for packages (index, rank,
// budget, calibrate) that build their own queries against it.
func (s *Store) DB() *sql.DB {
	return s.db
}
