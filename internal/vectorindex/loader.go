package vectorindex

import (
	"context"
	"fmt"

	"github.com/knowgraph/knowgraph/internal/embed"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
)

// StoreLoader adapts the derived store's embeddings table to Loader, so the
// index can rebuild itself on daemon startup.
type StoreLoader struct {
	derived *sqlite.Store
}

// NewStoreLoader returns a Loader over derived's embeddings table.
func NewStoreLoader(derived *sqlite.Store) *StoreLoader {
	return &StoreLoader{derived: derived}
}

// LoadAll implements Loader.
func (l *StoreLoader) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := l.derived.AllEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var bulletID string
		var dim int
		var raw []byte
		if err := rows.Scan(&bulletID, &dim, &raw); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{BulletID: bulletID, Vector: embed.DecodeVector(raw)})
	}
	return entries, rows.Err()
}
