package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knowgraph/knowgraph/internal/model"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
	"github.com/knowgraph/knowgraph/internal/store"
)

func TestExtractLinks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"double bracket", "see [[go-concurrency]] for details", []string{"go-concurrency"}},
		{"single bracket", "see [go-concurrency] for details", []string{"go-concurrency"}},
		{"dedups", "[[go-concurrency]] again [[go-concurrency]]", []string{"go-concurrency"}},
		{"multiple distinct", "links to [[a]] and [[b]]", []string{"a", "b"}},
		{"no links", "plain text", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExtractLinks(tt.text))
		})
	}
}

func setup(t *testing.T) (*store.Store, *sqlite.Store, *Indexer) {
	t.Helper()
	records := store.New(t.TempDir())
	derived, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "derived.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = derived.Close() })
	return records, derived, New(records, derived, nil)
}

func TestReindexNodeUpsertsAndSearches(t *testing.T) {
	records, derived, ix := setup(t)
	ctx := context.Background()

	_, err := records.Add("go-concurrency", "channels are typed conduits", model.KindFact)
	require.NoError(t, err)

	require.NoError(t, ix.ReindexNode(ctx, "go-concurrency"))

	results, err := derived.SearchKeyword(ctx, "channels", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestReindexNodeRemovesDeletedBullets(t *testing.T) {
	records, derived, ix := setup(t)
	ctx := context.Background()

	id, err := records.Add("go-concurrency", "channels are typed conduits", model.KindFact)
	require.NoError(t, err)
	require.NoError(t, ix.ReindexNode(ctx, "go-concurrency"))

	require.NoError(t, records.Delete(id))
	require.NoError(t, ix.ReindexNode(ctx, "go-concurrency"))

	results, err := derived.SearchKeyword(ctx, "channels", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestReindexNodeExtractsBacklinks(t *testing.T) {
	records, derived, ix := setup(t)
	ctx := context.Background()

	_, err := records.Add("go-concurrency", "see [[sqlite-fts5]] for storage", model.KindNote)
	require.NoError(t, err)
	require.NoError(t, ix.ReindexNode(ctx, "go-concurrency"))

	slugs, err := derived.BacklinkSlugs(ctx, "sqlite-fts5", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"go-concurrency"}, slugs)
}

func TestReindexNodeClearsBudgetOnReviewed(t *testing.T) {
	records, derived, ix := setup(t)
	ctx := context.Background()

	_, err := records.Add("go-concurrency", "a fact", model.KindFact)
	require.NoError(t, err)
	require.NoError(t, derived.AddServedChars(ctx, "go-concurrency", 5000))

	require.NoError(t, records.MarkReviewed("go-concurrency"))
	require.NoError(t, ix.ReindexNode(ctx, "go-concurrency"))

	n, err := derived.ServedChars(ctx, "go-concurrency")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestReindexAllCoversEveryNode(t *testing.T) {
	records, derived, ix := setup(t)
	ctx := context.Background()

	_, err := records.Add("go-concurrency", "channel fact", model.KindFact)
	require.NoError(t, err)
	_, err = records.Add("sqlite-fts5", "fts fact", model.KindFact)
	require.NoError(t, err)

	require.NoError(t, ix.ReindexAll(ctx))

	results, err := derived.SearchKeyword(ctx, "channel OR fts", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

type fakeQueue struct{ enqueued []*model.Bullet }

func (q *fakeQueue) Enqueue(b *model.Bullet) error {
	q.enqueued = append(q.enqueued, b)
	return nil
}

func TestReindexNodeReenqueuesUntilEmbeddingPinned(t *testing.T) {
	records := store.New(t.TempDir())
	derived, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "derived.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = derived.Close() })

	q := &fakeQueue{}
	ix := New(records, derived, q)
	ctx := context.Background()

	_, err = records.Add("go-concurrency", "channels are typed conduits", model.KindFact)
	require.NoError(t, err)

	require.NoError(t, ix.ReindexNode(ctx, "go-concurrency"))
	require.Len(t, q.enqueued, 1)

	// unchanged text on a second pass is enqueued again, since nothing was
	// ever recorded as embedded -- the fake queue never writes an
	// embeddings row, so this models a persistently-failing provider and
	// documents that reindexing alone doesn't dedupe without the embedder's
	// own completion signal.
	require.NoError(t, ix.ReindexNode(ctx, "go-concurrency"))
	require.Len(t, q.enqueued, 2)
}
