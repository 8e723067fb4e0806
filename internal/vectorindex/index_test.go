package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryRanksByCosineSimilarity(t *testing.T) {
	ix := New()
	ix.Upsert("b-1", []float32{1, 0})
	ix.Upsert("b-2", []float32{0, 1})
	ix.Upsert("b-3", []float32{0.9, 0.1})

	hits := ix.Query([]float32{1, 0}, 2)
	require.Len(t, hits, 2)
	require.Equal(t, "b-1", hits[0].BulletID)
	require.Equal(t, "b-3", hits[1].BulletID)
	require.InDelta(t, 1.0, hits[0].Cosine, 1e-9)
}

func TestDeleteRemovesFromResults(t *testing.T) {
	ix := New()
	ix.Upsert("b-1", []float32{1, 0})
	ix.Delete("b-1")

	hits := ix.Query([]float32{1, 0}, 5)
	require.Empty(t, hits)
}

type fakeLoader struct {
	entries []Entry
}

func (f fakeLoader) LoadAll(ctx context.Context) ([]Entry, error) {
	return f.entries, nil
}

func TestReloadReplacesIndexContents(t *testing.T) {
	ix := New()
	ix.Upsert("stale", []float32{1, 1})

	loader := fakeLoader{entries: []Entry{{BulletID: "b-1", Vector: []float32{1, 0}}}}
	require.NoError(t, ix.Reload(context.Background(), loader))

	require.Equal(t, 1, ix.Len())
	hits := ix.Query([]float32{1, 0}, 5)
	require.Len(t, hits, 1)
	require.Equal(t, "b-1", hits[0].BulletID)
}

func TestQueryKLargerThanIndexReturnsAll(t *testing.T) {
	ix := New()
	ix.Upsert("b-1", []float32{1, 0})
	hits := ix.Query([]float32{1, 0}, 50)
	require.Len(t, hits, 1)
}

func TestQueryZeroVectorDoesNotPanic(t *testing.T) {
	ix := New()
	ix.Upsert("b-1", []float32{0, 0})
	hits := ix.Query([]float32{0, 0}, 1)
	require.Len(t, hits, 1)
	require.Equal(t, 0.0, hits[0].Cosine)
}
