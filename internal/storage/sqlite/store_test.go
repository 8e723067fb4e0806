package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knowgraph/knowgraph/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "derived.db")
	s, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndSearchKeyword(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := &model.Bullet{
		ID: "b-aaaaaaaa", Slug: "go-concurrency", Text: "channels are typed conduits for goroutines",
		Kind: model.KindFact, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.UpsertBullet(ctx, b))

	results, err := s.SearchKeyword(ctx, "channels", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "b-aaaaaaaa", results[0].BulletID)
}

func TestDeleteBulletRemovesFromIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := &model.Bullet{ID: "b-aaaaaaaa", Slug: "go-concurrency", Text: "buffered channels", Kind: model.KindFact, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.UpsertBullet(ctx, b))
	require.NoError(t, s.DeleteBullet(ctx, b.ID))

	results, err := s.SearchKeyword(ctx, "buffered", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestIndexedIDsReflectsSlugOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBullet(ctx, &model.Bullet{ID: "b-1", Slug: "go-concurrency", Text: "x", Kind: model.KindFact, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.UpsertBullet(ctx, &model.Bullet{ID: "b-2", Slug: "sqlite-fts5", Text: "y", Kind: model.KindFact, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	ids, err := s.IndexedIDs(ctx, "go-concurrency")
	require.NoError(t, err)
	require.Contains(t, ids, "b-1")
	require.NotContains(t, ids, "b-2")
}

func TestBacklinksRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBullet(ctx, &model.Bullet{ID: "b-1", Slug: "go-concurrency", Text: "see [[sqlite-fts5]]", Kind: model.KindNote, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.ReplaceBacklinks(ctx, "b-1", "go-concurrency", []string{"sqlite-fts5"}))

	slugs, err := s.BacklinkSlugs(ctx, "sqlite-fts5", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"go-concurrency"}, slugs)

	// replacing with an empty set clears it
	require.NoError(t, s.ReplaceBacklinks(ctx, "b-1", "go-concurrency", nil))
	slugs, err = s.BacklinkSlugs(ctx, "sqlite-fts5", 5)
	require.NoError(t, err)
	require.Empty(t, slugs)
}

func TestBudgetAccounting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddServedChars(ctx, "go-concurrency", 100))
	require.NoError(t, s.AddServedChars(ctx, "go-concurrency", 50))

	n, err := s.ServedChars(ctx, "go-concurrency")
	require.NoError(t, err)
	require.Equal(t, int64(150), n)

	require.NoError(t, s.ResetServedChars(ctx, "go-concurrency", time.Now()))
	n, err = s.ServedChars(ctx, "go-concurrency")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestCalibrationRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	points := [7]float64{0, 1, 2, 3, 4, 5, 6}
	require.NoError(t, s.SaveCalibration(ctx, "keyword", points))

	loaded, sampledAt, err := s.LoadCalibration(ctx, "keyword")
	require.NoError(t, err)
	require.Equal(t, points, loaded)
	require.False(t, sampledAt.IsZero())
}

func TestServedSinceRespectsCutoff(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkServed(ctx, "session-1", "b-1"))

	served, err := s.ServedSince(ctx, "session-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Contains(t, served, "b-1")

	served, err = s.ServedSince(ctx, "session-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, served)
}

func TestBulletsByIDSkipsMissing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBullet(ctx, &model.Bullet{ID: "b-1", Slug: "go-concurrency", Text: "x", Kind: model.KindFact, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	found, err := s.BulletsByID(ctx, []string{"b-1", "b-missing"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "go-concurrency", found["b-1"].Slug)
}

func TestServedSlugsSinceJoinsBulletSlug(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBullet(ctx, &model.Bullet{ID: "b-1", Slug: "go-concurrency", Text: "x", Kind: model.KindFact, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.MarkServed(ctx, "session-1", "b-1"))

	slugs, err := s.ServedSlugsSince(ctx, "session-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Contains(t, slugs, "go-concurrency")

	slugs, err = s.ServedSlugsSince(ctx, "session-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, slugs)
}

func TestCachedEmbeddingRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, _, err := s.CachedEmbedding(ctx, "local_on_device", "deadbeef")
	require.Error(t, err)

	require.NoError(t, s.PutCachedEmbedding(ctx, "local_on_device", "deadbeef", 3, []byte{1, 2, 3}))
	dim, vec, err := s.CachedEmbedding(ctx, "local_on_device", "deadbeef")
	require.NoError(t, err)
	require.Equal(t, 3, dim)
	require.Equal(t, []byte{1, 2, 3}, vec)
}

func TestNeedsRebuildFalseAfterOpen(t *testing.T) {
	s := setupTestStore(t)
	needs, err := s.NeedsRebuild(context.Background())
	require.NoError(t, err)
	require.False(t, needs)
}
