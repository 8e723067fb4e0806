package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knowgraph/knowgraph/internal/model"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
)

func newTestDerived(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "derived.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedLiveBullets(t *testing.T, s *sqlite.Store, slug string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		b := &model.Bullet{
			ID: "b-" + string(rune('a'+i)) + "0000000", Slug: slug, Text: "x",
			Kind: model.KindFact, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		require.NoError(t, s.UpsertBullet(context.Background(), b))
	}
}

func TestFlaggedWhenRatioExceedsThreshold(t *testing.T) {
	derived := newTestDerived(t)
	seedLiveBullets(t, derived, "go-concurrency", 3)

	a := New(derived, 3000)
	require.NoError(t, a.AccrueServed(context.Background(), "go-concurrency", 10000))

	flagged, err := a.Flagged(context.Background(), "go-concurrency")
	require.NoError(t, err)
	require.True(t, flagged) // 10000/3 > 3000
}

func TestNotFlaggedBelowThreshold(t *testing.T) {
	derived := newTestDerived(t)
	seedLiveBullets(t, derived, "go-concurrency", 3)

	a := New(derived, 3000)
	require.NoError(t, a.AccrueServed(context.Background(), "go-concurrency", 100))

	flagged, err := a.Flagged(context.Background(), "go-concurrency")
	require.NoError(t, err)
	require.False(t, flagged)
}

func TestNotFlaggedWithoutLiveBullets(t *testing.T) {
	derived := newTestDerived(t)
	a := New(derived, 3000)
	require.NoError(t, a.AccrueServed(context.Background(), "empty-node", 100000))

	flagged, err := a.Flagged(context.Background(), "empty-node")
	require.NoError(t, err)
	require.False(t, flagged)
}

func TestDefaultThresholdAppliedWhenNonPositive(t *testing.T) {
	derived := newTestDerived(t)
	seedLiveBullets(t, derived, "go-concurrency", 1)

	a := New(derived, 0)
	require.Equal(t, int64(DefaultThreshold), a.threshold)
	require.NoError(t, a.AccrueServed(context.Background(), "go-concurrency", DefaultThreshold+1))

	flagged, err := a.Flagged(context.Background(), "go-concurrency")
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestAccrueServedIgnoresNonPositiveChars(t *testing.T) {
	derived := newTestDerived(t)
	seedLiveBullets(t, derived, "go-concurrency", 1)

	a := New(derived, 3000)
	require.NoError(t, a.AccrueServed(context.Background(), "go-concurrency", 0))
	require.NoError(t, a.AccrueServed(context.Background(), "go-concurrency", -5))

	served, err := derived.ServedChars(context.Background(), "go-concurrency")
	require.NoError(t, err)
	require.Equal(t, int64(0), served)
}
