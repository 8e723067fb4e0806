package calibrate

import (
	"context"
	"fmt"
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

type fakeSearcher struct {
	keyword []float64
	vector  []float64
}

func (f fakeSearcher) SearchKeywordScores(ctx context.Context, text string) ([]float64, error) {
	return f.keyword, nil
}

func (f fakeSearcher) SearchVectorScores(ctx context.Context, bulletID string) ([]float64, error) {
	return f.vector, nil
}

func seedBullets(t *testing.T, s *sqlite.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		b := &model.Bullet{
			ID: fmt.Sprintf("b-%08d", i), Slug: "node", Text: "text", Kind: model.KindFact,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		require.NoError(t, s.UpsertBullet(context.Background(), b))
	}
}

func TestRunPersistsBreakpointsFromSampledScores(t *testing.T) {
	derived := newTestDerived(t)
	seedBullets(t, derived, 3)

	c := New(derived)
	searcher := fakeSearcher{
		keyword: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		vector:  []float64{0.1, 0.2, 0.3},
	}
	require.NoError(t, c.Run(context.Background(), searcher))

	q, ok := c.Quantile(context.Background(), ChannelKeyword, 5.5)
	require.True(t, ok)
	require.InDelta(t, 0.5, q, 0.1)
}

func TestQuantileDisabledWithoutBreakpoints(t *testing.T) {
	derived := newTestDerived(t)
	c := New(derived)

	q, ok := c.Quantile(context.Background(), ChannelVector, 0.5)
	require.False(t, ok)
	require.Equal(t, 0.0, q)
}

func TestQuantileClampsOutOfRangeScores(t *testing.T) {
	derived := newTestDerived(t)
	require.NoError(t, derived.SaveCalibration(context.Background(), ChannelKeyword, [7]float64{0, 1, 2, 3, 4, 5, 6}))

	c := New(derived)
	low, ok := c.Quantile(context.Background(), ChannelKeyword, -5)
	require.True(t, ok)
	require.Equal(t, 0.0, low)

	high, ok := c.Quantile(context.Background(), ChannelKeyword, 100)
	require.True(t, ok)
	require.Equal(t, 1.0, high)
}

func TestPercentileValueInterpolatesMidpoints(t *testing.T) {
	sorted := []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	require.Equal(t, 0.0, percentileValue(sorted, 0))
	require.Equal(t, 100.0, percentileValue(sorted, 100))
	require.InDelta(t, 50.0, percentileValue(sorted, 50), 1e-9)
}
