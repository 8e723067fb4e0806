package embed

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knowgraph/knowgraph/internal/model"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
)

type fakeProvider struct {
	modelID string
	calls   int32
	err     error
	vec     []float32
}

func (f *fakeProvider) ModelID() string { return f.modelID }

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func newTestDerived(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "derived.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestQueueEmbedsAndCaches(t *testing.T) {
	derived := newTestDerived(t)
	provider := &fakeProvider{modelID: "fake", vec: []float32{0.1, 0.2, 0.3}}
	q := NewQueue(provider, derived, 1, 4, nil)
	defer q.Close()

	b := &model.Bullet{ID: "b-1", Slug: "s", Text: "hello world", Kind: model.KindFact}
	require.NoError(t, q.Enqueue(b))

	require.Eventually(t, func() bool {
		hash, err := derived.EmbeddingContentHash(context.Background(), "b-1")
		return err == nil && hash == contentHash("hello world")
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))

	dim, vec, err := derived.CachedEmbedding(context.Background(), provider.ModelID(), contentHash("hello world"))
	require.NoError(t, err)
	require.Equal(t, 3, dim)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, DecodeVector(vec))
}

func TestQueueSkipsProviderOnCacheHit(t *testing.T) {
	derived := newTestDerived(t)
	provider := &fakeProvider{modelID: "fake", vec: []float32{1, 2}}

	hash := contentHash("cached text")
	require.NoError(t, derived.PutCachedEmbedding(context.Background(), provider.ModelID(), hash, 2, EncodeVector([]float32{9, 9})))

	q := NewQueue(provider, derived, 1, 4, nil)
	defer q.Close()

	b := &model.Bullet{ID: "b-2", Slug: "s", Text: "cached text", Kind: model.KindFact}
	require.NoError(t, q.Enqueue(b))

	require.Eventually(t, func() bool {
		h, err := derived.EmbeddingContentHash(context.Background(), "b-2")
		return err == nil && h == hash
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, int32(0), atomic.LoadInt32(&provider.calls))
}

func TestQueueLeavesBulletUnembeddedOnProviderError(t *testing.T) {
	derived := newTestDerived(t)
	provider := &fakeProvider{modelID: "fake", err: errors.New("boom")}
	q := NewQueue(provider, derived, 1, 4, nil)
	defer q.Close()

	b := &model.Bullet{ID: "b-3", Slug: "s", Text: "x", Kind: model.KindFact}
	require.NoError(t, q.Enqueue(b))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&provider.calls) > 0
	}, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, err := derived.EmbeddingContentHash(context.Background(), "b-3")
	require.Error(t, err)
}

func TestEnqueueNoopWithoutProvider(t *testing.T) {
	derived := newTestDerived(t)
	q := NewQueue(nil, derived, 1, 4, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(&model.Bullet{ID: "b-4", Slug: "s", Text: "x"}))
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	vec := []float32{1.5, -2.25, 0, 100.125}
	require.Equal(t, vec, DecodeVector(EncodeVector(vec)))
}

func TestIsRetryableClassification(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(ErrProviderUnavailable))
}
