package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/knowgraph/knowgraph/internal/model"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
)

// ErrQueueFull is returned by Enqueue when the backlog is saturated. The
// bullet is not lost: the next reindex pass re-enqueues it, since its
// content hash still won't match anything pinned in the derived store.
var ErrQueueFull = errors.New("embedding queue full")

// Logger is the minimal logging surface the queue needs; satisfied by
// internal/logging's logger as well as testing.T-style fakes.
type Logger interface {
	Logf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...interface{}) {}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Queue is a bounded in-process worker pool that turns enqueued bullets
// into vectors, checking the content-addressed cache before ever calling a
// provider (spec.md §4.D). It implements internal/index.EmbeddingQueue.
type Queue struct {
	provider Provider
	derived  *sqlite.Store
	logger   Logger

	work chan *model.Bullet

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewQueue starts workers workers pulling from a backlog of size backlog.
// provider may be nil, in which case Enqueue is a no-op (spec.md §4.D's
// graceful "unembedded" fallback when no embedding backend is configured).
func NewQueue(provider Provider, derived *sqlite.Store, workers, backlog int, logger Logger) *Queue {
	if logger == nil {
		logger = nopLogger{}
	}
	q := &Queue{
		provider: provider,
		derived:  derived,
		logger:   logger,
		work:     make(chan *model.Bullet, backlog),
		stop:     make(chan struct{}),
	}
	if provider != nil {
		for i := 0; i < workers; i++ {
			q.wg.Add(1)
			go q.runWorker()
		}
	}
	return q
}

// Enqueue submits b for embedding without blocking. It returns ErrQueueFull
// if the backlog is saturated rather than applying backpressure to the
// indexer's reindex pass.
func (q *Queue) Enqueue(b *model.Bullet) error {
	if q.provider == nil {
		return nil
	}
	select {
	case q.work <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting new work and waits for in-flight embeddings to
// finish.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *Queue) runWorker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case b := <-q.work:
			q.process(b)
		}
	}
}

func (q *Queue) process(b *model.Bullet) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hash := contentHash(b.Text)
	modelID := q.provider.ModelID()

	if dim, vec, err := q.derived.CachedEmbedding(ctx, modelID, hash); err == nil {
		if err := q.derived.UpsertEmbedding(ctx, b.ID, modelID, hash, dim, vec); err != nil {
			q.logger.Logf("embed: pinning cached vector for %s: %v", b.ID, err)
		}
		return
	}

	vec, err := q.provider.Embed(ctx, b.Text)
	if err != nil {
		q.logger.Logf("embed: %s left unembedded, provider error: %v", b.ID, err)
		return
	}

	encoded := EncodeVector(vec)
	if err := q.derived.PutCachedEmbedding(ctx, modelID, hash, len(vec), encoded); err != nil {
		q.logger.Logf("embed: caching vector for %s: %v", b.ID, err)
	}
	if err := q.derived.UpsertEmbedding(ctx, b.ID, modelID, hash, len(vec), encoded); err != nil {
		q.logger.Logf("embed: pinning vector for %s: %v", b.ID, err)
	}
}
