package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/knowgraph/knowgraph/internal/model"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
	"github.com/knowgraph/knowgraph/internal/store"
)

// EmbeddingQueue receives bullets whose text changed since the last index,
// so the embedding service can compute (or reuse a cached) vector for them
// asynchronously (spec.md §4.D). Implemented by internal/embed.Queue.
type EmbeddingQueue interface {
	Enqueue(b *model.Bullet) error
}

// Indexer reconciles the derived store (internal/storage/sqlite) against
// the record store (internal/store) for one or all nodes.
type Indexer struct {
	records  *store.Store
	derived  *sqlite.Store
	embedder EmbeddingQueue
}

// New returns an Indexer. embedder may be nil, in which case bullets are
// indexed for keyword search and backlinks but never queued for embedding
// (spec.md §4.D's graceful "unembedded" fallback covers serving in that state).
func New(records *store.Store, derived *sqlite.Store, embedder EmbeddingQueue) *Indexer {
	return &Indexer{records: records, derived: derived, embedder: embedder}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ReindexNode diffs slug's live bullet set against what's mirrored in the
// derived store (spec.md §4.B). It upserts every live bullet and rewrites
// its backlinks on each call, whether or not the bullet changed, and
// deletes mirrored bullets that are no longer live. It also replays
// meta.jsonl so a `reviewed` record clears the node's served-budget counter.
func (ix *Indexer) ReindexNode(ctx context.Context, slug string) error {
	live, err := ix.records.List(slug)
	if err != nil {
		return fmt.Errorf("listing live bullets for %s: %w", slug, err)
	}
	tombstoned, err := ix.records.ListAllTombstones(slug)
	if err != nil {
		return fmt.Errorf("listing tombstones for %s: %w", slug, err)
	}

	liveByID := make(map[string]*model.Bullet, len(live))
	for _, b := range live {
		liveByID[b.ID] = b
	}

	indexed, err := ix.derived.IndexedIDs(ctx, slug)
	if err != nil {
		return fmt.Errorf("loading indexed ids for %s: %w", slug, err)
	}

	for _, b := range liveByID {
		if err := ix.derived.UpsertBullet(ctx, b); err != nil {
			return err
		}
		if err := ix.reindexBacklinks(ctx, b); err != nil {
			return err
		}
		if err := ix.maybeEnqueueEmbedding(ctx, b); err != nil {
			return err
		}
	}

	for id := range indexed {
		if _, stillLive := liveByID[id]; stillLive {
			continue
		}
		if err := ix.derived.DeleteBullet(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range tombstoned {
		if _, stillLive := liveByID[id]; stillLive {
			continue
		}
		if err := ix.derived.DeleteBullet(ctx, id); err != nil {
			return err
		}
	}

	meta, err := ix.records.Meta(slug)
	if err != nil {
		return fmt.Errorf("loading meta for %s: %w", slug, err)
	}
	if !meta.ClearedAt.IsZero() {
		current, err := ix.derived.ServedChars(ctx, slug)
		if err != nil {
			return err
		}
		if current != 0 {
			if err := ix.derived.ResetServedChars(ctx, slug, meta.ClearedAt); err != nil {
				return err
			}
		}
	}

	return nil
}

// reindexBacklinks recomputes and stores the backlink edges sourced from
// bullet b's current text.
func (ix *Indexer) reindexBacklinks(ctx context.Context, b *model.Bullet) error {
	targets := ExtractLinks(b.Text)
	return ix.derived.ReplaceBacklinks(ctx, b.ID, b.Slug, targets)
}

// maybeEnqueueEmbedding enqueues b for embedding unless the derived store
// already holds a vector pinned to its current content hash (spec.md §4.D).
func (ix *Indexer) maybeEnqueueEmbedding(ctx context.Context, b *model.Bullet) error {
	if ix.embedder == nil {
		return nil
	}
	hash := contentHash(b.Text)
	existing, err := ix.derived.EmbeddingContentHash(ctx, b.ID)
	if err == nil && existing == hash {
		return nil
	}
	return ix.embedder.Enqueue(b)
}

// ReindexAll runs ReindexNode for every node in the record store, used
// after a schema version bump or on first start against an empty derived
// database (spec.md §4.B, §4.I). It does not drop the derived tables and
// does not run inside one transaction: each node is reindexed on its own,
// and the first failing node stops the walk.
func (ix *Indexer) ReindexAll(ctx context.Context) error {
	slugs, err := ix.records.Slugs()
	if err != nil {
		return fmt.Errorf("listing slugs: %w", err)
	}
	for _, slug := range slugs {
		if err := ix.ReindexNode(ctx, slug); err != nil {
			return fmt.Errorf("reindexing %s: %w", slug, err)
		}
	}
	return nil
}
