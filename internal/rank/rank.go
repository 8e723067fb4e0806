// Package rank implements the hybrid ranker (spec.md §4.G): keyword and
// vector retrieval, quantile calibration, score fusion, session-aware
// dedup/boost, cross-encoder reranking, and context formatting.
package rank

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knowgraph/knowgraph/internal/budget"
	"github.com/knowgraph/knowgraph/internal/calibrate"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
)

// ErrIndexUnavailable is returned when both retrieval channels fail
// (spec.md §4.G "Error semantics").
var ErrIndexUnavailable = fmt.Errorf("index unavailable: both keyword and vector channels failed")

const (
	defaultK        = 20
	defaultPoolSize = 60
	softDeadline    = 10 * time.Second
	sessionBoost    = 1.3
	sessionTTL      = 2 * time.Hour
)

// Weights controls score fusion (spec.md §6 search.*).
type Weights struct {
	FTSWeight      float64
	VectorWeight   float64
	DualMatchBonus float64
}

// DefaultWeights matches spec.md §4.G stage 4's defaults.
var DefaultWeights = Weights{FTSWeight: 0.5, VectorWeight: 0.5, DualMatchBonus: 0.1}

// Embedder computes a query embedding; satisfied by internal/embed.Provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorHit is one vector-channel result.
type VectorHit struct {
	BulletID string
	Cosine   float64
}

// VectorSearcher queries the vector server; satisfied by
// internal/vectorindex.Client.
type VectorSearcher interface {
	Query(ctx context.Context, vector []float32, k int) ([]VectorHit, error)
}

// Reranker scores a (query, bullet text) pair; satisfied by a
// cross-encoder client (internal/rank/rerank.go's AnthropicReranker).
type Reranker interface {
	Score(ctx context.Context, query, bulletText string) (float64, error)
}

// Request is one call into the ranker.
type Request struct {
	Query       string
	RerankQuery string // falls back to Query when empty
	SessionID   string
	K           int // final result count, default 20
	PoolSize    int // candidates considered before rerank, default 60
	CharBudget  int // 0 means unbounded
}

// Result is the ranker's output.
type Result struct {
	Text    string
	Partial bool
}

type candidate struct {
	BulletID   string
	Slug       string
	Text       string
	inKeyword  bool
	inVector   bool
	keywordRaw float64 // higher is better (negated bm25)
	vectorRaw  float64 // cosine
	fused      float64
}

// Ranker wires the retrieval channels, calibration, session bookkeeping,
// reranking and formatting together.
type Ranker struct {
	derived    *sqlite.Store
	calibrator *calibrate.Calibrator
	vector     VectorSearcher
	embedder   Embedder // nil disables the vector channel gracefully
	reranker   Reranker // nil skips reranking
	budget     *budget.Accountant
	weights    Weights
	useRerank  bool
}

// New builds a Ranker. embedder and reranker may be nil (vector search and
// reranking are then skipped gracefully); vector may be nil alongside a
// nil embedder.
func New(derived *sqlite.Store, calibrator *calibrate.Calibrator, vector VectorSearcher, embedder Embedder, reranker Reranker, acct *budget.Accountant, weights Weights, useRerank bool) *Ranker {
	return &Ranker{
		derived:    derived,
		calibrator: calibrator,
		vector:     vector,
		embedder:   embedder,
		reranker:   reranker,
		budget:     acct,
		weights:    weights,
		useRerank:  useRerank,
	}
}

// Query runs the full pipeline for req (spec.md §4.G).
func (r *Ranker) Query(ctx context.Context, req Request) (Result, error) {
	if req.K <= 0 {
		req.K = defaultK
	}
	if req.PoolSize <= 0 {
		req.PoolSize = defaultPoolSize
	}
	rerankQuery := req.RerankQuery
	if rerankQuery == "" {
		rerankQuery = req.Query
	}

	qctx, cancel := context.WithTimeout(ctx, softDeadline)
	defer cancel()

	var keywordCandidates []sqlite.KeywordCandidate
	var vectorHits []VectorHit
	var keywordErr, vectorErr error

	g, gctx := errgroup.WithContext(qctx)
	g.Go(func() error {
		tokens := tokenize(req.Query)
		hits, err := r.derived.SearchKeyword(gctx, ftsQuery(tokens), req.PoolSize)
		if err != nil {
			keywordErr = err
			return nil
		}
		keywordCandidates = hits
		return nil
	})
	g.Go(func() error {
		if r.weights.VectorWeight == 0 || r.embedder == nil || r.vector == nil {
			return nil
		}
		vec, err := r.embedder.Embed(gctx, req.Query)
		if err != nil {
			vectorErr = err
			return nil
		}
		hits, err := r.vector.Query(gctx, vec, req.PoolSize)
		if err != nil {
			vectorErr = err
			return nil
		}
		vectorHits = hits
		return nil
	})
	_ = g.Wait()

	partial := qctx.Err() != nil
	if keywordErr != nil && (vectorErr != nil || r.embedder == nil) {
		return Result{}, ErrIndexUnavailable
	}

	candidates, err := r.mergeAndFuse(ctx, keywordCandidates, vectorHits)
	if err != nil {
		return Result{}, fmt.Errorf("fusing candidates: %w", err)
	}

	if req.SessionID != "" {
		candidates, err = r.applySessionAdjustment(ctx, req.SessionID, candidates)
		if err != nil {
			return Result{}, fmt.Errorf("applying session adjustment: %w", err)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].fused != candidates[j].fused {
			return candidates[i].fused > candidates[j].fused
		}
		return candidates[i].BulletID < candidates[j].BulletID
	})

	if r.useRerank && r.reranker != nil {
		candidates = r.rerank(qctx, rerankQuery, candidates)
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].fused != candidates[j].fused {
				return candidates[i].fused > candidates[j].fused
			}
			return candidates[i].BulletID < candidates[j].BulletID
		})
	}

	if len(candidates) > req.K {
		candidates = candidates[:req.K]
	}

	if req.SessionID != "" {
		for _, c := range candidates {
			if err := r.derived.MarkServed(ctx, req.SessionID, c.BulletID); err != nil {
				return Result{}, fmt.Errorf("marking served: %w", err)
			}
		}
	}

	text, err := r.format(ctx, candidates, req.CharBudget)
	if err != nil {
		return Result{}, fmt.Errorf("formatting context: %w", err)
	}

	return Result{Text: text, Partial: partial}, nil
}

func (r *Ranker) mergeAndFuse(ctx context.Context, keyword []sqlite.KeywordCandidate, vector []VectorHit) ([]candidate, error) {
	byID := make(map[string]*candidate)

	for _, k := range keyword {
		byID[k.BulletID] = &candidate{
			BulletID: k.BulletID, Slug: k.Slug, Text: k.Text,
			inKeyword: true, keywordRaw: -k.BM25,
		}
	}

	var missingIDs []string
	for _, v := range vector {
		if c, ok := byID[v.BulletID]; ok {
			c.inVector = true
			c.vectorRaw = v.Cosine
			continue
		}
		byID[v.BulletID] = &candidate{BulletID: v.BulletID, inVector: true, vectorRaw: v.Cosine}
		missingIDs = append(missingIDs, v.BulletID)
	}

	if len(missingIDs) > 0 {
		bullets, err := r.derived.BulletsByID(ctx, missingIDs)
		if err != nil {
			return nil, fmt.Errorf("loading vector-only bullets: %w", err)
		}
		for id, b := range bullets {
			byID[id].Slug = b.Slug
			byID[id].Text = b.Text
		}
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		if c.Slug == "" {
			continue // vector hit for a bullet deleted since embedding, no longer live
		}
		if r.weights.VectorWeight == 0 && !c.inKeyword {
			continue // vector channel fully suppressed (§9 OQ1); a vector-only hit has nothing left to rank on
		}
		c.fused = r.fuse(ctx, *c)
		out = append(out, *c)
	}
	return out, nil
}

// fuse combines a candidate's calibrated keyword and vector quantiles per
// r.weights. A VectorWeight of 0 suppresses the vector channel entirely
// (spec.md §9 Open Question 1): no vector quantile is looked up, and no
// dual-match bonus applies, regardless of whether calibration breakpoints
// happen to be stored for it. Otherwise the dual-match bonus applies only
// when both the keyword and the vector quantile are greater than zero.
func (r *Ranker) fuse(ctx context.Context, c candidate) float64 {
	kwQuantile := 0.0
	if c.inKeyword {
		if q, ok := r.calibrator.Quantile(ctx, calibrate.ChannelKeyword, c.keywordRaw); ok {
			kwQuantile = q
		}
	}

	if r.weights.VectorWeight == 0 {
		return r.weights.FTSWeight * kwQuantile
	}

	vecQuantile := 0.0
	if c.inVector {
		if q, ok := r.calibrator.Quantile(ctx, calibrate.ChannelVector, c.vectorRaw); ok {
			vecQuantile = q
		}
	}

	fused := r.weights.FTSWeight*kwQuantile + r.weights.VectorWeight*vecQuantile
	if kwQuantile > 0 && vecQuantile > 0 {
		fused += r.weights.DualMatchBonus
	}
	return fused
}

func (r *Ranker) applySessionAdjustment(ctx context.Context, sessionID string, candidates []candidate) ([]candidate, error) {
	cutoff := time.Now().Add(-sessionTTL)

	served, err := r.derived.ServedSince(ctx, sessionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("loading served bullets: %w", err)
	}
	servedSlugs, err := r.derived.ServedSlugsSince(ctx, sessionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("loading served slugs: %w", err)
	}

	out := candidates[:0]
	for _, c := range candidates {
		if _, seen := served[c.BulletID]; seen {
			continue
		}
		if _, touched := servedSlugs[c.Slug]; touched {
			c.fused *= sessionBoost
		}
		out = append(out, c)
	}
	return out, nil
}
