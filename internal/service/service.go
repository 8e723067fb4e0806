// Package service adapts internal/rank and internal/store into the
// rpc.Service interface the daemon's control socket dispatches against.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/knowgraph/knowgraph/internal/index"
	"github.com/knowgraph/knowgraph/internal/model"
	"github.com/knowgraph/knowgraph/internal/rank"
	"github.com/knowgraph/knowgraph/internal/rpc"
	"github.com/knowgraph/knowgraph/internal/store"
	"github.com/knowgraph/knowgraph/internal/utils"
)

// maxSuggestDistance bounds how many edits a slug typo may have and still
// be offered as a "did you mean" suggestion on an empty Show.
const maxSuggestDistance = 3

const defaultSearchCharBudget = 4000

// Service wires the ranker and the record store behind rpc.Service.
type Service struct {
	records *store.Store
	ranker  *rank.Ranker
	indexer *index.Indexer
}

// New returns a Service backed by records, ranker and indexer.
func New(records *store.Store, ranker *rank.Ranker, indexer *index.Indexer) *Service {
	return &Service{records: records, ranker: ranker, indexer: indexer}
}

// Context implements rpc.Service: a formatted, budgeted context block for query.
func (s *Service) Context(ctx context.Context, query, sessionID string) (rpc.ContextResult, error) {
	res, err := s.ranker.Query(ctx, rank.Request{
		Query:      query,
		SessionID:  sessionID,
		CharBudget: defaultSearchCharBudget,
	})
	if err != nil {
		return rpc.ContextResult{}, err
	}
	return rpc.ContextResult{Text: res.Text, Partial: res.Partial}, nil
}

// Search implements rpc.Service: ranked hits with no formatting or budget.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]rpc.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	res, err := s.ranker.Query(ctx, rank.Request{Query: query, K: limit})
	if err != nil {
		return nil, err
	}
	// The ranker's Query already renders candidates to text; Search wants
	// raw hits, so split the grouped "## Title [slug]" blocks it produced
	// back into one SearchHit per bullet line.
	return parseHitsFromFormatted(res.Text), nil
}

// parseHitsFromFormatted extracts one SearchHit per bullet line from a
// rank.Result's formatted text. Score is not recoverable from the
// rendered text, so hits are returned in rank order with a descending
// placeholder score that preserves ordering for callers that sort on it.
func parseHitsFromFormatted(text string) []rpc.SearchHit {
	var hits []rpc.SearchHit
	var slug string
	ord := len(strings.Split(text, "\n"))
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			if i, j := strings.IndexByte(line, '['), strings.IndexByte(line, ']'); i >= 0 && j > i {
				slug = line[i+1 : j]
			}
		case strings.HasPrefix(line, "- "):
			hits = append(hits, rpc.SearchHit{
				Slug:  slug,
				Text:  strings.TrimPrefix(line, "- "),
				Score: float64(ord),
			})
			ord--
		}
	}
	return hits
}

// Show implements rpc.Service: every live bullet on slug, newline joined.
// A slug with no live bullets and no node of that name is treated as a
// likely typo: the nearest existing slug is suggested instead of an empty
// string.
func (s *Service) Show(ctx context.Context, slug string) (string, error) {
	bullets, err := s.records.List(slug)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", slug, err)
	}
	if len(bullets) == 0 {
		if suggestion := s.suggestSlug(slug); suggestion != "" {
			return fmt.Sprintf("no bullets on %q; did you mean %q?", slug, suggestion), nil
		}
		return "", nil
	}
	lines := make([]string, 0, len(bullets))
	for _, b := range bullets {
		lines = append(lines, fmt.Sprintf("- %s", b.Text))
	}
	return strings.Join(lines, "\n"), nil
}

// suggestSlug returns the closest known slug to slug by edit distance, or
// "" if none exists within maxSuggestDistance or slug is already a match.
func (s *Service) suggestSlug(slug string) string {
	slugs, err := s.records.Slugs()
	if err != nil {
		return ""
	}
	best, bestDist := "", maxSuggestDistance+1
	for _, candidate := range slugs {
		if candidate == slug {
			return ""
		}
		if d := utils.ComputeDistance(slug, candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	if bestDist > maxSuggestDistance {
		return ""
	}
	return best
}

// AddBullet implements rpc.Service: appends a bullet and reindexes its node
// inline, so the caller's next Search sees it without waiting on the watcher.
func (s *Service) AddBullet(ctx context.Context, slug, text, kind string) (string, error) {
	k := model.BulletKind(kind)
	if kind == "" {
		k = model.KindNote
	}
	if !k.IsValid() {
		return "", fmt.Errorf("invalid bullet kind %q", kind)
	}
	id, err := s.records.Add(slug, text, k)
	if err != nil {
		return "", err
	}
	if err := s.indexer.ReindexNode(ctx, slug); err != nil {
		return id, fmt.Errorf("added but reindex failed: %w", err)
	}
	return id, nil
}

// MarkReviewed implements rpc.Service: appends a reviewed record and
// reindexes slug inline, so served_budget(slug) == 0 by the time the RPC
// returns instead of waiting on the watcher's next debounce (spec.md §8).
func (s *Service) MarkReviewed(ctx context.Context, slug string) error {
	if err := s.records.MarkReviewed(slug); err != nil {
		return err
	}
	if err := s.indexer.ReindexNode(ctx, slug); err != nil {
		return fmt.Errorf("marked reviewed but reindex failed: %w", err)
	}
	return nil
}
