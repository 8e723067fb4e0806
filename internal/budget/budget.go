// Package budget implements the budget accountant (spec.md §4.H): tracking
// how many characters each node has contributed to served contexts and
// flagging nodes whose served/live-bullet ratio suggests they've been
// over-served without review.
package budget

import (
	"context"
	"fmt"

	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
)

// DefaultThreshold is the default budget_threshold (spec.md §4.H, §6).
const DefaultThreshold = 3000

// Accountant tracks per-node served character counts in the derived store.
type Accountant struct {
	derived   *sqlite.Store
	threshold int64
}

// New returns an Accountant using threshold (review.budget_threshold from
// config); a threshold <= 0 falls back to DefaultThreshold.
func New(derived *sqlite.Store, threshold int64) *Accountant {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Accountant{derived: derived, threshold: threshold}
}

// AccrueServed adds the served character counts for every node that
// contributed to one served context. It's called once per node per served
// context, after formatting (spec.md §4.G stage 7, §4.H).
func (a *Accountant) AccrueServed(ctx context.Context, slug string, chars int64) error {
	if chars <= 0 {
		return nil
	}
	if err := a.derived.AddServedChars(ctx, slug, chars); err != nil {
		return fmt.Errorf("accruing served chars for %s: %w", slug, err)
	}
	return nil
}

// Flagged reports whether slug's served_budget/live_bullet_count ratio
// exceeds the configured threshold (spec.md §4.H). A node with zero live
// bullets is never flagged (nothing to review).
func (a *Accountant) Flagged(ctx context.Context, slug string) (bool, error) {
	served, err := a.derived.ServedChars(ctx, slug)
	if err != nil {
		return false, fmt.Errorf("reading served chars for %s: %w", slug, err)
	}
	liveCount, err := a.derived.LiveBulletCount(ctx, slug)
	if err != nil {
		return false, fmt.Errorf("reading live bullet count for %s: %w", slug, err)
	}
	if liveCount == 0 {
		return false, nil
	}
	return float64(served)/float64(liveCount) > float64(a.threshold), nil
}
