// Package calibrate implements the Calibrator (spec.md §4.F): it maps raw
// keyword BM25 and vector cosine scores onto comparable [0,1] quantiles by
// sampling the store, recording per-channel percentile breakpoints, and
// interpolating between them at query time.
package calibrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
)

// Channel names, matching the derived store's calibration table.
const (
	ChannelKeyword = "keyword"
	ChannelVector  = "vector"
)

const sampleSize = 200

// percentiles breakpoints are computed at p0, p10, p25, p50, p75, p90, p100.
var percentiles = [7]float64{0, 10, 25, 50, 75, 90, 100}

// Searcher issues the two retrieval channels against the full store, used
// to collect raw scores during sampling.
type Searcher interface {
	SearchKeywordScores(ctx context.Context, bulletText string) ([]float64, error)
	SearchVectorScores(ctx context.Context, bulletID string) ([]float64, error)
}

// Calibrator owns the derived store's calibration table.
type Calibrator struct {
	derived *sqlite.Store
}

// New returns a Calibrator backed by derived.
func New(derived *sqlite.Store) *Calibrator {
	return &Calibrator{derived: derived}
}

// Run samples up to sampleSize random nodes (one canonical bullet per
// node, per spec.md §4.F step 1 — RandomBulletSample samples at the node
// granularity), issues both retrieval channels for each, and persists
// fresh breakpoints.
func (c *Calibrator) Run(ctx context.Context, searcher Searcher) error {
	bullets, err := c.derived.RandomBulletSample(ctx, sampleSize)
	if err != nil {
		return fmt.Errorf("sampling bullets: %w", err)
	}

	var keywordScores, vectorScores []float64
	for _, b := range bullets {
		kwScores, err := searcher.SearchKeywordScores(ctx, b.Text)
		if err != nil {
			return fmt.Errorf("sampling keyword scores: %w", err)
		}
		keywordScores = append(keywordScores, kwScores...)

		vecScores, err := searcher.SearchVectorScores(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("sampling vector scores: %w", err)
		}
		vectorScores = append(vectorScores, vecScores...)
	}

	if points, ok := breakpointsFrom(keywordScores); ok {
		if err := c.derived.SaveCalibration(ctx, ChannelKeyword, points); err != nil {
			return fmt.Errorf("saving keyword calibration: %w", err)
		}
	}
	if points, ok := breakpointsFrom(vectorScores); ok {
		if err := c.derived.SaveCalibration(ctx, ChannelVector, points); err != nil {
			return fmt.Errorf("saving vector calibration: %w", err)
		}
	}
	return nil
}

// breakpointsFrom computes the 7 percentile breakpoints of scores. It
// reports false when there's nothing to calibrate from.
func breakpointsFrom(scores []float64) ([7]float64, bool) {
	var points [7]float64
	if len(scores) == 0 {
		return points, false
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	for i, p := range percentiles {
		points[i] = percentileValue(sorted, p)
	}
	return points, true
}

// percentileValue returns the p-th percentile (0-100) of sorted via linear
// interpolation between the two nearest ranks.
func percentileValue(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Quantile maps a raw score to [0,1] using channel's stored breakpoints via
// binary search and linear interpolation (spec.md §4.F). It returns 0 with
// ok=false when channel has no stored breakpoints, signaling the channel
// is effectively disabled.
func (c *Calibrator) Quantile(ctx context.Context, channel string, rawScore float64) (quantile float64, ok bool) {
	points, sampledAt, err := c.derived.LoadCalibration(ctx, channel)
	if err != nil || sampledAt.IsZero() {
		return 0, false
	}
	return quantileFromBreakpoints(points, rawScore), true
}

func quantileFromBreakpoints(points [7]float64, rawScore float64) float64 {
	if rawScore <= points[0] {
		return 0
	}
	if rawScore >= points[len(points)-1] {
		return 1
	}

	lo := sort.Search(len(points), func(i int) bool { return points[i] >= rawScore })
	if lo == 0 {
		return 0
	}
	hiIdx := lo
	loIdx := lo - 1

	loQuantile := percentiles[loIdx] / 100
	hiQuantile := percentiles[hiIdx] / 100
	span := points[hiIdx] - points[loIdx]
	if span == 0 {
		return loQuantile
	}
	frac := (rawScore - points[loIdx]) / span
	return loQuantile + frac*(hiQuantile-loQuantile)
}
