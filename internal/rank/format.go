package rank

import (
	"context"
	"fmt"
	"strings"
)

const maxExploreHints = 5

// format groups candidates by node in ranked order, emits a header (slug,
// title, optional over-budget flag) and the node's selected bullets, and
// an Explore hint of up to 5 backlinked slugs for each, bounded by
// charBudget (spec.md §4.G stage 7). charBudget <= 0 means unbounded.
// Within a node, bullets appear in the order of candidates (ranked order);
// they are not re-sorted by insertion time.
func (r *Ranker) format(ctx context.Context, candidates []candidate, charBudget int) (string, error) {
	order, bySlug := groupBySlug(candidates)

	var b strings.Builder
	for _, slug := range order {
		section, err := r.formatNode(ctx, slug, bySlug[slug])
		if err != nil {
			return "", err
		}

		if charBudget > 0 && b.Len()+len(section) > charBudget {
			remaining := charBudget - b.Len()
			if remaining > 0 {
				b.WriteString(section[:remaining])
			}
			break
		}
		b.WriteString(section)

		if err := r.accrueServed(ctx, slug, bySlug[slug]); err != nil {
			return "", err
		}
	}

	return b.String(), nil
}

func groupBySlug(candidates []candidate) ([]string, map[string][]candidate) {
	var order []string
	bySlug := make(map[string][]candidate)
	for _, c := range candidates {
		if _, seen := bySlug[c.Slug]; !seen {
			order = append(order, c.Slug)
		}
		bySlug[c.Slug] = append(bySlug[c.Slug], c)
	}
	return order, bySlug
}

func (r *Ranker) formatNode(ctx context.Context, slug string, bullets []candidate) (string, error) {
	var b strings.Builder

	flagged := false
	if r.budget != nil {
		var err error
		flagged, err = r.budget.Flagged(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("checking budget flag for %s: %w", slug, err)
		}
	}

	marker := ""
	if flagged {
		marker = " ⚠"
	}
	fmt.Fprintf(&b, "## %s [%s]%s\n", title(slug), slug, marker)

	for _, bullet := range bullets {
		fmt.Fprintf(&b, "- %s\n", bullet.Text)
	}

	backlinks, err := r.derived.BacklinkSlugs(ctx, slug, maxExploreHints)
	if err != nil {
		return "", fmt.Errorf("loading backlinks for %s: %w", slug, err)
	}
	if len(backlinks) > 0 {
		fmt.Fprintf(&b, "Explore: %s\n", strings.Join(backlinks, ", "))
	}
	b.WriteString("\n")

	return b.String(), nil
}

func (r *Ranker) accrueServed(ctx context.Context, slug string, bullets []candidate) error {
	if r.budget == nil {
		return nil
	}
	var chars int64
	for _, bullet := range bullets {
		chars += int64(len(bullet.Text))
	}
	return r.budget.AccrueServed(ctx, slug, chars)
}

// title turns a slug into a human-readable header, e.g. "go-concurrency"
// -> "Go Concurrency".
func title(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
