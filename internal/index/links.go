// Package index implements the indexer (spec.md §4.B): it replays the
// record store's live view for a node and reconciles the derived store so
// that the keyword index, backlinks, and embedding queue all agree with it.
package index

import (
	"regexp"
	"strings"
)

// linkPattern matches both `[[slug]]` and `[slug]` backlink tokens
// (spec.md §3). The double-bracket form is tried first by alternation
// order so `[[slug]]` never also yields a spurious `[slug]` match.
var linkPattern = regexp.MustCompile(`\[\[([a-z0-9][a-z0-9-]*)\]\]|\[([a-z0-9][a-z0-9-]*)\]`)

// ExtractLinks returns the distinct slugs referenced by `[[slug]]` or
// `[slug]` tokens in text, in first-appearance order.
func ExtractLinks(text string) []string {
	matches := linkPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		slug := m[1]
		if slug == "" {
			slug = m[2]
		}
		if seen[slug] {
			continue
		}
		seen[slug] = true
		out = append(out, strings.ToLower(slug))
	}
	return out
}
