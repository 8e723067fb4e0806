package rank

import "strings"

// tokenize splits text on non-alphanumeric boundaries, lowercases, and
// drops tokens shorter than 2 characters (spec.md §4.G stage 1).
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() >= 2 {
			tokens = append(tokens, strings.ToLower(cur.String()))
		}
		cur.Reset()
	}

	for _, r := range text {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isAlnum {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// ftsQuery builds `(t1 OR t1*) (t2 OR t2*) ...`, each token expanded to
// itself-plus-prefix and the groups joined by implicit FTS5 AND (spec.md
// §4.G stage 1).
func ftsQuery(tokens []string) string {
	groups := make([]string, 0, len(tokens))
	for _, t := range tokens {
		groups = append(groups, "("+t+" OR "+t+"*)")
	}
	return strings.Join(groups, " ")
}
