package chat

import (
	"sort"
	"strings"

	"finbot/pkg/vector"
)

const (
	// highConfidenceScore is the similarity above which a match is trusted
	// without keyword overlap.
	highConfidenceScore = 0.7
	// minPassageLen drops fragments too short to ground an answer.
	minPassageLen = 20
)

// filterMatches keeps the candidates worth citing. A candidate survives when
// its similarity clears the threshold AND it is either high-confidence or
// shares at least one whitespace-delimited token with the lower-cased query.
// Cosine similarity alone surfaces topically-adjacent passages that do not
// answer the question; the keyword check raises precision for borderline
// scores. Survivors are ordered by similarity, best first.
func filterMatches(query string, matches []vector.Match, threshold float64) []vector.Match {
	queryTokens := strings.Fields(strings.ToLower(query))
	kept := make([]vector.Match, 0, len(matches))
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		if len(strings.TrimSpace(m.Content)) < minPassageLen {
			continue
		}
		if m.Score > highConfidenceScore || hasTokenOverlap(m.Content, queryTokens) {
			kept = append(kept, m)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	return kept
}

func hasTokenOverlap(content string, queryTokens []string) bool {
	lower := strings.ToLower(content)
	for _, token := range queryTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
