package engine

import (
	"sort"

	"github.com/hbollon/go-edlib"
)

// DefaultFuzzyThreshold is the minimum partial-ratio similarity (0-100)
// a title needs to become a fallback candidate.
const DefaultFuzzyThreshold = 50.0

// FuzzyMatch is a title match with its similarity in [0,100].
type FuzzyMatch struct {
	ID         string
	Similarity float64
}

// FuzzyMatcher is the last-resort title matcher used when neither the
// dense nor the lexical stage produced a candidate.
type FuzzyMatcher struct{}

// BestMatches scores query against every candidate title and keeps the
// matches whose similarity is at least threshold, best first (ties by id),
// at most limit of them.
func (FuzzyMatcher) BestMatches(query string, candidates map[string]string, threshold float64, limit int) []FuzzyMatch {
	if limit <= 0 || query == "" {
		return nil
	}

	matches := make([]FuzzyMatch, 0)
	for id, title := range candidates {
		sim := PartialRatio(query, title)
		if sim >= threshold {
			matches = append(matches, FuzzyMatch{ID: id, Similarity: sim})
		}
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Similarity != matches[b].Similarity {
			return matches[a].Similarity > matches[b].Similarity
		}
		return matches[a].ID < matches[b].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// PartialRatio is the best similarity (0-100) between the shorter string
// and any window of the same length in the longer one.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}

	s := string(short)
	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		r := ratio(s, string(long[i:i+len(short)]))
		if r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

// ratio is the normalised indel similarity 2*LCS/(|a|+|b|), scaled to 100.
func ratio(a, b string) float64 {
	total := len([]rune(a)) + len([]rune(b))
	if total == 0 {
		return 100
	}
	return 100 * float64(2*edlib.LCS(a, b)) / float64(total)
}
