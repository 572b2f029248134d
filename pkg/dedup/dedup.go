// Package dedup provides title normalization and similarity matching
// used to cluster items from different sources into story groups.
package dedup

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultThreshold is the minimum Jaccard similarity for two titles
// to be considered the same story.
const DefaultThreshold = 0.6

const maxNormalizedLen = 100

// stopWords are dropped from normalized titles before comparison
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "this": {},
	"that": {}, "are": {}, "was": {}, "has": {}, "have": {}, "will": {},
	"after": {}, "over": {}, "into": {}, "about": {}, "amid": {}, "says": {},
	"say": {}, "said": {}, "its": {}, "his": {}, "her": {},
	"they": {}, "been": {}, "more": {}, "than": {}, "out": {}, "how": {},
	"why": {}, "what": {}, "when": {}, "who": {}, "you": {}, "your": {},
	"not": {}, "but": {}, "can": {}, "could": {}, "would": {}, "should": {},
}

// Normalize turns a title into a canonical form: lowercase, punctuation
// stripped, whitespace collapsed, short tokens and stop-words dropped,
// truncated to 100 characters. Pure and deterministic.
func Normalize(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	tokens := make([]string, 0, 16)
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) <= 2 {
			continue
		}
		if _, ok := stopWords[tok]; ok {
			continue
		}
		tokens = append(tokens, tok)
	}

	normalized := strings.Join(tokens, " ")
	if len(normalized) > maxNormalizedLen {
		cut := maxNormalizedLen
		for cut > 0 && !utf8.RuneStart(normalized[cut]) {
			cut-- // back off to a rune boundary
		}
		normalized = normalized[:cut]
	}
	return normalized
}

// Similarity computes the Jaccard index over the token sets of two
// normalized titles. Returns 0 if either side has no tokens.
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// Candidate is a story group considered for matching
type Candidate struct {
	ID    int64
	Title string // normalized canonical title
}

// MatchGroup scans candidates for the best match against a normalized title.
// A candidate wins only with a score strictly greater than the running best
// and at or above the threshold, so ties keep the first candidate seen.
// Returns the matched candidate ID and true, or 0 and false when nothing
// clears the threshold.
func MatchGroup(normalizedTitle string, candidates []Candidate, threshold float64) (int64, bool) {
	var bestID int64
	bestScore := 0.0
	found := false

	for _, c := range candidates {
		score := Similarity(normalizedTitle, c.Title)
		if score >= threshold && score > bestScore {
			bestScore = score
			bestID = c.ID
			found = true
		}
	}

	return bestID, found
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}
