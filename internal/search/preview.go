package search

import (
	"sort"
	"strings"
	"unicode"
)

const maxOccurrencesPerToken = 64

// queryTokens splits a query into lowercase match tokens. Punctuation is
// trimmed from the edges and single-rune fragments are dropped. When nothing
// survives, the whole trimmed query is used as one token so short queries
// still match literally.
func queryTokens(query string) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, field := range strings.Fields(query) {
		tok := strings.ToLower(field)
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if len([]rune(tok)) < 2 || seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		if trimmed := strings.ToLower(strings.TrimSpace(query)); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	return tokens
}

// buildPreviews extracts up to maxWindows fragments of radius runes on each
// side of the strongest matching token. Highlight offsets are relative to the
// fragment and measured in runes.
func buildPreviews(corpus string, tokens []string, radius, maxWindows int) []Preview {
	if corpus == "" || len(tokens) == 0 || maxWindows <= 0 {
		return nil
	}
	orig := []rune(corpus)
	// Lowercase rune by rune so offsets line up with the original text.
	lower := make([]rune, len(orig))
	for i, r := range orig {
		lower[i] = unicode.ToLower(r)
	}

	occ := make(map[string][]int, len(tokens))
	for _, tok := range tokens {
		occ[tok] = runeIndexAll(lower, []rune(tok), maxOccurrencesPerToken)
	}

	strongest := strongestToken(tokens, occ)
	if strongest == "" {
		return nil
	}
	strongLen := len([]rune(strongest))

	var previews []Preview
	lastEnd := 0
	for _, pos := range occ[strongest] {
		if len(previews) == maxWindows {
			break
		}
		if len(previews) > 0 && pos < lastEnd {
			continue
		}
		start := pos - radius
		if start < 0 {
			start = 0
		}
		end := pos + strongLen + radius
		if end > len(orig) {
			end = len(orig)
		}
		previews = append(previews, Preview{
			Fragment:   string(orig[start:end]),
			Highlights: highlightsIn(occ, tokens, start, end),
		})
		lastEnd = end
	}
	return previews
}

// strongestToken picks the token with the most occurrences. Ties go to the
// longer token, then to query order.
func strongestToken(tokens []string, occ map[string][]int) string {
	best := ""
	bestCount, bestLen := 0, 0
	for _, tok := range tokens {
		count := len(occ[tok])
		if count == 0 {
			continue
		}
		tokLen := len([]rune(tok))
		if count > bestCount || (count == bestCount && tokLen > bestLen) {
			best, bestCount, bestLen = tok, count, tokLen
		}
	}
	return best
}

// highlightsIn collects the spans of every token fully contained in the
// window [start, end), relative to the window start. Overlapping spans keep
// the earlier one.
func highlightsIn(occ map[string][]int, tokens []string, start, end int) []Highlight {
	var spans []Highlight
	for _, tok := range tokens {
		tokLen := len([]rune(tok))
		for _, pos := range occ[tok] {
			if pos < start || pos+tokLen > end {
				continue
			}
			spans = append(spans, Highlight{Start: pos - start, End: pos - start + tokLen})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End < spans[j].End
	})
	kept := spans[:0]
	lastEnd := -1
	for _, sp := range spans {
		if sp.Start < lastEnd {
			continue
		}
		kept = append(kept, sp)
		lastEnd = sp.End
	}
	return kept
}

// runeIndexAll returns the start offsets of up to limit non-overlapping
// occurrences of needle in haystack.
func runeIndexAll(haystack, needle []rune, limit int) []int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return nil
	}
	var out []int
	for i := 0; i+len(needle) <= len(haystack) && len(out) < limit; {
		if matchAt(haystack, needle, i) {
			out = append(out, i)
			i += len(needle)
			continue
		}
		i++
	}
	return out
}

func matchAt(haystack, needle []rune, at int) bool {
	for j, r := range needle {
		if haystack[at+j] != r {
			return false
		}
	}
	return true
}
