// Package dedup collapses the same paper reported by several bibliographic
// sources into one record.
package dedup

import (
	"strings"
	"unicode"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// AuthorOverlap scores how alike two author lists are, from 0 to 1.
// Each author of the shorter list is greedily paired with its most similar
// unpaired author in the longer list; the summed similarity is divided by
// the size of the union. The score is symmetric and 0 when either list is
// empty.
func AuthorOverlap(a, b []domain.Author) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	short, long := normalizeAuthors(a), normalizeAuthors(b)
	if len(short) > len(long) {
		short, long = long, short
	}

	used := make([]bool, len(long))
	total, pairs := 0.0, 0
	for _, name := range short {
		best, bestIdx := 0.0, -1
		for j, other := range long {
			if used[j] {
				continue
			}
			if s := nameSimilarity(name, other); s > best {
				best, bestIdx = s, j
			}
		}
		if bestIdx >= 0 {
			used[bestIdx] = true
			total += best
			pairs++
		}
	}

	union := len(short) + len(long) - pairs
	if union == 0 {
		return 0
	}
	return total / float64(union)
}

// NormalizeName lowercases a name, turns "Last, First" into "First Last",
// drops everything but letters and single spaces.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}

	if last, first, ok := strings.Cut(name, ","); ok {
		last, first = strings.TrimSpace(last), strings.TrimSpace(first)
		name = last
		if first != "" {
			name = first + " " + last
		}
	}

	var sb strings.Builder
	sb.Grow(len(name))
	space := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			sb.WriteRune(r)
			space = false
		case unicode.IsSpace(r) && !space && sb.Len() > 0:
			sb.WriteRune(' ')
			space = true
		}
	}
	return strings.TrimRight(sb.String(), " ")
}

// nameSimilarity compares two normalized names:
// same surname and given names 1.0, matching initial 0.9, surname only on
// either side 0.7, same surname with different given names 0.3, else 0.
func nameSimilarity(a, b string) float64 {
	pa, pb := strings.Fields(a), strings.Fields(b)
	if len(pa) == 0 || len(pb) == 0 {
		return 0
	}
	if pa[len(pa)-1] != pb[len(pb)-1] {
		return 0
	}

	ga, gb := pa[:len(pa)-1], pb[:len(pb)-1]
	switch {
	case len(ga) == 0 || len(gb) == 0:
		return 0.7
	case strings.Join(ga, " ") == strings.Join(gb, " "):
		return 1
	case isInitialMatch(ga[0], gb[0]):
		return 0.9
	default:
		return 0.3
	}
}

func isInitialMatch(a, b string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	return len(a) == 1 && len(b) > 1 && a[0] == b[0]
}

func normalizeAuthors(authors []domain.Author) []string {
	out := make([]string, len(authors))
	for i, a := range authors {
		out[i] = NormalizeName(a.Name)
	}
	return out
}
