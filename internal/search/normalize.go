package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeQuery folds a free-text query into its cache key: lower case,
// diacritics stripped, every non-word rune turned into a space, whitespace
// collapsed. Queries differing only by case, accents or punctuation map to
// the same key. It never fails; empty input yields "".
func NormalizeQuery(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return ""
	}
	folded, _, err := transform.String(diacriticFolder(), value)
	if err == nil {
		value = folded
	}

	var b strings.Builder
	b.Grow(len(value))
	pendingSpace := false
	for _, r := range value {
		if !isWordRune(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// diacriticFolder is rebuilt per call: transform chains are stateful and not
// safe for concurrent use.
func diacriticFolder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
