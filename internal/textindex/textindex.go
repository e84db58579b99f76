// Package textindex turns text into index terms. The ingestor and the query
// compiler both go through it, so a query term and an indexed term agree on
// identity.
package textindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MaxTermBytes bounds the length of an indexed term. Longer runs are dropped.
const MaxTermBytes = 64

// Normalize applies NFKC normalization and Unicode case folding.
func Normalize(s string) string {
	// Casers are stateful; build one per call.
	return cases.Fold().String(norm.NFKC.String(s))
}

// Tokenize normalizes s and splits it into distinct terms in first-seen
// order. Separators are any runes that are neither letters nor digits.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > MaxTermBytes {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// Indexable reports whether content of the given media type should have its
// bytes tokenized.
func Indexable(mediaType string) bool {
	mt, _, _ := strings.Cut(strings.ToLower(mediaType), ";")
	mt = strings.TrimSpace(mt)
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/xml", mt == "application/x-ndjson":
		return true
	default:
		return false
	}
}
