// Package tokenize provides the word splitter used to turn free query text
// into FTS5 MATCH terms and to feed the embedding model. It is not the
// keyword index's tokenizer: FTS5's built-in unicode61 tokenizes both the
// indexed documents and the MATCH terms this package produces, so
// write/search consistency is owned by SQLite, and this splitter only has
// to hand it clean terms.
package tokenize

import (
	"strings"
	"unicode"
)

// Words splits s into case-folded, punctuation-stripped word tokens.
// Unicode letters and digits are kept; punctuation and symbols are treated
// as separators alongside whitespace. Empty tokens are dropped.
func Words(s string) []string {
	lower := strings.ToLower(s)

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range lower {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}
