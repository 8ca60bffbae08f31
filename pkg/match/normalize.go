package match

import (
	"strings"
	"unicode"
)

// Normalize lowercases text and collapses every run of whitespace or
// punctuation into a single space. Keywords and query text go through the
// same normalization so phrase triggers match across punctuation.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Tokenize splits normalized text into its word tokens.
func Tokenize(text string) []string {
	norm := Normalize(text)
	if norm == "" {
		return nil
	}
	return strings.Split(norm, " ")
}

func wordCount(keyword string) int {
	if keyword == "" {
		return 0
	}
	return strings.Count(keyword, " ") + 1
}
