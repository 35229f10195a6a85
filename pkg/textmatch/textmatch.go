// Package textmatch implements whole-word, whitespace-insensitive term matching
// used by detectors and the weak-language post-processor.
package textmatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalize collapses whitespace runs to a single space, trims the ends and,
// unless caseSensitive, lowercases the text.
func Normalize(s string, caseSensitive bool) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		if !caseSensitive {
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// ContainsWord reports whether term occurs in text on word boundaries. Both
// arguments must already be normalized the same way.
func ContainsWord(text, term string) bool {
	if term == "" {
		return false
	}
	offset := 0
	for {
		i := strings.Index(text[offset:], term)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(term)
		if boundaryBefore(text, start, term) && boundaryAfter(text, end, term) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
		if offset >= len(text) {
			return false
		}
	}
}

// A boundary is only required where the term itself starts or ends with a
// word character, so terms like "(a)" still match inside punctuation.
func boundaryBefore(text string, start int, term string) bool {
	first, _ := utf8.DecodeRuneInString(term)
	if !isWordRune(first) || start == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:start])
	return !isWordRune(prev)
}

func boundaryAfter(text string, end int, term string) bool {
	last, _ := utf8.DecodeLastRuneInString(term)
	if !isWordRune(last) || end >= len(text) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(next)
}

// FirstWord returns the first term (in list order) that occurs in text.
func FirstWord(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if ContainsWord(text, t) {
			return t, true
		}
	}
	return "", false
}

// AllWords reports whether every term occurs in text, returning the first
// term that does not.
func AllWords(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if !ContainsWord(text, t) {
			return t, false
		}
	}
	return "", true
}
