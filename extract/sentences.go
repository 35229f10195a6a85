package extract

import (
	"strings"
	"unicode"

	"github.com/AnTengye/contractguard/model"
)

// abbreviations never end a sentence when followed by a period
var abbreviations = map[string]bool{
	"art": true, "arts": true, "para": true, "sec": true, "cl": true,
	"no": true, "nos": true, "p": true, "pp": true, "cf": true, "ref": true,
	"e.g": true, "i.e": true, "vs": true, "approx": true, "incl": true,
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"inc": true, "ltd": true, "co": true, "corp": true, "gmbh": true,
}

// Split segments text into sentences. Offsets are byte offsets into text.
// Sentences never cross page spans: when document-level segmentation yields
// one that does, every page is segmented on its own instead.
func Split(text string, pages []model.PageSpan) []model.Sentence {
	spans := splitRange(text, 0, len(text))
	if crossesPages(spans, pages) {
		spans = spans[:0]
		for _, p := range pages {
			spans = append(spans, splitRange(text, p.Start, p.End)...)
		}
	}

	sentences := make([]model.Sentence, 0, len(spans))
	for _, sp := range spans {
		sentences = append(sentences, model.Sentence{
			Page:  pageOf(pages, sp[0], sp[1]),
			Start: sp[0],
			End:   sp[1],
			Text:  text[sp[0]:sp[1]],
		})
	}
	return sentences
}

func crossesPages(spans [][2]int, pages []model.PageSpan) bool {
	if len(pages) <= 1 {
		return false
	}
	for _, sp := range spans {
		if pageOf(pages, sp[0], sp[1]) == 0 {
			return true
		}
	}
	return false
}

func pageOf(pages []model.PageSpan, start, end int) int {
	for _, p := range pages {
		if p.Contains(start, end) {
			return p.Page
		}
	}
	return 0
}

func splitRange(text string, start, end int) [][2]int {
	var spans [][2]int
	segStart := start
	i := start
	for i < end {
		c := text[i]
		switch {
		case c == '\n':
			j := i + 1
			for j < end && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < end && text[j] == '\n' {
				spans = appendSpan(spans, text, segStart, i)
				for j < end && isSpace(text[j]) {
					j++
				}
				segStart, i = j, j
				continue
			}
			i++
		case c == '.' || c == '!' || c == '?':
			j := i + 1
			for j < end && (text[j] == '.' || text[j] == '!' || text[j] == '?') {
				j++
			}
			for j < end && isCloser(text[j]) {
				j++
			}
			if j < end && !isSpace(text[j]) {
				i = j
				continue
			}
			if c == '.' && j == i+1 && !endsSentence(text, segStart, i) {
				i = j
				continue
			}
			spans = appendSpan(spans, text, segStart, j)
			segStart, i = j, j
		default:
			i++
		}
	}
	return appendSpan(spans, text, segStart, end)
}

// endsSentence reports whether the period at dot closes the sentence that
// began at segStart.
func endsSentence(text string, segStart, dot int) bool {
	k := dot
	for k > segStart {
		r := text[k-1]
		if r == '.' || r == '_' || r >= 0x80 || unicode.IsLetter(rune(r)) || unicode.IsDigit(rune(r)) {
			k--
			continue
		}
		break
	}
	word := text[k:dot]
	if word == "" {
		return true
	}
	if abbreviations[strings.ToLower(word)] {
		return false
	}
	if len(word) == 1 && unicode.IsUpper(rune(word[0])) {
		return false
	}
	// list numbering such as "1." or "3.2." at the start of a segment
	if strings.TrimSpace(text[segStart:k]) == "" && isNumbering(word) {
		return false
	}
	return true
}

func isNumbering(word string) bool {
	for i := 0; i < len(word); i++ {
		if word[i] != '.' && (word[i] < '0' || word[i] > '9') {
			return false
		}
	}
	return true
}

func appendSpan(spans [][2]int, text string, start, end int) [][2]int {
	s := text[start:end]
	lead := len(s) - len(strings.TrimLeftFunc(s, unicode.IsSpace))
	trail := len(s) - len(strings.TrimRightFunc(s, unicode.IsSpace))
	if lead == len(s) {
		return spans
	}
	return append(spans, [2]int{start + lead, end - trail})
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isCloser(c byte) bool {
	return c == '"' || c == '\'' || c == ')' || c == ']'
}
