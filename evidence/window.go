// Package evidence builds deterministic ±N sentence windows around a span of
// the extracted text.
package evidence

import (
	"strings"
	"unicode"

	"github.com/AnTengye/contractguard/model"
)

const (
	// DefaultWindow is used when neither the caller nor the detector sets N
	DefaultWindow = 2
	// MaxWindow caps N
	MaxWindow = 10
	// FallbackChars is the radius used when there is no sentence index
	FallbackChars = 200
)

// Options selects N and the optional page-aware mode
type Options struct {
	DefaultWindow int
	PerDetector   map[string]int
	// TargetPage > 0 restricts the window to sentences of that page
	TargetPage int
	// Pages bounds the character fallback in page-aware mode
	Pages []model.PageSpan
}

// Window is an excerpt of the full text. Pivot is the index of the pivot
// sentence in the slice passed to Build, or -1 for the character fallback.
type Window struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Pivot int    `json:"-"`
}

// Size resolves N for detectorID
func (o Options) Size(detectorID string) int {
	n := o.DefaultWindow
	if n <= 0 {
		n = DefaultWindow
	}
	if v, ok := o.PerDetector[detectorID]; ok && v > 0 {
		n = v
	}
	if n > MaxWindow {
		n = MaxWindow
	}
	return n
}

// Build returns the evidence window around [spanStart, spanEnd]
func Build(fullText string, sentences []model.Sentence, spanStart, spanEnd int, detectorID string, opts Options) Window {
	if spanStart > spanEnd {
		spanStart, spanEnd = spanEnd, spanStart
	}
	n := opts.Size(detectorID)

	lo, hi := 0, len(fullText)
	index := sentences
	var offset []int
	if opts.TargetPage > 0 {
		index, offset = onPage(sentences, opts.TargetPage)
		if span, ok := pageSpan(opts.Pages, opts.TargetPage); ok {
			lo, hi = clamp(span.Start, 0, len(fullText)), clamp(span.End, 0, len(fullText))
		}
	}

	if len(index) == 0 {
		start := clamp(spanStart-FallbackChars, lo, hi)
		end := clamp(spanEnd+FallbackChars, start, hi)
		return Window{Text: fullText[start:end], Start: start, End: end, Pivot: -1}
	}

	pivot := Pivot(index, spanStart, spanEnd)
	first := max(0, pivot-n)
	last := min(len(index)-1, pivot+n)
	start := clamp(index[first].Start, 0, len(fullText))
	end := clamp(index[last].End, start, len(fullText))

	if offset != nil {
		pivot = offset[pivot]
	}
	return Window{Text: fullText[start:end], Start: start, End: end, Pivot: pivot}
}

// Pivot picks the first sentence intersecting the span, else the nearest
// one. Between two sentences the previous one wins a tie.
func Pivot(sentences []model.Sentence, spanStart, spanEnd int) int {
	for i, s := range sentences {
		if s.Start <= spanEnd && spanStart <= s.End {
			return i
		}
	}
	if spanEnd < sentences[0].Start {
		return 0
	}
	lastIdx := len(sentences) - 1
	if spanStart > sentences[lastIdx].End {
		return lastIdx
	}
	for i := 0; i < lastIdx; i++ {
		prev, next := sentences[i], sentences[i+1]
		if prev.End < spanStart && spanEnd < next.Start {
			if spanStart-prev.End <= next.Start-spanStart {
				return i
			}
			return i + 1
		}
	}
	return lastIdx
}

// Within clamps w to span and trims surrounding whitespace so the text stays
// identical to fullText[Start:End].
func (w Window) Within(fullText string, span model.PageSpan) Window {
	start := clamp(w.Start, span.Start, span.End)
	end := clamp(w.End, start, span.End)
	start, end = clamp(start, 0, len(fullText)), clamp(end, 0, len(fullText))
	if start > end {
		start = end
	}
	seg := fullText[start:end]
	start += len(seg) - len(strings.TrimLeftFunc(seg, unicode.IsSpace))
	end -= len(seg) - len(strings.TrimRightFunc(seg, unicode.IsSpace))
	if end < start {
		end = start
	}
	w.Start, w.End, w.Text = start, end, fullText[start:end]
	return w
}

func onPage(sentences []model.Sentence, page int) ([]model.Sentence, []int) {
	var out []model.Sentence
	offset := []int{}
	for i, s := range sentences {
		if s.Page == page {
			out = append(out, s)
			offset = append(offset, i)
		}
	}
	return out, offset
}

func pageSpan(pages []model.PageSpan, page int) (model.PageSpan, bool) {
	for _, p := range pages {
		if p.Page == page {
			return p, true
		}
	}
	return model.PageSpan{}, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
