// Package weaklang downgrades passing findings whose evidence hedges the
// obligation without a strengthening term.
package weaklang

import (
	"log/slog"

	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/textmatch"
	"github.com/AnTengye/contractguard/rulepack"
)

// LexiconSource resolves the lexicon for a language
type LexiconSource interface {
	Lexicon(language string) (*rulepack.WeakLexicon, error)
}

// PostProcessor applies the lexicon to evidence windows
type PostProcessor struct {
	enabled  bool
	lexicons LexiconSource
}

// New creates a post-processor. When enabled is false Apply never changes a
// verdict.
func New(enabled bool, lexicons LexiconSource) *PostProcessor {
	return &PostProcessor{enabled: enabled, lexicons: lexicons}
}

// Enabled reports whether the post-processor is active
func (p *PostProcessor) Enabled() bool {
	return p != nil && p.enabled
}

// Apply returns the possibly downgraded verdict, whether weak language was
// detected and the lexicon version consulted.
func (p *PostProcessor) Apply(verdict model.Verdict, window string, counterAnchors []string, language string) (model.Verdict, bool, string) {
	if !p.Enabled() || verdict != model.VerdictPass {
		return verdict, false, ""
	}
	lex, err := p.lexicons.Lexicon(language)
	if err != nil {
		slog.Warn("weak lexicon unavailable, skipping post-processing", "language", language, "error", err)
		return verdict, false, ""
	}

	counters := make([]string, 0, len(counterAnchors)+len(lex.StrengthenerTerms()))
	counters = append(counters, counterAnchors...)
	counters = append(counters, lex.StrengthenerTerms()...)

	if _, weak := Hedged(textmatch.Normalize(window, false), lex.WeakTerms(), counters); weak {
		return model.VerdictWeak, true, lex.Version
	}
	return verdict, false, lex.Version
}

// Hedged reports whether normalized text contains a hedge and no counter
// term, returning the hedge found. Terms must be normalized.
func Hedged(text string, hedges, counters []string) (string, bool) {
	hedge, ok := textmatch.FirstWord(text, hedges)
	if !ok {
		return "", false
	}
	if _, countered := textmatch.FirstWord(text, counters); countered {
		return hedge, false
	}
	return hedge, true
}
