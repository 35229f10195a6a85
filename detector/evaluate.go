package detector

import (
	"fmt"
	"strings"

	"github.com/AnTengye/contractguard/evidence"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/textmatch"
	"github.com/AnTengye/contractguard/rulepack"
	"github.com/AnTengye/contractguard/weaklang"
)

// Confidence per verdict
const (
	confidencePass   = 1.0
	confidenceWeak   = 0.5
	confidenceReview = 0.5
)

type document struct {
	text  string
	art   *model.ExtractionArtifact
	lower []string
	exact []string
}

func newDocument(text string, art *model.ExtractionArtifact) *document {
	d := &document{
		text:  text,
		art:   art,
		lower: make([]string, len(art.Sentences)),
		exact: make([]string, len(art.Sentences)),
	}
	for i, s := range art.Sentences {
		d.lower[i] = textmatch.Normalize(s.Text, false)
		d.exact[i] = textmatch.Normalize(s.Text, true)
	}
	return d
}

func (d *document) sentence(i int, caseSensitive bool) string {
	if caseSensitive {
		return d.exact[i]
	}
	return d.lower[i]
}

func (d *document) firstPage() int {
	if len(d.art.PageMap) > 0 {
		return d.art.PageMap[0].Page
	}
	return 0
}

// pageAt returns the page containing offset, or the last page for the end of
// the text.
func (d *document) pageAt(offset int) int {
	for _, p := range d.art.PageMap {
		if offset >= p.Start && offset < p.End {
			return p.Page
		}
	}
	if n := len(d.art.PageMap); n > 0 {
		return d.art.PageMap[n-1].Page
	}
	return 0
}

func (d *document) pageSpan(page int) model.PageSpan {
	if span, ok := d.art.SpanOf(page); ok {
		return span
	}
	return model.PageSpan{Page: page, Start: 0, End: len(d.text)}
}

type candidateKind int

const (
	kindAnchor candidateKind = iota
	kindHedge
	kindRedflag
)

type candidate struct {
	kind    candidateKind
	start   int
	end     int
	page    int
	trigger string
}

func (c candidate) describe() string {
	switch c.kind {
	case kindHedge:
		return fmt.Sprintf("hedged obligation %q", c.trigger)
	case kindRedflag:
		return fmt.Sprintf("red flag %q without anchor", c.trigger)
	}
	return fmt.Sprintf("anchor %q matched", c.trigger)
}

type evaluator struct {
	doc       *document
	window    evidence.Options
	pageAware bool
	lexicon   *rulepack.WeakLexicon
	post      *weaklang.PostProcessor
	language  string
}

// skip reasons recorded when a candidate does not produce a finding
const (
	skipCarveout   = "carve-out"
	skipAnchorsAll = "anchors_all"
)

func (e *evaluator) run(det *rulepack.Detector) []model.Finding {
	var (
		findings []model.Finding
		skipped  = map[string]int{}
		seen     = map[[2]int]bool{}
	)
	for _, c := range e.candidates(det) {
		f, skip := e.assess(det, c)
		if skip != "" {
			skipped[skip]++
			continue
		}
		key := [2]int{f.Start, f.End}
		if seen[key] {
			continue
		}
		seen[key] = true
		findings = append(findings, f)
	}
	if len(findings) > 0 || !det.Mandatory() {
		return findings
	}
	return []model.Finding{e.missing(det, skipped)}
}

// candidates collects anchor matches. Without any, red-flag sentences and,
// for detectors with weak_nearby terms, hedged sentences are candidates.
func (e *evaluator) candidates(det *rulepack.Detector) []candidate {
	var out []candidate
	if det.Type == rulepack.TypeRegex {
		for _, loc := range det.Regex.FindAllStringIndex(e.doc.text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			out = append(out, candidate{
				kind:    kindAnchor,
				start:   loc[0],
				end:     loc[1],
				page:    e.doc.pageAt(loc[0]),
				trigger: textmatch.Normalize(e.doc.text[loc[0]:loc[1]], det.CaseSensitive),
			})
		}
		if len(out) > 0 {
			return out
		}
	} else {
		for i, s := range e.doc.art.Sentences {
			if term, ok := anchorIn(e.doc.sentence(i, det.CaseSensitive), det); ok {
				out = append(out, sentenceCandidate(kindAnchor, s, term))
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	for i, s := range e.doc.art.Sentences {
		norm := e.doc.sentence(i, det.CaseSensitive)
		if term, ok := textmatch.FirstWord(norm, det.Redflags); ok {
			out = append(out, sentenceCandidate(kindRedflag, s, term))
			continue
		}
		if det.HasWeakNearby() {
			if term, ok := hedgeIn(norm, det); ok {
				out = append(out, sentenceCandidate(kindHedge, s, term))
			}
		}
	}
	return out
}

func sentenceCandidate(kind candidateKind, s model.Sentence, trigger string) candidate {
	return candidate{kind: kind, start: s.Start, end: s.End, page: s.Page, trigger: trigger}
}

func anchorIn(norm string, det *rulepack.Detector) (string, bool) {
	if len(det.AnchorsAny) > 0 {
		return textmatch.FirstWord(norm, det.AnchorsAny)
	}
	if len(det.AnchorsAll) > 0 && textmatch.ContainsWord(norm, det.AnchorsAll[0]) {
		return det.AnchorsAll[0], true
	}
	return "", false
}

func hedgeIn(norm string, det *rulepack.Detector) (string, bool) {
	if len(det.WeakAny) > 0 {
		return textmatch.FirstWord(norm, det.WeakAny)
	}
	if len(det.WeakAll) > 0 && textmatch.ContainsWord(norm, det.WeakAll[0]) {
		return det.WeakAll[0], true
	}
	return "", false
}

// assess classifies one candidate. A non-empty skip reason means the
// candidate was suppressed.
func (e *evaluator) assess(det *rulepack.Detector, c candidate) (model.Finding, string) {
	opts := e.window
	if e.pageAware {
		opts.TargetPage = c.page
	}
	w := evidence.Build(e.doc.text, e.doc.art.Sentences, c.start, c.end, det.ID, opts)
	page := c.page
	if w.Pivot >= 0 {
		page = e.doc.art.Sentences[w.Pivot].Page
	}
	span := e.doc.pageSpan(page)
	w = w.Within(e.doc.text, span)

	norm := textmatch.Normalize(w.Text, det.CaseSensitive)
	lower := norm
	if det.CaseSensitive {
		lower = textmatch.Normalize(w.Text, false)
	}

	if c.kind != kindRedflag {
		if _, hit := textmatch.FirstWord(norm, det.Carveouts); hit {
			return model.Finding{}, skipCarveout
		}
		if c.kind == kindAnchor {
			if _, ok := textmatch.AllWords(norm, det.AnchorsAll); !ok {
				return model.Finding{}, skipAnchorsAll
			}
		}
	}

	f := model.Finding{
		DetectorID: det.ID,
		RuleID:     det.RuleID,
		Snippet:    w.Text,
		Page:       span.Page,
		Start:      w.Start,
		End:        w.End,
	}
	notes := []string{c.describe()}

	if term, hit := textmatch.FirstWord(norm, det.Redflags); hit || c.kind == kindRedflag {
		if hit {
			notes = append(notes, fmt.Sprintf("red flag %q in evidence window", term))
		}
		return review(f, notes), ""
	}

	if c.kind == kindAnchor {
		for _, g := range qualifiers(det) {
			if _, ok := textmatch.FirstWord(norm, g.terms); !ok {
				notes = append(notes, fmt.Sprintf("no %s term in evidence window", g.name))
				return review(f, notes), ""
			}
		}
	}

	if det.HasWeakNearby() {
		if hedge, weak := e.hedged(det, norm, lower); weak {
			f.Verdict = model.VerdictWeak
			f.Confidence = confidenceWeak
			f.WeakLanguageDetected = true
			f.LexiconVersion = e.lexicon.Version
			f.Status = model.StatusFinal
			notes = append(notes, fmt.Sprintf("hedge %q without counter-anchor", hedge))
			f.Rationale = strings.Join(notes, "; ")
			return f, ""
		} else if hedge != "" {
			f.LexiconVersion = e.lexicon.Version
			notes = append(notes, fmt.Sprintf("hedge %q countered by strengthening term", hedge))
		}
	}

	f.Verdict = model.VerdictPass
	f.Confidence = confidencePass
	f.Status = model.StatusFinal
	if e.post.Enabled() {
		verdict, weak, version := e.post.Apply(f.Verdict, w.Text, det.CounterAnchors, e.language)
		if version != "" {
			f.LexiconVersion = version
		}
		if weak {
			f.Verdict = verdict
			f.Confidence = confidenceWeak
			f.WeakLanguageDetected = true
			notes = append(notes, "weak language near anchor")
		}
	}
	f.Rationale = strings.Join(notes, "; ")
	return f, ""
}

// hedged reports a hedge in the window with no counter-anchor. Detector
// terms match with the detector's case sensitivity, lexicon strengtheners
// case-insensitively.
func (e *evaluator) hedged(det *rulepack.Detector, norm, lower string) (string, bool) {
	hedge, found := "", len(det.WeakAny) == 0
	if !found {
		hedge, found = textmatch.FirstWord(norm, det.WeakAny)
	}
	if !found {
		return "", false
	}
	if _, ok := textmatch.AllWords(norm, det.WeakAll); !ok {
		return "", false
	}
	if hedge == "" && len(det.WeakAll) > 0 {
		hedge = det.WeakAll[0]
	}
	if _, countered := textmatch.FirstWord(norm, det.CounterAnchors); countered {
		return hedge, false
	}
	if _, countered := textmatch.FirstWord(lower, e.lexicon.StrengthenerTerms()); countered {
		return hedge, false
	}
	return hedge, true
}

func review(f model.Finding, notes []string) model.Finding {
	f.Verdict = model.VerdictNeedsReview
	f.Confidence = confidenceReview
	f.Status = model.StatusPending
	f.Rationale = strings.Join(notes, "; ")
	return f
}

type qualifier struct {
	name  string
	terms []string
}

func qualifiers(det *rulepack.Detector) []qualifier {
	var out []qualifier
	for _, q := range []qualifier{
		{"flow-down", det.Flowdown},
		{"copies", det.Copies},
		{"audit", det.Audits},
	} {
		if len(q.terms) > 0 {
			out = append(out, q)
		}
	}
	return out
}

func (e *evaluator) missing(det *rulepack.Detector, skipped map[string]int) model.Finding {
	rationale := "no anchor matched"
	switch {
	case skipped[skipCarveout] > 0 && skipped[skipAnchorsAll] > 0:
		rationale = fmt.Sprintf("anchors suppressed: %d by carve-out, %d missing anchors_all terms", skipped[skipCarveout], skipped[skipAnchorsAll])
	case skipped[skipCarveout] > 0:
		rationale = fmt.Sprintf("anchors suppressed by carve-out (%d)", skipped[skipCarveout])
	case skipped[skipAnchorsAll] > 0:
		rationale = fmt.Sprintf("anchors found without required anchors_all terms (%d)", skipped[skipAnchorsAll])
	}
	return model.Finding{
		DetectorID: det.ID,
		RuleID:     det.RuleID,
		Verdict:    model.VerdictMissing,
		Page:       e.doc.firstPage(),
		Rationale:  rationale,
		Status:     model.StatusPending,
	}
}
