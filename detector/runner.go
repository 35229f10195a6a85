// Package detector evaluates a rulepack against an extraction artifact and
// produces findings.
package detector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/AnTengye/contractguard/evidence"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/AnTengye/contractguard/rulepack"
	"github.com/AnTengye/contractguard/weaklang"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent detector evaluations per analysis
const DefaultParallelism = 4

// PackSource provides the active rulepack and lexicons
type PackSource interface {
	Rulepack() (*rulepack.Rulepack, error)
	Lexicon(language string) (*rulepack.WeakLexicon, error)
}

// RunOptions tunes a single run
type RunOptions struct {
	Language string
	// DefaultWindow overrides meta.evidence_window_sentences when > 0
	DefaultWindow      int
	PerDetectorWindows map[string]int
	// PageAware keeps evidence windows on the page of the match
	PageAware bool
	// WeakLanguage turns on weak-language post-processing for this run even
	// when the runner was built without it
	WeakLanguage bool
	// Pack pins the rulepack evaluated by this run. Nil uses the source's
	// current pack.
	Pack *rulepack.Rulepack
}

// Runner evaluates detectors over bounded parallelism
type Runner struct {
	packs       PackSource
	post        *weaklang.PostProcessor
	parallelism int
}

// NewRunner creates a runner. post may be nil to disable weak-language
// post-processing.
func NewRunner(packs PackSource, post *weaklang.PostProcessor, parallelism int) *Runner {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Runner{packs: packs, post: post, parallelism: parallelism}
}

// Run evaluates every detector and returns findings ordered by detector id
// then start offset. A failing detector yields a needs_review finding and
// never aborts the run. Cancellation aborts the run; an expired deadline
// turns unfinished detectors into needs_review findings.
func (r *Runner) Run(ctx context.Context, analysisID string, art *model.ExtractionArtifact, text string, opts RunOptions) ([]model.Finding, error) {
	ctx = logger.WithAnalysis(ctx, analysisID)

	pack := opts.Pack
	if pack == nil {
		var err error
		if pack, err = r.packs.Rulepack(); err != nil {
			return nil, apperr.Wrap(apperr.CodeRulepackInvalid, "rulepack failed to load", err)
		}
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	lex, err := r.packs.Lexicon(opts.Language)
	if err != nil {
		logger.Warn(ctx, "weak lexicon unavailable, using empty default", "language", opts.Language, "error", err)
		lex = rulepack.DefaultLexicon(opts.Language)
	}

	window := evidence.Options{
		DefaultWindow: pack.Meta.EvidenceWindowSentences,
		PerDetector:   opts.PerDetectorWindows,
		Pages:         art.PageMap,
	}
	if opts.DefaultWindow > 0 {
		window.DefaultWindow = opts.DefaultWindow
	}

	post := r.post
	if opts.WeakLanguage && !post.Enabled() {
		post = weaklang.New(true, r.packs)
	}

	doc := newDocument(text, art)
	ev := &evaluator{
		doc:       doc,
		window:    window,
		pageAware: opts.PageAware,
		lexicon:   lex,
		post:      post,
		language:  opts.Language,
	}

	results := make([][]model.Finding, len(pack.Detectors))
	g := new(errgroup.Group)
	g.SetLimit(r.parallelism)
	for i := range pack.Detectors {
		det := &pack.Detectors[i]
		g.Go(func() error {
			results[i] = r.evaluate(ctx, ev, det)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return nil, err
	}

	var findings []model.Finding
	for _, fs := range results {
		findings = append(findings, fs...)
	}
	Sort(findings)

	logger.Info(ctx, "detectors evaluated",
		"pack_id", pack.Meta.PackID,
		"pack_version", pack.Meta.Version,
		"detectors", len(pack.Detectors),
		"findings", len(findings),
	)
	return findings, nil
}

// evaluate runs one detector, converting panics and expired deadlines into a
// needs_review finding.
func (r *Runner) evaluate(ctx context.Context, ev *evaluator, det *rulepack.Detector) (out []model.Finding) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "detector panicked", "detector_id", det.ID, "panic", rec, "stack", string(debug.Stack()))
			out = []model.Finding{errorFinding(det, ev.doc.firstPage(), fmt.Sprintf("panic: %v", rec))}
		}
	}()

	if err := ctx.Err(); err != nil {
		return []model.Finding{errorFinding(det, ev.doc.firstPage(), err.Error())}
	}
	out = ev.run(det)
	if err := ctx.Err(); err != nil {
		return []model.Finding{errorFinding(det, ev.doc.firstPage(), err.Error())}
	}
	return out
}

func errorFinding(det *rulepack.Detector, page int, msg string) model.Finding {
	return model.Finding{
		DetectorID: det.ID,
		RuleID:     det.RuleID,
		Verdict:    model.VerdictNeedsReview,
		Page:       page,
		Rationale:  model.ReasonDetectorError + ": " + msg,
		Status:     model.StatusPending,
		Reason:     model.ReasonDetectorError,
	}
}

// Sort orders findings by detector id then start offset
func Sort(findings []model.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].DetectorID != findings[j].DetectorID {
			return findings[i].DetectorID < findings[j].DetectorID
		}
		return findings[i].Start < findings[j].Start
	})
}
