package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnTengye/contractguard/coverage"
	"github.com/AnTengye/contractguard/detector"
	"github.com/AnTengye/contractguard/extract"
	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/llm"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/AnTengye/contractguard/report"
	"github.com/AnTengye/contractguard/rulepack"
	"github.com/AnTengye/contractguard/service"
)

// process runs one analysis end to end. Failures end the analysis in ERROR
// unless it already reached a terminal state, e.g. after cancellation.
func (o *Orchestrator) process(ctx context.Context, analysisID string) {
	ctx = logger.WithAnalysis(ctx, analysisID)
	started := o.now()

	err := o.run(ctx, analysisID)
	if err == nil {
		logger.Info(ctx, "analysis completed", "duration_ms", o.now().Sub(started).Milliseconds())
		return
	}
	if errors.Is(err, ErrInvalidTransition) {
		logger.Info(ctx, "pipeline stopped", "reason", err)
		return
	}

	reason := failureReason(ctx, err)
	if ferr := o.Fail(context.WithoutCancel(ctx), analysisID, reason); ferr != nil && !errors.Is(ferr, ErrInvalidTransition) {
		logger.Error(ctx, "failed to record analysis error", "error", ferr)
	}
	logger.Error(ctx, "analysis failed", "reason", reason, "error", err)
}

// failureReason renders err as "<code>: <message>"
func failureReason(ctx context.Context, err error) string {
	if xerr, ok := extract.AsError(err); ok {
		return xerr.Error()
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ReasonCancelled
	}
	var aerr *apperr.Error
	if errors.As(err, &aerr) {
		return aerr.Code + ": " + aerr.Message
	}
	return apperr.CodeInternal + ": " + err.Error()
}

func (o *Orchestrator) run(ctx context.Context, id string) error {
	a, err := o.load(id)
	if err != nil {
		return err
	}
	settings := o.settingsFor(ctx, a.Tenant)

	if _, err := o.Advance(ctx, id, model.StateExtracting, nil); err != nil {
		return err
	}
	res, err := o.extract(ctx, id, settings)
	if err != nil {
		return err
	}
	if _, err := o.Advance(ctx, id, model.StateExtracted, nil); err != nil {
		return err
	}
	// Sentences are produced together with the text
	if _, err := o.Advance(ctx, id, model.StateSegmented, nil); err != nil {
		return err
	}

	if _, err := o.Advance(ctx, id, model.StateDetecting, nil); err != nil {
		return err
	}
	pack, err := o.activePack()
	if err != nil {
		return err
	}
	findings, err := o.detect(ctx, id, res, settings, pack)
	if err != nil {
		return err
	}
	findings, err = o.gate(ctx, id, res.Text, pack, settings, findings)
	if err != nil {
		return err
	}
	if err := o.saveFindings(id, findings); err != nil {
		return err
	}

	if _, err := o.Advance(ctx, id, model.StateReporting, nil); err != nil {
		return err
	}
	if err := o.report(ctx, id, pack, findings); err != nil {
		return err
	}
	if _, err := o.Advance(ctx, id, model.StateReported, nil); err != nil {
		return err
	}
	_, err = o.Advance(ctx, id, model.StateDone, nil)
	return err
}

func (o *Orchestrator) settingsFor(ctx context.Context, tenant string) *service.Settings {
	if o.deps.Settings == nil {
		return nil
	}
	s, err := o.deps.Settings.Get(tenant)
	if err != nil {
		logger.Warn(ctx, "tenant settings unavailable, using defaults", "error", err)
		return nil
	}
	return &s
}

// activePack fetches the rulepack once per analysis. Detection, review and
// coverage all use this pack even if a reload lands mid-run.
func (o *Orchestrator) activePack() (*rulepack.Rulepack, error) {
	if o.deps.Packs == nil {
		return nil, nil
	}
	pack, err := o.deps.Packs.Rulepack()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRulepackInvalid, "rulepack failed to load", err)
	}
	return pack, nil
}

// extract runs the extraction stage and persists its artifact. A failed
// extraction still persists the artifact with its error block.
func (o *Orchestrator) extract(ctx context.Context, id string, settings *service.Settings) (*extract.Result, error) {
	src, err := o.deps.Store.SourcePath(id)
	if err != nil {
		return nil, fmt.Errorf("locate source: %w", err)
	}

	extractor := o.deps.Extractor
	if settings != nil && settings.OCREnabled && o.deps.OCRExtractor != nil {
		extractor = o.deps.OCRExtractor
	}

	stageCtx := ctx
	if o.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.opts.ExtractTimeout)
		defer cancel()
	}

	res, err := extractor.Extract(stageCtx, src)
	if err != nil {
		if res != nil {
			if serr := o.deps.Store.SaveExtraction(id, res.Text, &res.Artifact); serr != nil {
				logger.Error(ctx, "failed to persist extraction error", "error", serr)
			}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := o.deps.Store.SaveExtraction(id, res.Text, &res.Artifact); err != nil {
		return nil, fmt.Errorf("save extraction: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) runOptions(settings *service.Settings) detector.RunOptions {
	opts := o.opts.Run
	if settings == nil {
		return opts
	}
	if settings.EvidenceWindow > 0 {
		opts.DefaultWindow = settings.EvidenceWindow
	}
	if settings.ComplianceMode == service.ComplianceStrict {
		opts.WeakLanguage = true
	}
	return opts
}

func (o *Orchestrator) detect(ctx context.Context, id string, res *extract.Result, settings *service.Settings, pack *rulepack.Rulepack) ([]model.Finding, error) {
	stageCtx := ctx
	if o.opts.DetectTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.opts.DetectTimeout)
		defer cancel()
	}
	opts := o.runOptions(settings)
	opts.Pack = pack
	findings, err := o.deps.Detectors.Run(stageCtx, id, &res.Artifact, res.Text, opts)
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// gate applies the token ledger: the document estimate is checked against
// the cap, pending findings are reviewed while the allowance holds, and the
// cap policy rewrites whatever is still pending. tokens.json is always
// written.
func (o *Orchestrator) gate(ctx context.Context, id, text string, pack *rulepack.Rulepack, settings *service.Settings, findings []model.Finding) ([]model.Finding, error) {
	l := o.deps.Ledger
	if l == nil {
		return finalize(findings), nil
	}

	allowed, reason, err := l.CheckAllowance(ctx, id, ledger.EstimateTokens(text))
	if err != nil {
		return nil, err
	}
	if !allowed {
		logger.Info(ctx, "llm review skipped", "reason", reason)
	} else if o.reviewEnabled(settings) {
		findings, err = o.review(ctx, id, pack, findings)
		if err != nil {
			return nil, err
		}
	}

	findings, err = l.EnforceCapOnFindings(ctx, id, findings)
	if err != nil {
		return nil, err
	}
	if _, err := l.Flush(id); err != nil {
		return nil, err
	}
	return finalize(findings), nil
}

func (o *Orchestrator) reviewEnabled(settings *service.Settings) bool {
	if o.deps.Reviewer == nil {
		return false
	}
	return settings == nil || settings.LLMProvider != service.ProviderNone
}

// review sends pending findings to the provider one at a time. Each call is
// preceded by an allowance check and followed by a ledger record.
func (o *Orchestrator) review(ctx context.Context, id string, pack *rulepack.Rulepack, findings []model.Finding) ([]model.Finding, error) {
	stageCtx := ctx
	if o.opts.ReviewTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.opts.ReviewTimeout)
		defer cancel()
	}

	out := append([]model.Finding(nil), findings...)
	reviewed := 0
	for i := range out {
		f := &out[i]
		if !f.Pending() {
			continue
		}
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			timedOut(ctx, out[i:])
			break
		}
		if stageCtx.Err() != nil {
			break
		}

		req := llm.ReviewRequest{
			DetectorID: f.DetectorID,
			RuleID:     f.RuleID,
			Verdict:    f.Verdict,
			Evidence:   f.Snippet,
			Rationale:  f.Rationale,
			MaxTokens:  o.opts.MaxReviewTokens,
		}
		if pack != nil {
			if det, ok := pack.Detector(f.DetectorID); ok {
				req.Description = det.Description
			}
		}

		projected := ledger.EstimateTokens(llm.BuildPrompt(req)) + req.MaxTokens
		allowed, reason, err := o.deps.Ledger.CheckAllowance(ctx, id, projected)
		if err != nil {
			return nil, err
		}
		if !allowed {
			logger.Info(ctx, "llm review stopped by token cap", "reason", reason, "reviewed", reviewed)
			break
		}

		resp, err := o.deps.Reviewer.Review(stageCtx, req)
		if err != nil {
			if rerr := o.deps.Ledger.Record(ctx, id, 0, 0, false, err); rerr != nil {
				return nil, rerr
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
				timedOut(ctx, out[i:])
				break
			}
			logger.Warn(ctx, "llm review failed", "detector_id", f.DetectorID, "error", err)
			continue
		}
		if err := o.deps.Ledger.Record(ctx, id, resp.InputTokens, resp.OutputTokens, true, nil); err != nil {
			return nil, err
		}

		f.Verdict = resp.Verdict
		if resp.Rationale != "" {
			if f.Rationale != "" {
				f.Rationale += "; "
			}
			f.Rationale += "llm: " + resp.Rationale
		}
		f.Status = model.StatusFinal
		reviewed++
	}
	if reviewed > 0 {
		logger.Info(ctx, "llm review complete", "provider", o.deps.Reviewer.Name(), "reviewed", reviewed)
	}
	return out, nil
}

// timedOut sends every pending finding in rest to manual review after the
// review stage ran out of time
func timedOut(ctx context.Context, rest []model.Finding) {
	n := 0
	for i := range rest {
		f := &rest[i]
		if !f.Pending() {
			continue
		}
		f.Verdict = model.VerdictNeedsReview
		f.Reason = model.ReasonReviewTimeout
		f.Status = model.StatusFinal
		if f.Rationale != "" {
			f.Rationale += "; "
		}
		f.Rationale += "llm review timed out"
		n++
	}
	logger.Warn(ctx, "llm review deadline exceeded", "findings", n)
}

// finalize closes every finding still pending once no stage may refine it
func finalize(findings []model.Finding) []model.Finding {
	out := make([]model.Finding, len(findings))
	for i, f := range findings {
		if f.Pending() {
			f.Status = model.StatusFinal
		}
		out[i] = f
	}
	return out
}

func (o *Orchestrator) saveFindings(id string, findings []model.Finding) error {
	unlock := o.lock(id)
	defer unlock()
	if err := o.deps.Store.SaveFindings(id, findings); err != nil {
		return fmt.Errorf("save findings: %w", err)
	}
	return nil
}

// expectedDetectors resolves the coverage denominator: the pack's declared
// set, then the configured set, then every mandatory detector of the pack.
func (o *Orchestrator) expectedDetectors(pack *rulepack.Rulepack) []string {
	if pack != nil && len(pack.Meta.ExpectedDetectors) > 0 {
		return pack.Meta.ExpectedDetectors
	}
	if len(o.opts.ExpectedDetectors) > 0 {
		return o.opts.ExpectedDetectors
	}
	if pack != nil {
		return pack.ExpectedDetectors()
	}
	return nil
}

// report writes coverage.json and report.html
func (o *Orchestrator) report(ctx context.Context, id string, pack *rulepack.Rulepack, findings []model.Finding) error {
	cov := coverage.Compute(o.expectedDetectors(pack), findings)
	if err := o.deps.Store.SaveCoverage(id, &cov); err != nil {
		return fmt.Errorf("save coverage: %w", err)
	}
	logger.Info(ctx, "coverage computed", "present", cov.Present, "total", cov.Total, "status", cov.Status)

	if o.deps.Reporter == nil {
		return nil
	}
	a, err := o.load(id)
	if err != nil {
		return err
	}
	data := report.Data{
		Analysis:    *a,
		Findings:    findings,
		Coverage:    cov,
		GeneratedAt: o.now(),
	}
	if pack != nil {
		data.PackID = pack.Meta.PackID
		data.PackVersion = pack.Meta.Version
	}
	if o.deps.Ledger != nil {
		if usage, err := o.deps.Ledger.Usage(id); err == nil {
			data.Usage = &usage
		}
	}
	html, err := o.deps.Reporter.Render(data)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if err := o.deps.Store.SaveReport(id, html); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
