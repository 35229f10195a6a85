// Package orchestrator drives each analysis through its lifecycle: intake,
// queueing, extraction, detection, the token-gated review, and reporting.
// It serializes writes per analysis and fans transitions out to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AnTengye/contractguard/detector"
	"github.com/AnTengye/contractguard/extract"
	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/llm"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/AnTengye/contractguard/report"
	"github.com/AnTengye/contractguard/service"
	"github.com/AnTengye/contractguard/storage"
	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition rejects moves that leave the lifecycle chain
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound is returned for unknown analyses and jobs
	ErrNotFound = errors.New("analysis not found")
	// ErrJobFinished is returned when cancelling a terminal job
	ErrJobFinished = errors.New("job already finished")
)

// ReasonCancelled is the error_reason of a cancelled job
const ReasonCancelled = "cancelled"

// Extractor turns a stored source file into text and its artifact
type Extractor interface {
	Extract(ctx context.Context, sourcePath string) (*extract.Result, error)
}

// DetectorRunner evaluates the active rulepack over extracted text
type DetectorRunner interface {
	Run(ctx context.Context, analysisID string, art *model.ExtractionArtifact, text string, opts detector.RunOptions) ([]model.Finding, error)
}

// Reporter renders the report artifact
type Reporter interface {
	Render(d report.Data) ([]byte, error)
}

// Catalog indexes analyses for listing and metrics
type Catalog interface {
	Upsert(ctx context.Context, a *model.Analysis) error
	Delete(ctx context.Context, id string) error
	OlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Archiver keeps a copy of uploaded sources outside the data root
type Archiver interface {
	ArchiveSource(ctx context.Context, tenant, analysisID, sourcePath, filename string) (string, error)
	DeleteAnalysis(ctx context.Context, tenant, analysisID string) error
}

// SettingsSource provides per-tenant settings
type SettingsSource interface {
	Get(tenant string) (service.Settings, error)
	Tenants() ([]string, error)
}

// Deps are the collaborators of the orchestrator. Catalog, Archive,
// Settings, Reviewer, OCRExtractor and Packs are optional.
type Deps struct {
	Store     *storage.Store
	Jobs      *service.JobStore
	Extractor Extractor
	// OCRExtractor is used instead of Extractor when the tenant enables OCR
	OCRExtractor Extractor
	Detectors    DetectorRunner
	Packs        detector.PackSource
	Ledger       *ledger.Ledger
	Reviewer     llm.Provider
	Reporter     Reporter
	Catalog      Catalog
	Archive      Archiver
	Settings     SettingsSource
}

// Options tunes scheduling and stage deadlines
type Options struct {
	Workers   int
	QueueSize int
	// Sync runs the pipeline inside Enqueue
	Sync              bool
	ExtractTimeout    time.Duration
	DetectTimeout     time.Duration
	ReviewTimeout     time.Duration
	Run               detector.RunOptions
	ExpectedDetectors []string
	RetentionDays     int
	MaxReviewTokens   int
}

// Orchestrator owns the analysis state machine
type Orchestrator struct {
	deps Deps
	opts Options
	pool *Pool
	hub  *Broadcaster

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc

	now func() time.Time
}

// New creates an orchestrator. Call Start before enqueueing unless
// opts.Sync is set.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxReviewTokens <= 0 {
		opts.MaxReviewTokens = 256
	}
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		pool:    NewPool(opts.Workers, opts.QueueSize),
		hub:     NewBroadcaster(0),
		locks:   make(map[string]*sync.Mutex),
		cancels: make(map[string]context.CancelFunc),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the worker pool
func (o *Orchestrator) Start() {
	o.pool.Start()
}

// Shutdown stops the worker pool, cancelling running jobs when ctx ends
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.pool.Shutdown(ctx)
}

// Jobs returns the job store
func (o *Orchestrator) Jobs() *service.JobStore {
	return o.deps.Jobs
}

func (o *Orchestrator) lock(analysisID string) func() {
	o.mu.Lock()
	m, ok := o.locks[analysisID]
	if !ok {
		m = &sync.Mutex{}
		o.locks[analysisID] = m
	}
	o.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Intake stores an uploaded source as a new analysis in RECEIVED and creates
// its job record.
func (o *Orchestrator) Intake(ctx context.Context, tenant, filename, mime string, r io.Reader) (*model.JobRecord, *model.Analysis, error) {
	now := o.now()
	a := &model.Analysis{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Filename:  filename,
		Mime:      mime,
		State:     model.StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []model.Transition{{State: model.StateReceived, At: now}},
	}
	ctx = logger.WithAnalysis(ctx, a.ID)

	if err := o.deps.Store.Create(a); err != nil {
		return nil, nil, fmt.Errorf("create analysis: %w", err)
	}
	path, n, sum, err := o.deps.Store.SaveSource(a.ID, filename, r)
	if err != nil {
		_ = o.deps.Store.Delete(a.ID)
		return nil, nil, fmt.Errorf("save source: %w", err)
	}
	a.SizeBytes = n
	a.Checksum = sum
	if err := o.deps.Store.SaveAnalysis(a); err != nil {
		return nil, nil, fmt.Errorf("save analysis: %w", err)
	}

	job := &model.JobRecord{
		ID:         uuid.NewString(),
		AnalysisID: a.ID,
		Tenant:     tenant,
		Status:     model.StateReceived,
		CreatedAt:  now,
	}
	o.deps.Jobs.Save(job)
	o.index(ctx, a)

	if o.deps.Archive != nil {
		object, err := o.deps.Archive.ArchiveSource(ctx, tenant, a.ID, path, filename)
		if err != nil {
			logger.Warn(ctx, "source archive failed", "error", err)
		} else {
			logger.Debug(ctx, "source archived", "object", object)
		}
	}

	o.hub.Publish(Event{Type: EventState, AnalysisID: a.ID, State: a.State, At: now})
	logger.Info(ctx, "analysis received", "job_id", job.ID, "filename", filename, "size_bytes", n)

	return o.deps.Jobs.Get(job.ID), a, nil
}

// Enqueue moves the analysis to QUEUED and hands it to a worker. With
// Options.Sync the pipeline runs before Enqueue returns.
func (o *Orchestrator) Enqueue(ctx context.Context, analysisID string) error {
	if _, err := o.Advance(ctx, analysisID, model.StateQueued, nil); err != nil {
		return err
	}

	return o.dispatch(ctx, analysisID)
}

func (o *Orchestrator) dispatch(ctx context.Context, analysisID string) error {
	task := o.task(analysisID)
	if o.opts.Sync {
		task(context.WithoutCancel(ctx))
		return nil
	}
	if err := o.pool.Submit(ctx, task); err != nil {
		_ = o.Fail(context.WithoutCancel(ctx), analysisID, "internal: "+err.Error())
		return fmt.Errorf("submit job: %w", err)
	}
	return nil
}

func (o *Orchestrator) task(analysisID string) Task {
	return func(ctx context.Context) {
		jobCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var jobID string
		if job := o.deps.Jobs.ByAnalysis(analysisID); job != nil {
			jobID = job.ID
			o.mu.Lock()
			o.cancels[jobID] = cancel
			o.mu.Unlock()
			defer func() {
				o.mu.Lock()
				delete(o.cancels, jobID)
				o.mu.Unlock()
			}()
		}
		o.process(jobCtx, analysisID)
	}
}

// Cancel stops a queued or running job. The analysis ends in ERROR with
// reason "cancelled".
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*model.JobRecord, error) {
	job := o.deps.Jobs.Get(jobID)
	if job == nil {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}

	o.mu.Lock()
	cancel := o.cancels[jobID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := o.Fail(ctx, job.AnalysisID, ReasonCancelled); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	logger.Info(ctx, "job cancelled", "job_id", jobID, "analysis_id", job.AnalysisID)
	return o.deps.Jobs.Get(jobID), nil
}

// Advance moves the analysis to next and optionally appends a finding.
// Repeating the current state is a no-op for the state but still records
// the finding.
func (o *Orchestrator) Advance(ctx context.Context, analysisID string, next model.State, f *model.Finding) (*model.Analysis, error) {
	return o.transition(ctx, analysisID, next, "", f)
}

// Fail moves the analysis to ERROR with reason
func (o *Orchestrator) Fail(ctx context.Context, analysisID, reason string) error {
	_, err := o.transition(ctx, analysisID, model.StateError, reason, nil)
	return err
}

func (o *Orchestrator) transition(ctx context.Context, analysisID string, next model.State, reason string, f *model.Finding) (*model.Analysis, error) {
	unlock := o.lock(analysisID)
	defer unlock()
	ctx = logger.WithAnalysis(ctx, analysisID)

	a, err := o.load(analysisID)
	if err != nil {
		return nil, err
	}

	if f != nil {
		if err := o.appendFinding(analysisID, *f); err != nil {
			return nil, err
		}
	}

	if a.State == next {
		return a, nil
	}
	if !a.State.CanTransition(next) {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, next)
	}

	prev := a.State
	now := o.now()
	a.State = next
	a.UpdatedAt = now
	a.History = append(a.History, model.Transition{State: next, At: now})
	if next == model.StateError {
		a.ErrorReason = reason
	}
	if err := o.deps.Store.SaveAnalysis(a); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	if job := o.deps.Jobs.ByAnalysis(analysisID); job != nil {
		o.deps.Jobs.UpdateStatus(job.ID, next, reason)
	}
	o.index(ctx, a)
	o.hub.Publish(Event{Type: EventState, AnalysisID: analysisID, State: next, At: now, ErrorReason: a.ErrorReason})

	if next == model.StateError {
		logger.Warn(ctx, "analysis state changed", "from", prev, "to", next, "reason", reason)
	} else {
		logger.Info(ctx, "analysis state changed", "from", prev, "to", next)
	}
	return a, nil
}

// appendFinding adds f to findings.json keeping detector order. Callers
// hold the analysis lock.
func (o *Orchestrator) appendFinding(analysisID string, f model.Finding) error {
	findings, err := o.deps.Store.LoadFindings(analysisID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load findings: %w", err)
	}
	findings = append(findings, f)
	detector.Sort(findings)
	if err := o.deps.Store.SaveFindings(analysisID, findings); err != nil {
		return fmt.Errorf("save findings: %w", err)
	}
	return nil
}

func (o *Orchestrator) index(ctx context.Context, a *model.Analysis) {
	if o.deps.Catalog == nil {
		return
	}
	if err := o.deps.Catalog.Upsert(ctx, a); err != nil {
		logger.Warn(ctx, "catalog update failed", "error", err)
	}
}

func (o *Orchestrator) load(analysisID string) (*model.Analysis, error) {
	a, err := o.deps.Store.LoadAnalysis(analysisID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis: %w", err)
	}
	return a, nil
}

// Analysis returns the stored analysis record
func (o *Orchestrator) Analysis(analysisID string) (*model.Analysis, error) {
	return o.load(analysisID)
}

// Findings returns the findings of an analysis, empty until detection ran
func (o *Orchestrator) Findings(analysisID string) ([]model.Finding, error) {
	if _, err := o.load(analysisID); err != nil {
		return nil, err
	}
	findings, err := o.deps.Store.LoadFindings(analysisID)
	if errors.Is(err, storage.ErrNotFound) {
		return []model.Finding{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load findings: %w", err)
	}
	return findings, nil
}

// Summary returns the analysis with its coverage, token usage and verdict
// counts, each when available
func (o *Orchestrator) Summary(analysisID string) (*model.Summary, error) {
	a, err := o.load(analysisID)
	if err != nil {
		return nil, err
	}
	s := &model.Summary{Analysis: *a}

	if cov, err := o.deps.Store.LoadCoverage(analysisID); err == nil {
		s.Coverage = cov
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load coverage: %w", err)
	}
	if usage, err := o.deps.Store.LoadUsage(analysisID); err == nil {
		s.Tokens = usage
	} else if !errors.Is(err, ledger.ErrNoUsage) {
		return nil, fmt.Errorf("load token usage: %w", err)
	}

	findings, err := o.deps.Store.LoadFindings(analysisID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load findings: %w", err)
	}
	if len(findings) > 0 {
		s.Counts = make(map[model.Verdict]int)
		for _, f := range findings {
			s.Counts[f.Verdict]++
		}
	}
	return s, nil
}

// Subscribe streams state transitions of analysisID
func (o *Orchestrator) Subscribe(analysisID string) (<-chan Event, func()) {
	return o.hub.Subscribe(analysisID)
}

// Recover resumes analyses left behind by a previous process. Analyses that
// never left RECEIVED or QUEUED are queued again; analyses interrupted
// mid-pipeline end in ERROR.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ids, err := o.deps.Store.List()
	if err != nil {
		return fmt.Errorf("list analyses: %w", err)
	}
	requeued, failed := 0, 0
	for _, id := range ids {
		a, err := o.load(id)
		if err != nil {
			logger.Warn(ctx, "skipping unreadable analysis", "analysis_id", id, "error", err)
			continue
		}
		if a.State.Terminal() {
			continue
		}
		if o.deps.Jobs.ByAnalysis(id) == nil {
			o.deps.Jobs.Save(&model.JobRecord{
				ID:         uuid.NewString(),
				AnalysisID: id,
				Tenant:     a.Tenant,
				Status:     a.State,
				CreatedAt:  a.CreatedAt,
			})
		}
		switch a.State {
		case model.StateReceived, model.StateQueued:
			if _, err := o.Advance(ctx, id, model.StateQueued, nil); err != nil {
				logger.Warn(ctx, "requeue failed", "analysis_id", id, "error", err)
				continue
			}
			if err := o.dispatch(ctx, id); err != nil {
				logger.Warn(ctx, "requeue failed", "analysis_id", id, "error", err)
				continue
			}
			requeued++
		default:
			if err := o.Fail(ctx, id, "internal: interrupted during "+string(a.State)); err != nil {
				logger.Warn(ctx, "failed to close interrupted analysis", "analysis_id", id, "error", err)
				continue
			}
			failed++
		}
	}
	if requeued > 0 || failed > 0 {
		logger.Info(ctx, "recovered analyses", "requeued", requeued, "failed", failed)
	}
	return nil
}
