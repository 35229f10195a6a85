// Package ledger keeps per-analysis token accounts and gates LLM calls
// behind a hard per-document cap.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/logger"
)

// OnExceed selects the behavior once the cap is exceeded
type OnExceed string

const (
	// OnExceedNeedsReview denies the call and rewrites pending findings
	OnExceedNeedsReview OnExceed = "needs_review"
	// OnExceedStop denies the call and leaves findings untouched
	OnExceedStop OnExceed = "stop"
	// OnExceedIgnore allows the call; the cap is only recorded
	OnExceedIgnore OnExceed = "ignore"
)

// Valid reports whether o is a known policy
func (o OnExceed) Valid() bool {
	switch o {
	case OnExceedNeedsReview, OnExceedStop, OnExceedIgnore:
		return true
	}
	return false
}

// ErrNoUsage is returned by UsageStore.LoadUsage when nothing is persisted
var ErrNoUsage = errors.New("no token usage recorded")

// UsageStore persists tokens.json per analysis
type UsageStore interface {
	LoadUsage(analysisID string) (*model.TokenUsage, error)
	SaveUsage(analysisID string, usage *model.TokenUsage) error
}

// Event is one line of the append-only metrics log
type Event struct {
	Kind         string    `json:"kind"`
	AnalysisID   string    `json:"analysis_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Cost         float64   `json:"cost"`
	At           time.Time `json:"ts"`
}

// Event kinds
const (
	EventCall = "call"
	EventCap  = "cap_exceeded"
)

// MetricsSink receives every ledger event, e.g. for time-series rollups
type MetricsSink interface {
	RecordTokenEvent(ctx context.Context, ev Event) error
}

// Config holds the cap policy and pricing
type Config struct {
	CapPerDoc       int
	OnExceed        OnExceed
	InputCostPer1K  float64
	OutputCostPer1K float64
	// MetricsLog is the JSONL file events are appended to; empty disables it
	MetricsLog string
}

// Metrics is a best-effort snapshot of the aggregate counters
type Metrics struct {
	Analyses      int64   `json:"analyses"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	Calls         int64   `json:"calls"`
	FailedCalls   int64   `json:"failed_calls"`
	CapExceeded   int64   `json:"cap_exceeded"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type aggregates struct {
	analyses    atomic.Int64
	input       atomic.Int64
	output      atomic.Int64
	calls       atomic.Int64
	failed      atomic.Int64
	capExceeded atomic.Int64
	microCost   atomic.Int64
}

// Ledger records token usage. Writes for one analysis are serialized;
// aggregate counters use atomic increments.
type Ledger struct {
	cfg   Config
	store UsageStore
	sink  MetricsSink

	mu    sync.Mutex
	usage map[string]*model.TokenUsage
	locks map[string]*accountLock

	logMu sync.Mutex
	agg   aggregates
	now   func() time.Time
}

// New creates a ledger. sink may be nil.
func New(cfg Config, store UsageStore, sink MetricsSink) *Ledger {
	if !cfg.OnExceed.Valid() {
		cfg.OnExceed = OnExceedNeedsReview
	}
	return &Ledger{
		cfg:   cfg,
		store: store,
		sink:  sink,
		usage: make(map[string]*model.TokenUsage),
		locks: make(map[string]*accountLock),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the configured on_exceed behavior
func (l *Ledger) Policy() OnExceed {
	return l.cfg.OnExceed
}

// EstimateTokens approximates the token count of s as ceil(runes/4)
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// accountLock serializes one analysis. refs counts holders and waiters;
// the entry is dropped when it reaches zero.
type accountLock struct {
	sync.Mutex
	refs int
}

func (l *Ledger) lock(analysisID string) func() {
	l.mu.Lock()
	m, ok := l.locks[analysisID]
	if !ok {
		m = &accountLock{}
		l.locks[analysisID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(l.locks, analysisID)
		}
		l.mu.Unlock()
	}
}

// account returns the cached usage for analysisID, loading it on first use.
// Callers hold the analysis lock.
func (l *Ledger) account(analysisID string) (*model.TokenUsage, error) {
	l.mu.Lock()
	u, ok := l.usage[analysisID]
	l.mu.Unlock()
	if ok {
		return u, nil
	}

	u, err := l.store.LoadUsage(analysisID)
	switch {
	case errors.Is(err, ErrNoUsage):
		u = &model.TokenUsage{AnalysisID: analysisID, CapLimit: l.cfg.CapPerDoc}
		l.agg.analyses.Add(1)
	case err != nil:
		return nil, fmt.Errorf("load token usage: %w", err)
	}
	l.mu.Lock()
	l.usage[analysisID] = u
	l.mu.Unlock()
	return u, nil
}

// CheckAllowance reports whether a call projected to cost projected tokens
// may proceed. Exceeding the cap latches cap_exceeded on the account.
func (l *Ledger) CheckAllowance(ctx context.Context, analysisID string, projected int) (bool, string, error) {
	unlock := l.lock(analysisID)
	defer unlock()

	u, err := l.account(analysisID)
	if err != nil {
		return false, "", err
	}
	if l.cfg.CapPerDoc <= 0 {
		return true, "", nil
	}

	total := u.TotalTokens + projected
	if total <= l.cfg.CapPerDoc {
		if u.CapExceeded && l.cfg.OnExceed != OnExceedIgnore {
			return false, u.CapReason, nil
		}
		return true, "", nil
	}

	reason := fmt.Sprintf("token_cap_exceeded: projected=%d limit=%d", total, l.cfg.CapPerDoc)
	if !u.CapExceeded {
		u.CapExceeded = true
		u.CapReason = reason
		u.CapLimit = l.cfg.CapPerDoc
		u.UpdatedAt = l.now()
		l.agg.capExceeded.Add(1)
		if err := l.store.SaveUsage(analysisID, u); err != nil {
			return false, reason, fmt.Errorf("save token usage: %w", err)
		}
		l.emit(ctx, Event{Kind: EventCap, AnalysisID: analysisID, InputTokens: projected, Error: reason, At: u.UpdatedAt})
		logger.Warn(ctx, "token cap exceeded", "analysis_id", analysisID, "projected", total, "limit", l.cfg.CapPerDoc, "on_exceed", l.cfg.OnExceed)
	}
	return l.cfg.OnExceed == OnExceedIgnore, reason, nil
}

// Record adds one call to the account and the aggregates and persists
// tokens.json.
func (l *Ledger) Record(ctx context.Context, analysisID string, tokensIn, tokensOut int, success bool, callErr error) error {
	if tokensIn < 0 || tokensOut < 0 {
		return fmt.Errorf("negative token counts: in=%d out=%d", tokensIn, tokensOut)
	}
	unlock := l.lock(analysisID)
	defer unlock()

	u, err := l.account(analysisID)
	if err != nil {
		return err
	}
	cost := float64(tokensIn)/1000*l.cfg.InputCostPer1K + float64(tokensOut)/1000*l.cfg.OutputCostPer1K

	u.InputTokens += tokensIn
	u.OutputTokens += tokensOut
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.EstimatedCost += cost
	u.Calls++
	if !success {
		u.FailedCalls++
	}
	if l.cfg.CapPerDoc > 0 {
		u.CapLimit = l.cfg.CapPerDoc
		if !u.CapExceeded && u.TotalTokens > l.cfg.CapPerDoc {
			u.CapExceeded = true
			u.CapReason = fmt.Sprintf("token_cap_exceeded: projected=%d limit=%d", u.TotalTokens, l.cfg.CapPerDoc)
			l.agg.capExceeded.Add(1)
		}
	}
	u.UpdatedAt = l.now()

	l.agg.input.Add(int64(tokensIn))
	l.agg.output.Add(int64(tokensOut))
	l.agg.calls.Add(1)
	l.agg.microCost.Add(int64(cost * 1e6))
	if !success {
		l.agg.failed.Add(1)
	}

	if err := l.store.SaveUsage(analysisID, u); err != nil {
		return fmt.Errorf("save token usage: %w", err)
	}

	ev := Event{Kind: EventCall, AnalysisID: analysisID, InputTokens: tokensIn, OutputTokens: tokensOut, Success: success, Cost: cost, At: u.UpdatedAt}
	if callErr != nil {
		ev.Error = callErr.Error()
	}
	l.emit(ctx, ev)
	return nil
}

// EnforceCapOnFindings rewrites pending findings to needs_review with reason
// token_cap once the account exceeded its cap under the needs_review policy.
func (l *Ledger) EnforceCapOnFindings(ctx context.Context, analysisID string, findings []model.Finding) ([]model.Finding, error) {
	u, err := l.Usage(analysisID)
	if err != nil {
		return findings, err
	}
	if !u.CapExceeded || l.cfg.OnExceed != OnExceedNeedsReview {
		return findings, nil
	}

	out := make([]model.Finding, len(findings))
	rewritten := 0
	for i, f := range findings {
		if f.Pending() {
			f.Verdict = model.VerdictNeedsReview
			f.Reason = model.ReasonTokenCap
			f.Status = model.StatusFinal
			if f.Rationale != "" {
				f.Rationale += "; "
			}
			f.Rationale += u.CapReason
			rewritten++
		}
		out[i] = f
	}
	if rewritten > 0 {
		logger.Info(ctx, "pending findings marked for review after token cap", "analysis_id", analysisID, "findings", rewritten)
	}
	return out, nil
}

// Usage returns a copy of the account for analysisID
func (l *Ledger) Usage(analysisID string) (model.TokenUsage, error) {
	unlock := l.lock(analysisID)
	defer unlock()
	u, err := l.account(analysisID)
	if err != nil {
		return model.TokenUsage{}, err
	}
	return *u, nil
}

// Flush persists the account for analysisID so tokens.json exists even when
// no call was made, and returns a copy.
func (l *Ledger) Flush(analysisID string) (model.TokenUsage, error) {
	unlock := l.lock(analysisID)
	defer unlock()
	u, err := l.account(analysisID)
	if err != nil {
		return model.TokenUsage{}, err
	}
	if l.cfg.CapPerDoc > 0 {
		u.CapLimit = l.cfg.CapPerDoc
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = l.now()
	}
	if err := l.store.SaveUsage(analysisID, u); err != nil {
		return model.TokenUsage{}, fmt.Errorf("save token usage: %w", err)
	}
	return *u, nil
}

// Forget drops the cached account, e.g. after the analysis was deleted
func (l *Ledger) Forget(analysisID string) {
	unlock := l.lock(analysisID)
	defer unlock()
	l.mu.Lock()
	delete(l.usage, analysisID)
	l.mu.Unlock()
}

// Metrics returns the aggregate counters
func (l *Ledger) Metrics() Metrics {
	in, out := l.agg.input.Load(), l.agg.output.Load()
	return Metrics{
		Analyses:      l.agg.analyses.Load(),
		InputTokens:   in,
		OutputTokens:  out,
		TotalTokens:   in + out,
		Calls:         l.agg.calls.Load(),
		FailedCalls:   l.agg.failed.Load(),
		CapExceeded:   l.agg.capExceeded.Load(),
		EstimatedCost: float64(l.agg.microCost.Load()) / 1e6,
	}
}

func (l *Ledger) emit(ctx context.Context, ev Event) {
	if err := l.appendLog(ev); err != nil {
		logger.Warn(ctx, "failed to append token metrics log", "error", err)
	}
	if l.sink != nil {
		if err := l.sink.RecordTokenEvent(ctx, ev); err != nil {
			logger.Warn(ctx, "failed to record token event", "error", err)
		}
	}
}

func (l *Ledger) appendLog(ev Event) error {
	if l.cfg.MetricsLog == "" {
		return nil
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.logMu.Lock()
	defer l.logMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.cfg.MetricsLog), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.cfg.MetricsLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
