package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/AnTengye/contractguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string]model.TokenUsage
	saves int
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]model.TokenUsage)}
}

func (m *memStore) LoadUsage(id string) (*model.TokenUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.saved[id]
	if !ok {
		return nil, ErrNoUsage
	}
	return &u, nil
}

func (m *memStore) SaveUsage(id string, u *model.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[id] = *u
	m.saves++
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memSink) RecordTokenEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func pendingFindings() []model.Finding {
	return []model.Finding{
		{DetectorID: "a", Verdict: model.VerdictPass, Status: model.StatusFinal},
		{DetectorID: "b", Verdict: model.VerdictMissing, Status: model.StatusPending, Rationale: "no anchor matched"},
		{DetectorID: "c", Verdict: model.VerdictNeedsReview},
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("äöü"))
}

func TestTokenCapMarksPendingFindings(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sink := &memSink{}
	l := New(Config{CapPerDoc: 100}, store, sink)

	allowed, reason, err := l.CheckAllowance(ctx, "a1", 150)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "token_cap_exceeded")
	assert.Equal(t, "token_cap_exceeded: projected=150 limit=100", reason)

	persisted := store.saved["a1"]
	assert.True(t, persisted.CapExceeded)
	assert.Equal(t, reason, persisted.CapReason)

	findings, err := l.EnforceCapOnFindings(ctx, "a1", pendingFindings())
	require.NoError(t, err)
	assert.Equal(t, model.VerdictPass, findings[0].Verdict)
	for _, f := range findings[1:] {
		assert.Equal(t, model.VerdictNeedsReview, f.Verdict)
		assert.Equal(t, model.ReasonTokenCap, f.Reason)
	}
	assert.Contains(t, findings[1].Rationale, "no anchor matched; token_cap_exceeded")

	m := l.Metrics()
	assert.Equal(t, int64(1), m.CapExceeded)
	assert.Equal(t, int64(1), m.Analyses)
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventCap, sink.events[0].Kind)
}

func TestCapLatches(t *testing.T) {
	ctx := context.Background()
	l := New(Config{CapPerDoc: 100}, newMemStore(), nil)

	allowed, _, err := l.CheckAllowance(ctx, "a1", 150)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, reason, err := l.CheckAllowance(ctx, "a1", 10)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "projected=150")

	u, err := l.Usage("a1")
	require.NoError(t, err)
	assert.True(t, u.CapExceeded)
	assert.Equal(t, int64(1), l.Metrics().CapExceeded)
}

func TestOnExceedPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("stop denies without rewriting", func(t *testing.T) {
		l := New(Config{CapPerDoc: 10, OnExceed: OnExceedStop}, newMemStore(), nil)
		allowed, _, err := l.CheckAllowance(ctx, "a", 20)
		require.NoError(t, err)
		assert.False(t, allowed)
		findings, err := l.EnforceCapOnFindings(ctx, "a", pendingFindings())
		require.NoError(t, err)
		assert.Equal(t, pendingFindings(), findings)
	})

	t.Run("ignore allows and records", func(t *testing.T) {
		l := New(Config{CapPerDoc: 10, OnExceed: OnExceedIgnore}, newMemStore(), nil)
		allowed, reason, err := l.CheckAllowance(ctx, "a", 20)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.NotEmpty(t, reason)
		u, _ := l.Usage("a")
		assert.True(t, u.CapExceeded)
		findings, err := l.EnforceCapOnFindings(ctx, "a", pendingFindings())
		require.NoError(t, err)
		assert.Equal(t, pendingFindings(), findings)
	})

	t.Run("unknown policy defaults to needs_review", func(t *testing.T) {
		l := New(Config{CapPerDoc: 10, OnExceed: "bogus"}, newMemStore(), nil)
		assert.Equal(t, OnExceedNeedsReview, l.Policy())
	})

	t.Run("no cap allows everything", func(t *testing.T) {
		l := New(Config{}, newMemStore(), nil)
		allowed, reason, err := l.CheckAllowance(ctx, "a", 1_000_000)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Empty(t, reason)
	})
}

func TestRecordIsMonotonic(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newMemStore()
	l := New(Config{CapPerDoc: 50, InputCostPer1K: 1, OutputCostPer1K: 2, MetricsLog: filepath.Join(dir, "metrics", "tokens.jsonl")}, store, nil)

	prev := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, "a1", 8, 4, i != 2, nil))
		u, err := l.Usage("a1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, u.TotalTokens, prev)
		prev = u.TotalTokens
	}
	require.NoError(t, l.Record(ctx, "a1", 1, 0, false, errors.New("provider down")))

	u, err := l.Usage("a1")
	require.NoError(t, err)
	assert.Equal(t, 41, u.InputTokens)
	assert.Equal(t, 20, u.OutputTokens)
	assert.Equal(t, 61, u.TotalTokens)
	assert.Equal(t, 6, u.Calls)
	assert.Equal(t, 2, u.FailedCalls)
	assert.True(t, u.CapExceeded)
	assert.InDelta(t, 0.041+0.040, u.EstimatedCost, 1e-9)

	f, err := os.Open(filepath.Join(dir, "metrics", "tokens.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var lines []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 6)
	assert.Equal(t, "provider down", lines[5].Error)

	assert.Error(t, l.Record(ctx, "a1", -1, 0, true, nil))
}

func TestUsageSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	first := New(Config{CapPerDoc: 100}, store, nil)
	require.NoError(t, first.Record(ctx, "a1", 30, 10, true, nil))

	second := New(Config{CapPerDoc: 100}, store, nil)
	u, err := second.Usage("a1")
	require.NoError(t, err)
	assert.Equal(t, 40, u.TotalTokens)

	allowed, _, err := second.CheckAllowance(ctx, "a1", 61)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	l := New(Config{}, newMemStore(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "a"
			if i%2 == 0 {
				id = "b"
			}
			assert.NoError(t, l.Record(ctx, id, 3, 2, true, nil))
		}(i)
	}
	wg.Wait()

	a, _ := l.Usage("a")
	b, _ := l.Usage("b")
	assert.Equal(t, 100, a.TotalTokens)
	assert.Equal(t, 100, b.TotalTokens)
	m := l.Metrics()
	assert.Equal(t, int64(200), m.TotalTokens)
	assert.Equal(t, int64(40), m.Calls)
	assert.Equal(t, int64(2), m.Analyses)
}

func TestForgetDuringRecordsLosesNothing(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := New(Config{}, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Record(ctx, "a", 3, 2, true, nil))
		}()
		go func() {
			defer wg.Done()
			l.Forget("a")
		}()
	}
	wg.Wait()

	saved, err := store.LoadUsage("a")
	require.NoError(t, err)
	assert.Equal(t, 40, saved.Calls)
	assert.Equal(t, 200, saved.TotalTokens)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks, "idle analyses keep no lock entry")
}
