package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "db", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func analysis(id, tenant string, created time.Time, state model.State) *model.Analysis {
	return &model.Analysis{
		ID:        id,
		Tenant:    tenant,
		Filename:  id + ".pdf",
		SizeBytes: 1024,
		Mime:      "application/pdf",
		State:     state,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestUpsertAndList(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Upsert(ctx, analysis(fmt.Sprintf("a%d", i), "acme", base.Add(time.Duration(i)*time.Minute), model.StateQueued)))
	}
	require.NoError(t, c.Upsert(ctx, analysis("other", "globex", base, model.StateQueued)))

	a := analysis("a4", "acme", base.Add(4*time.Minute), model.StateDone)
	a.UpdatedAt = a.CreatedAt.Add(3 * time.Second)
	require.NoError(t, c.Upsert(ctx, a))

	first, err := c.List(ctx, "acme", 2, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "a4", first.Items[0].ID)
	assert.Equal(t, model.StateDone, first.Items[0].State)
	assert.Equal(t, "a3", first.Items[1].ID)
	require.NotEmpty(t, first.NextCursor)

	second, err := c.List(ctx, "acme", 2, first.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1"}, ids(second.Items))

	third, err := c.List(ctx, "acme", 2, second.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"a0"}, ids(third.Items))
	assert.Empty(t, third.NextCursor)

	other, err := c.List(ctx, "globex", 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, ids(other.Items))
}

func TestListRejectsBadCursor(t *testing.T) {
	c := openTest(t)
	_, err := c.List(context.Background(), "acme", 10, "%%%")
	assert.ErrorIs(t, err, ErrBadCursor)
}

func TestLatencyAndStateCounts(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, d := range []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 10 * time.Second} {
		a := analysis(fmt.Sprintf("d%d", i), "acme", base, model.StateDone)
		a.UpdatedAt = base.Add(d)
		require.NoError(t, c.Upsert(ctx, a))
	}
	failed := analysis("e1", "acme", base, model.StateError)
	failed.ErrorReason = "pdf_open_failed"
	failed.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, c.Upsert(ctx, failed))
	require.NoError(t, c.Upsert(ctx, analysis("q1", "acme", base, model.StateQueued)))

	lat, err := c.Latency(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), lat.Count)
	assert.Equal(t, int64(4000), lat.AvgMS)
	assert.Equal(t, int64(2000), lat.P50MS)
	assert.Equal(t, int64(10000), lat.P95MS)
	assert.Equal(t, int64(10000), lat.MaxMS)

	counts, err := c.StateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"done": 4, "error": 1, "queued": 1}, counts)
}

func TestLatencyEmpty(t *testing.T) {
	lat, err := openTest(t).Latency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Latency{}, lat)
}

func TestTimeseries(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, c.Upsert(ctx, analysis("old", "acme", now.AddDate(0, 0, -30), model.StateDone)))
	require.NoError(t, c.Upsert(ctx, analysis("y1", "acme", now.AddDate(0, 0, -1), model.StateDone)))
	require.NoError(t, c.Upsert(ctx, analysis("t1", "acme", now, model.StateError)))
	require.NoError(t, c.Upsert(ctx, analysis("t2", "acme", now, model.StateDone)))

	var sink ledger.MetricsSink = c
	require.NoError(t, sink.RecordTokenEvent(ctx, ledger.Event{Kind: ledger.EventCall, AnalysisID: "t2", InputTokens: 100, OutputTokens: 20, Success: true, Cost: 0.5, At: now}))
	require.NoError(t, sink.RecordTokenEvent(ctx, ledger.Event{Kind: ledger.EventCap, AnalysisID: "t2", InputTokens: 900, At: now}))

	series, err := c.Timeseries(ctx, 3, now)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, "2026-03-08", series[0].Date)
	assert.Equal(t, DailyRollup{Date: "2026-03-08"}, series[0])
	assert.Equal(t, DailyRollup{Date: "2026-03-09", Analyses: 1, Completed: 1}, series[1])

	today := series[2]
	assert.Equal(t, "2026-03-10", today.Date)
	assert.Equal(t, 2, today.Analyses)
	assert.Equal(t, 1, today.Completed)
	assert.Equal(t, 1, today.Failed)
	assert.Equal(t, 1000, today.InputTokens)
	assert.Equal(t, 20, today.OutputTokens)
	assert.Equal(t, 1, today.Calls)
	assert.Equal(t, 1, today.CapExceeded)
	assert.InDelta(t, 0.5, today.Cost, 1e-9)
}

func TestOlderThanAndDelete(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.Upsert(ctx, analysis("old", "acme", now.AddDate(0, 0, -40), model.StateDone)))
	require.NoError(t, c.Upsert(ctx, analysis("new", "acme", now, model.StateDone)))

	stale, err := c.OlderThan(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, stale)

	require.NoError(t, c.Delete(ctx, "old"))
	page, err := c.List(ctx, "acme", 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(page.Items))
}

func ids(items []model.Analysis) []string {
	out := make([]string, 0, len(items))
	for _, a := range items {
		out = append(out, a.ID)
	}
	return out
}
