// Package catalog indexes analyses and token events in SQLite for listing,
// latency tiles and daily rollups. Artifacts stay on disk; the catalog only
// holds what the admin and list views query.
package catalog

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/model"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection
var openDB = sql.Open

// tsLayout is fixed width so text comparison orders timestamps
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultLimit = 20
	maxLimit     = 100
)

// ErrBadCursor is returned for cursors that do not decode
var ErrBadCursor = errors.New("invalid cursor")

// Catalog is the SQLite-backed analysis index
type Catalog struct {
	db *sql.DB
}

// Open opens (and migrates) the catalog database at path
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: pragma %q: %w", p, err)
		}
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migration: %w", err)
	}
	return c, nil
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analyses (
		id           TEXT PRIMARY KEY,
		tenant       TEXT NOT NULL,
		filename     TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		mime         TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		error_reason TEXT NOT NULL DEFAULT '',
		checksum     TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		finished_at  TEXT,
		duration_ms  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_tenant_created ON analyses(tenant, created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS token_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		analysis_id   TEXT NOT NULL,
		kind          TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		success       INTEGER NOT NULL DEFAULT 0,
		cost          REAL NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_events_created ON token_events(created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

// Upsert records the current view of an analysis. Terminal states stamp the
// finish time and the end-to-end duration.
func (c *Catalog) Upsert(ctx context.Context, a *model.Analysis) error {
	var finished sql.NullString
	var duration sql.NullInt64
	if a.State.Terminal() {
		finished = sql.NullString{String: formatTS(a.UpdatedAt), Valid: true}
		duration = sql.NullInt64{Int64: a.UpdatedAt.Sub(a.CreatedAt).Milliseconds(), Valid: true}
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO analyses (id, tenant, filename, size_bytes, mime, state, error_reason, checksum, created_at, updated_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error_reason = excluded.error_reason,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms`,
		a.ID, a.Tenant, a.Filename, a.SizeBytes, a.Mime, string(a.State), a.ErrorReason, a.Checksum,
		formatTS(a.CreatedAt), formatTS(a.UpdatedAt), finished, duration,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", a.ID, err)
	}
	return nil
}

// Delete removes an analysis row
func (c *Catalog) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM analyses WHERE id = ?`, id)
	return err
}

// Page is one page of the analysis listing
type Page struct {
	Items      []model.Analysis `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func encodeCursor(a model.Analysis) string {
	return base64.RawURLEncoding.EncodeToString([]byte(formatTS(a.CreatedAt) + "|" + a.ID))
}

func decodeCursor(cursor string) (string, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", ErrBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return "", "", ErrBadCursor
	}
	if _, err := time.Parse(tsLayout, ts); err != nil {
		return "", "", ErrBadCursor
	}
	return ts, id, nil
}

// List returns the tenant's analyses newest first. cursor is the NextCursor
// of the previous page.
func (c *Catalog) List(ctx context.Context, tenant string, limit int, cursor string) (Page, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT id, tenant, filename, size_bytes, mime, state, error_reason, checksum, created_at, updated_at
		FROM analyses WHERE tenant = ?`
	args := []any{tenant}
	if cursor != "" {
		ts, id, err := decodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ts, ts, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	page := Page{Items: []model.Analysis{}}
	for rows.Next() {
		var a model.Analysis
		var state, created, updated string
		if err := rows.Scan(&a.ID, &a.Tenant, &a.Filename, &a.SizeBytes, &a.Mime, &state, &a.ErrorReason, &a.Checksum, &created, &updated); err != nil {
			return Page{}, fmt.Errorf("catalog: scan: %w", err)
		}
		a.State = model.State(state)
		a.CreatedAt, a.UpdatedAt = parseTS(created), parseTS(updated)
		page.Items = append(page.Items, a)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = encodeCursor(page.Items[limit-1])
	}
	return page, nil
}

// OlderThan returns ids of analyses created before cutoff
func (c *Catalog) OlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM analyses WHERE created_at < ? ORDER BY created_at`, formatTS(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordTokenEvent stores one ledger event
func (c *Catalog) RecordTokenEvent(ctx context.Context, ev ledger.Event) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO token_events (analysis_id, kind, input_tokens, output_tokens, success, cost, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AnalysisID, ev.Kind, ev.InputTokens, ev.OutputTokens, ev.Success, ev.Cost, ev.Error, formatTS(ev.At),
	)
	if err != nil {
		return fmt.Errorf("catalog: record token event: %w", err)
	}
	return nil
}

// Latency summarizes end-to-end durations of finished analyses
type Latency struct {
	Count int64 `json:"count"`
	AvgMS int64 `json:"avg_ms"`
	P50MS int64 `json:"p50_ms"`
	P95MS int64 `json:"p95_ms"`
	MaxMS int64 `json:"max_ms"`
}

// Latency computes duration statistics over analyses that reached DONE
func (c *Catalog) Latency(ctx context.Context) (Latency, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT duration_ms FROM analyses WHERE state = ? AND duration_ms IS NOT NULL`, string(model.StateDone))
	if err != nil {
		return Latency{}, err
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return Latency{}, err
		}
		durations = append(durations, d)
	}
	if err := rows.Err(); err != nil {
		return Latency{}, err
	}
	if len(durations) == 0 {
		return Latency{}, nil
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	var sum int64
	for _, d := range durations {
		sum += d
	}
	n := int64(len(durations))
	return Latency{
		Count: n,
		AvgMS: sum / n,
		P50MS: percentile(durations, 50),
		P95MS: percentile(durations, 95),
		MaxMS: durations[len(durations)-1],
	}, nil
}

// percentile uses the nearest-rank method on sorted values
func percentile(sorted []int64, p int) int64 {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// StateCounts returns the number of analyses per state
func (c *Catalog) StateCounts(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM analyses GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// DailyRollup aggregates one UTC day
type DailyRollup struct {
	Date         string  `json:"date"`
	Analyses     int     `json:"analyses"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Calls        int     `json:"calls"`
	CapExceeded  int     `json:"cap_exceeded"`
	Cost         float64 `json:"cost"`
}

// Timeseries returns one rollup per day for the last days days ending at
// now, oldest first. Days without activity are zero-filled.
func (c *Catalog) Timeseries(ctx context.Context, days int, now time.Time) ([]DailyRollup, error) {
	if days <= 0 {
		days = 7
	}
	if days > 365 {
		days = 365
	}
	end := now.UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -(days - 1))

	out := make([]DailyRollup, days)
	index := make(map[string]*DailyRollup, days)
	for i := range out {
		out[i].Date = start.AddDate(0, 0, i).Format("2006-01-02")
		index[out[i].Date] = &out[i]
	}
	since := formatTS(start)

	rows, err := c.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day,
			COUNT(*),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END)
		FROM analyses WHERE created_at >= ? GROUP BY day`,
		string(model.StateDone), string(model.StateError), since)
	if err != nil {
		return nil, fmt.Errorf("catalog: analyses rollup: %w", err)
	}
	for rows.Next() {
		var day string
		var total, done, failed int
		if err := rows.Scan(&day, &total, &done, &failed); err != nil {
			rows.Close()
			return nil, err
		}
		if r, ok := index[day]; ok {
			r.Analyses, r.Completed, r.Failed = total, done, failed
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day,
			SUM(input_tokens), SUM(output_tokens),
			SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END),
			SUM(cost)
		FROM token_events WHERE created_at >= ? GROUP BY day`,
		ledger.EventCall, ledger.EventCap, since)
	if err != nil {
		return nil, fmt.Errorf("catalog: token rollup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var in, out2, calls, capped int
		var cost float64
		if err := rows.Scan(&day, &in, &out2, &calls, &capped, &cost); err != nil {
			return nil, err
		}
		if r, ok := index[day]; ok {
			r.InputTokens, r.OutputTokens, r.Calls, r.CapExceeded, r.Cost = in, out2, calls, capped, cost
		}
	}
	return out, rows.Err()
}
