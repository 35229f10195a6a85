package report

import (
	"strings"
	"testing"
	"time"

	"github.com/AnTengye/contractguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	out, err := r.Render(Data{
		Analysis: model.Analysis{ID: "a1", Filename: "dpa <final>.pdf"},
		Findings: []model.Finding{
			{DetectorID: "B", Verdict: model.VerdictMissing, Rationale: "no anchor matched"},
			{DetectorID: "A", Verdict: model.VerdictWeak, Confidence: 0.5, Page: 2, Snippet: "may <script>", WeakLanguageDetected: true},
		},
		Coverage:    model.Coverage{Present: 1, Total: 2, Percentage: 50, Status: model.CoverageIncomplete, MissingDetectors: []string{"B"}},
		Usage:       &model.TokenUsage{TotalTokens: 150, Calls: 1, CapExceeded: true, CapReason: "token_cap_exceeded: projected=150 limit=100"},
		PackID:      "gdpr",
		PackVersion: "1.0.0",
		GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	html := string(out)

	assert.Contains(t, html, "dpa &lt;final&gt;.pdf")
	assert.Contains(t, html, "may &lt;script&gt;")
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "50.0%")
	assert.Contains(t, html, "<code>B</code>")
	assert.Contains(t, html, "token_cap_exceeded")
	assert.Contains(t, html, "2026-01-02T03:04:05Z")
	assert.Less(t, strings.Index(html, "<code>A</code>"), strings.LastIndex(html, "<code>B</code>"))
}

func TestRenderWithoutUsage(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	out, err := r.Render(Data{Analysis: model.Analysis{ID: "a1", Filename: "x.pdf"}})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "LLM usage")
}
