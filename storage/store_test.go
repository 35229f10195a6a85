package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalysis(id string) *model.Analysis {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.Analysis{
		ID: id, Tenant: "default", Filename: "dpa.pdf", SizeBytes: 3, Mime: "application/pdf",
		State: model.StateReceived, CreatedAt: now, UpdatedAt: now,
		History: []model.Transition{{State: model.StateReceived, At: now}},
	}
}

func TestCreateAndLoad(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	a := newAnalysis("a1")
	require.NoError(t, s.Create(a))
	assert.ErrorIs(t, s.Create(a), ErrExists)
	assert.True(t, s.Exists("a1"))

	got, err := s.LoadAnalysis("a1")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	raw, err := os.ReadFile(filepath.Join(s.Root(), "a1", AnalysisFile))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"id", "filename", "size_bytes", "mime", "state", "created_at"} {
		assert.Contains(t, fields, key)
	}
}

func TestInvalidIDs(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	for _, id := range []string{"", ".", "..", "../x", `a\b`} {
		_, err := s.Dir(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
	_, err = s.LoadAnalysis("../../etc")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSourceRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Create(newAnalysis("a1")))

	path, n, sum, err := s.SaveSource("a1", "Contract.PDF", strings.NewReader("pdf"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	want := sha256.Sum256([]byte("pdf"))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
	assert.Equal(t, "source.pdf", filepath.Base(path))

	found, err := s.SourcePath("a1")
	require.NoError(t, err)
	assert.Equal(t, path, found)

	require.NoError(t, s.Create(newAnalysis("a2")))
	_, err = s.SourcePath("a2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifacts(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Create(newAnalysis("a1")))

	_, err = s.LoadFindings("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadUsage("a1")
	assert.ErrorIs(t, err, ledger.ErrNoUsage)

	art := &model.ExtractionArtifact{
		TextPath: TextFile,
		PageMap:  []model.PageSpan{{Page: 1, Start: 0, End: 5}},
		Meta:     model.ExtractionMeta{Engine: model.EnginePDF, PageCount: 1},
	}
	require.NoError(t, s.SaveExtraction("a1", "Hello", art))
	gotArt, text, err := s.LoadExtraction("a1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, art.PageMap, gotArt.PageMap)
	sentences, err := os.ReadFile(filepath.Join(s.Root(), "a1", SentencesFile))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(sentences))

	require.NoError(t, s.SaveFindings("a1", nil))
	findings, err := s.LoadFindings("a1")
	require.NoError(t, err)
	assert.Empty(t, findings)

	usage := &model.TokenUsage{AnalysisID: "a1", TotalTokens: 7}
	require.NoError(t, s.SaveUsage("a1", usage))
	gotUsage, err := s.LoadUsage("a1")
	require.NoError(t, err)
	assert.Equal(t, 7, gotUsage.TotalTokens)

	cov := &model.Coverage{Present: 1, Total: 2, Percentage: 50, Status: model.CoverageIncomplete, MissingDetectors: []string{"b"}}
	require.NoError(t, s.SaveCoverage("a1", cov))
	gotCov, err := s.LoadCoverage("a1")
	require.NoError(t, err)
	assert.Equal(t, cov, gotCov)

	_, err = s.ReportPath("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.SaveReport("a1", []byte("<html></html>")))
	_, err = s.ReportPath("a1")
	assert.NoError(t, err)
}

func TestListAndDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.Create(newAnalysis(id)))
	}

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, s.Delete("b"))
	assert.False(t, s.Exists("b"))
	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
}
