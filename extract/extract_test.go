package extract

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/AnTengye/contractguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>The processor shall act only on documented instructions.</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Personnel are bound </w:t></w:r><w:r><w:t>by confidentiality.</w:t></w:r></w:p>
<w:p><w:r><w:br w:type="page"/></w:r></w:p>
<w:p><w:r><w:t>Subprocessors require prior written authorisation.</w:t></w:r></w:p>
</w:body></w:document>`

func writeDOCX(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "contract.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func writeRaw(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func assertOffsets(t *testing.T, res *Result) {
	t.Helper()
	for _, s := range res.Artifact.Sentences {
		assert.Equal(t, s.Text, res.Text[s.Start:s.End])
		span, ok := res.Artifact.SpanOf(s.Page)
		require.True(t, ok, "sentence page %d has no span", s.Page)
		assert.True(t, span.Contains(s.Start, s.End))
	}
}

func TestSplitSentences(t *testing.T) {
	text := "Art. 28 applies. The processor shall act.\n\nSecond para? Yes! 1. Numbered item. Values like 3.5 stay."
	pages := []model.PageSpan{{Page: 1, Start: 0, End: len(text)}}

	got := Split(text, pages)
	var texts []string
	for _, s := range got {
		texts = append(texts, s.Text)
		assert.Equal(t, s.Text, text[s.Start:s.End])
		assert.Equal(t, 1, s.Page)
	}
	assert.Equal(t, []string{
		"Art. 28 applies.",
		"The processor shall act.",
		"Second para?",
		"Yes!",
		"1. Numbered item.",
		"Values like 3.5 stay.",
	}, texts)
}

func TestSplitFallsBackPerPage(t *testing.T) {
	text := "The processor shall\nact promptly."
	pages := []model.PageSpan{{Page: 1, Start: 0, End: 20}, {Page: 2, Start: 20, End: len(text)}}

	got := Split(text, pages)
	require.Len(t, got, 2)
	assert.Equal(t, model.Sentence{Page: 1, Start: 0, End: 19, Text: "The processor shall"}, got[0])
	assert.Equal(t, model.Sentence{Page: 2, Start: 20, End: len(text), Text: "act promptly."}, got[1])
}

func TestSplitEmpty(t *testing.T) {
	assert.Empty(t, Split("", []model.PageSpan{{Page: 1}}))
	assert.Empty(t, Split(" \n\n\t ", []model.PageSpan{{Page: 1, End: 5}}))
}

func TestExtractDOCX(t *testing.T) {
	dir := t.TempDir()
	path := writeDOCX(t, dir, documentXML)

	res, err := New(Options{}, nil).Extract(context.Background(), path)
	require.NoError(t, err)

	art := res.Artifact
	assert.Equal(t, model.EngineDOCX, art.Meta.Engine)
	assert.Equal(t, "contract.docx", art.Meta.Source)
	assert.Equal(t, TextFile, art.TextPath)
	assert.Nil(t, art.Error)
	require.Len(t, art.PageMap, 2)
	assert.Equal(t, art.PageMap[0].End, art.PageMap[1].Start)
	assert.Equal(t, len(res.Text), art.PageMap[1].End)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), art.Checksum)

	require.Len(t, art.Sentences, 3)
	assert.Equal(t, "Personnel are bound by confidentiality.", art.Sentences[1].Text)
	assert.Equal(t, []int{1, 1, 2}, []int{art.Sentences[0].Page, art.Sentences[1].Page, art.Sentences[2].Page})
	assertOffsets(t, res)
}

func TestExtractDOCXHeadingIsItsOwnSentence(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Clause 5 Security</w:t></w:r></w:p>
<w:p><w:r><w:t>The processor shall implement appropriate measures.</w:t></w:r></w:p>
</w:body></w:document>`
	res, err := New(Options{}, nil).Extract(context.Background(), writeDOCX(t, t.TempDir(), body))
	require.NoError(t, err)

	require.Len(t, res.Artifact.Sentences, 2)
	assert.Equal(t, "Clause 5 Security", res.Artifact.Sentences[0].Text)
	assert.Equal(t, "The processor shall implement appropriate measures.", res.Artifact.Sentences[1].Text)
	assertOffsets(t, res)
}

func TestExtractIsDeterministic(t *testing.T) {
	path := writeDOCX(t, t.TempDir(), documentXML)
	engine := New(Options{}, nil)

	first, err := engine.Extract(context.Background(), path)
	require.NoError(t, err)
	second, err := engine.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExtractFailures(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
		code string
	}{
		{"unsupported suffix", writeRaw(t, dir, "notes.txt", "hello"), CodeUnsupportedType},
		{"missing file", filepath.Join(dir, "absent.pdf"), CodeOpenFailed},
		{"corrupt pdf", writeRaw(t, dir, "broken.pdf", "not a pdf at all"), CodePDFOpenFailed},
		{"corrupt docx", writeRaw(t, dir, "broken.docx", "not a zip"), CodeDOCXParseFailed},
		{"docx without body", writeDOCXWithout(t, dir), CodeDOCXParseFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(Options{}, nil).Extract(context.Background(), tt.path)
			require.Error(t, err)
			xerr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, xerr.Code)
			require.NotNil(t, res)
			require.NotNil(t, res.Artifact.Error)
			assert.Equal(t, tt.code, res.Artifact.Error.Code)
		})
	}
}

func writeDOCXWithout(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "empty.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	_, err = zw.Create("word/styles.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

type fakeOCR struct {
	texts map[int]string
	err   error
	asked []int
}

func (f *fakeOCR) Name() string { return "fake" }

func (f *fakeOCR) Recognize(_ context.Context, _ string, pages []int, _ int, _ string) (map[int]string, error) {
	f.asked = pages
	return f.texts, f.err
}

func fakePDF(pages ...string) func(string) ([]string, error) {
	return func(string) ([]string, error) {
		return append([]string(nil), pages...), nil
	}
}

func TestExtractOCRFallback(t *testing.T) {
	path := writeRaw(t, t.TempDir(), "scan.pdf", "%PDF-fake")
	ocr := &fakeOCR{texts: map[int]string{2: "  Scanned obligations apply.  "}}
	engine := New(Options{OCREnabled: true}, ocr)
	engine.readPDF = fakePDF("The processor shall assist.", "")

	res, err := engine.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, ocr.asked)
	assert.Equal(t, model.EngineOCR, res.Artifact.Meta.Engine)
	assert.Equal(t, []int{2}, res.Artifact.Meta.OCRPages)
	assert.Equal(t, "The processor shall assist.\nScanned obligations apply.", res.Text)
	require.Len(t, res.Artifact.Sentences, 2)
	assert.Equal(t, 2, res.Artifact.Sentences[1].Page)
	assertOffsets(t, res)
}

func TestExtractOCRDisabledKeepsEmptyPages(t *testing.T) {
	path := writeRaw(t, t.TempDir(), "scan.pdf", "%PDF-fake")
	ocr := &fakeOCR{}
	engine := New(Options{OCREnabled: false}, ocr)
	engine.readPDF = fakePDF("", "Only page two has text.")

	res, err := engine.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Nil(t, ocr.asked)
	assert.Equal(t, model.EnginePDF, res.Artifact.Meta.Engine)
	assert.Equal(t, []model.PageSpan{{Page: 1, Start: 0, End: 1}, {Page: 2, Start: 1, End: len(res.Text)}}, res.Artifact.PageMap)
	require.Len(t, res.Artifact.Sentences, 1)
	assert.Equal(t, 2, res.Artifact.Sentences[0].Page)
}

func TestExtractOCRUnavailable(t *testing.T) {
	path := writeRaw(t, t.TempDir(), "scan.pdf", "%PDF-fake")

	t.Run("no backend", func(t *testing.T) {
		engine := New(Options{OCREnabled: true}, nil)
		engine.readPDF = fakePDF("", "")
		_, err := engine.Extract(context.Background(), path)
		xerr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeOCRUnavailable, xerr.Code)
	})

	t.Run("missing binaries", func(t *testing.T) {
		ocr := &fakeOCR{err: errors.Join(ErrOCRUnavailable, errors.New("tesseract not in PATH"))}
		engine := New(Options{OCREnabled: true}, ocr)
		engine.readPDF = fakePDF("")
		_, err := engine.Extract(context.Background(), path)
		xerr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeOCRUnavailable, xerr.Code)
	})

	t.Run("failure with partial text is tolerated", func(t *testing.T) {
		ocr := &fakeOCR{err: errors.New("engine crashed")}
		engine := New(Options{OCREnabled: true}, ocr)
		engine.readPDF = fakePDF("Some text.", "")
		res, err := engine.Extract(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, model.EnginePDF, res.Artifact.Meta.Engine)
	})

	t.Run("failure without text", func(t *testing.T) {
		ocr := &fakeOCR{err: errors.New("engine crashed")}
		engine := New(Options{OCREnabled: true}, ocr)
		engine.readPDF = fakePDF("")
		_, err := engine.Extract(context.Background(), path)
		xerr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeOCRFailed, xerr.Code)
	})
}

func TestExtractCancelled(t *testing.T) {
	path := writeRaw(t, t.TempDir(), "doc.pdf", "%PDF-fake")
	engine := New(Options{}, nil)
	engine.readPDF = fakePDF("Text.")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := engine.Extract(ctx, path)
	xerr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeCancelled, xerr.Code)
	assert.Equal(t, CodeCancelled, res.Artifact.Error.Code)
}

func TestTesseractUnavailable(t *testing.T) {
	ocr := &Tesseract{PdftoppmBin: "definitely-not-a-real-binary-xyz", TesseractBin: "tesseract"}
	_, err := ocr.Recognize(context.Background(), "x.pdf", []int{1}, 300, "eng")
	assert.ErrorIs(t, err, ErrOCRUnavailable)
}
