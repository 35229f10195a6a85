// Package extract turns PDF and DOCX sources into normalized text with a page
// map and a sentence index.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/logger"
)

// TextFile is the artifact name of the concatenated text
const TextFile = "extracted.txt"

// OCR recognizes text on selected 1-based pages of a PDF
type OCR interface {
	Name() string
	Recognize(ctx context.Context, sourcePath string, pages []int, dpi int, language string) (map[int]string, error)
}

// Options controls OCR fallback
type Options struct {
	OCREnabled bool
	DPI        int
	Language   string
}

// Result carries the full text next to its artifact
type Result struct {
	Text     string
	Artifact model.ExtractionArtifact
}

// Engine extracts text from contract sources
type Engine struct {
	opts     Options
	ocr      OCR
	readPDF  func(path string) ([]string, error)
	readDOCX func(path string) ([]string, error)
}

// New creates an engine. ocr may be nil when OCR is disabled.
func New(opts Options, ocr OCR) *Engine {
	if opts.DPI <= 0 {
		opts.DPI = 300
	}
	if opts.Language == "" {
		opts.Language = "eng"
	}
	return &Engine{opts: opts, ocr: ocr, readPDF: readPDFPages, readDOCX: readDOCXPages}
}

// Supported reports whether the file name has an extractable suffix
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".docx":
		return true
	}
	return false
}

// Extract reads sourcePath and builds the extraction artifact. On failure the
// returned result still carries the artifact with its error block populated,
// alongside an *Error.
func (e *Engine) Extract(ctx context.Context, sourcePath string) (*Result, error) {
	res := &Result{Artifact: model.ExtractionArtifact{
		TextPath: TextFile,
		Meta:     model.ExtractionMeta{Source: filepath.Base(sourcePath)},
	}}

	ext := strings.ToLower(filepath.Ext(sourcePath))
	if ext != ".pdf" && ext != ".docx" {
		return fail(res, newError(CodeUnsupportedType, nil, "unsupported file type %q", ext))
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return fail(res, newError(CodeOpenFailed, err, "read source: %v", err))
	}
	sum := sha256.Sum256(data)
	res.Artifact.Checksum = hex.EncodeToString(sum[:])

	var pages []string
	switch ext {
	case ".pdf":
		res.Artifact.Meta.Engine = model.EnginePDF
		pages, err = e.readPDF(sourcePath)
		if err != nil {
			return fail(res, newError(CodePDFOpenFailed, err, "%v", err))
		}
	case ".docx":
		res.Artifact.Meta.Engine = model.EngineDOCX
		pages, err = e.readDOCX(sourcePath)
		if err != nil {
			return fail(res, newError(CodeDOCXParseFailed, err, "%v", err))
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(res, contextError(err))
	}

	for i := range pages {
		pages[i] = normalizePage(pages[i])
	}

	if ext == ".pdf" && e.opts.OCREnabled {
		if xerr := e.applyOCR(ctx, sourcePath, pages, res); xerr != nil {
			return fail(res, xerr)
		}
	}

	res.Text, res.Artifact.PageMap = joinPages(pages)
	res.Artifact.Meta.PageCount = len(pages)
	res.Artifact.Sentences = Split(res.Text, res.Artifact.PageMap)

	logger.Info(ctx, "extraction complete",
		"engine", res.Artifact.Meta.Engine,
		"pages", len(pages),
		"sentences", len(res.Artifact.Sentences),
		"bytes", len(res.Text),
	)
	return res, nil
}

// applyOCR fills empty pages through the OCR backend. OCR failure is fatal
// only when no page carries embedded text.
func (e *Engine) applyOCR(ctx context.Context, sourcePath string, pages []string, res *Result) *Error {
	var empty []int
	for i, p := range pages {
		if p == "" {
			empty = append(empty, i+1)
		}
	}
	if len(empty) == 0 {
		return nil
	}
	fatal := len(empty) == len(pages)

	if e.ocr == nil {
		if fatal {
			return newError(CodeOCRUnavailable, ErrOCRUnavailable, "no OCR backend configured")
		}
		logger.Warn(ctx, "pages without text left empty, no OCR backend", "pages", empty)
		return nil
	}

	texts, err := e.ocr.Recognize(ctx, sourcePath, empty, e.opts.DPI, e.opts.Language)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contextError(ctxErr)
		}
		code := CodeOCRFailed
		if errors.Is(err, ErrOCRUnavailable) {
			code = CodeOCRUnavailable
		}
		if fatal {
			return newError(code, err, "%s: %v", e.ocr.Name(), err)
		}
		logger.Warn(ctx, "OCR failed, pages left empty", "backend", e.ocr.Name(), "pages", empty, "error", err)
		return nil
	}

	for _, page := range empty {
		text := normalizePage(texts[page])
		if text == "" {
			continue
		}
		pages[page-1] = text
		res.Artifact.Meta.OCRPages = append(res.Artifact.Meta.OCRPages, page)
	}
	if len(res.Artifact.Meta.OCRPages) > 0 {
		res.Artifact.Meta.Engine = model.EngineOCR
	}
	return nil
}

// joinPages concatenates pages with a newline separator that belongs to the
// preceding page, so the spans are contiguous.
func joinPages(pages []string) (string, []model.PageSpan) {
	if len(pages) == 0 {
		return "", []model.PageSpan{{Page: 1, Start: 0, End: 0}}
	}
	var b strings.Builder
	spans := make([]model.PageSpan, 0, len(pages))
	for i, p := range pages {
		start := b.Len()
		b.WriteString(p)
		if i < len(pages)-1 {
			b.WriteByte('\n')
		}
		spans = append(spans, model.PageSpan{Page: i + 1, Start: start, End: b.Len()})
	}
	return b.String(), spans
}

func normalizePage(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

func fail(res *Result, err *Error) (*Result, error) {
	res.Artifact.Error = err.Artifact()
	return res, err
}

func contextError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, err, "extraction deadline exceeded")
	}
	return newError(CodeCancelled, err, "extraction cancelled")
}
