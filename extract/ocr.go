package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Tesseract rasterizes pages with pdftoppm and recognizes them with the
// tesseract CLI.
type Tesseract struct {
	PdftoppmBin  string
	TesseractBin string
	WorkDir      string
}

// NewTesseract returns a backend using binaries from PATH
func NewTesseract() *Tesseract {
	return &Tesseract{PdftoppmBin: "pdftoppm", TesseractBin: "tesseract"}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Recognize returns page number → recognized text
func (t *Tesseract) Recognize(ctx context.Context, sourcePath string, pages []int, dpi int, language string) (map[int]string, error) {
	raster, err := exec.LookPath(t.PdftoppmBin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOCRUnavailable, t.PdftoppmBin, err)
	}
	ocr, err := exec.LookPath(t.TesseractBin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOCRUnavailable, t.TesseractBin, err)
	}

	dir, err := os.MkdirTemp(t.WorkDir, "ocr-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	out := make(map[int]string, len(pages))
	for _, page := range pages {
		n := strconv.Itoa(page)
		prefix := filepath.Join(dir, "page-"+n)
		if err := run(ctx, raster, nil, "-f", n, "-l", n, "-r", strconv.Itoa(dpi), "-png", "-singlefile", sourcePath, prefix); err != nil {
			return nil, fmt.Errorf("rasterize page %d: %w", page, err)
		}
		var stdout bytes.Buffer
		if err := run(ctx, ocr, &stdout, prefix+".png", "stdout", "-l", language); err != nil {
			return nil, fmt.Errorf("recognize page %d: %w", page, err)
		}
		out[page] = stdout.String()
	}
	return out, nil
}

func run(ctx context.Context, bin string, stdout *bytes.Buffer, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
