// Package storage owns the per-analysis artifact directory
// <root>/analyses/<id>/.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/atomicfile"
)

// Artifact file names
const (
	AnalysisFile   = "analysis.json"
	SourceFile     = "source"
	TextFile       = "extracted.txt"
	ExtractionFile = "extraction.json"
	SentencesFile  = "sentences.json"
	FindingsFile   = "findings.json"
	TokensFile     = "tokens.json"
	CoverageFile   = "coverage.json"
	ReportFile     = "report.html"
)

var (
	// ErrNotFound is returned for unknown analyses or absent artifacts
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Create when the directory already exists
	ErrExists = errors.New("analysis already exists")
	// ErrInvalidID rejects ids that could escape the root
	ErrInvalidID = errors.New("invalid analysis id")
)

// Store reads and writes analysis artifacts. Every write is an atomic
// whole-file replace.
type Store struct {
	root string
}

// New creates the analyses directory under root
func New(root string) (*Store, error) {
	dir := filepath.Join(root, "analyses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the analyses directory
func (s *Store) Root() string { return s.root }

// Dir returns the directory of analysis id
func (s *Store) Dir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", ErrInvalidID
	}
	return filepath.Join(s.root, id), nil
}

func (s *Store) path(id, name string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Create makes the directory for a and writes analysis.json
func (s *Store) Create(a *model.Analysis) error {
	dir, err := s.Dir(a.ID)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("create analysis dir: %w", err)
	}
	return s.SaveAnalysis(a)
}

// Exists reports whether the analysis directory exists
func (s *Store) Exists(id string) bool {
	dir, err := s.Dir(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// SaveSource stores the uploaded bytes as source<ext> and returns the path,
// size and SHA-256.
func (s *Store) SaveSource(id, filename string, r io.Reader) (string, int64, string, error) {
	path, err := s.path(id, SourceFile+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return "", 0, "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp source: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, "", fmt.Errorf("write source: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, "", fmt.Errorf("commit source: %w", err)
	}
	return path, n, hex.EncodeToString(h.Sum(nil)), nil
}

// SourcePath returns the stored source file of id
func (s *Store) SourcePath(id string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(dir, SourceFile+".*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	return matches[0], nil
}

// SaveAnalysis replaces analysis.json
func (s *Store) SaveAnalysis(a *model.Analysis) error {
	return s.writeJSON(a.ID, AnalysisFile, a)
}

// LoadAnalysis reads analysis.json
func (s *Store) LoadAnalysis(id string) (*model.Analysis, error) {
	var a model.Analysis
	if err := s.readJSON(id, AnalysisFile, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveExtraction writes extracted.txt, extraction.json and sentences.json
func (s *Store) SaveExtraction(id, text string, art *model.ExtractionArtifact) error {
	path, err := s.path(id, TextFile)
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(path, []byte(text)); err != nil {
		return err
	}
	sentences := art.Sentences
	if sentences == nil {
		sentences = []model.Sentence{}
	}
	if err := s.writeJSON(id, SentencesFile, sentences); err != nil {
		return err
	}
	return s.writeJSON(id, ExtractionFile, art)
}

// LoadExtraction returns the artifact and the full text
func (s *Store) LoadExtraction(id string) (*model.ExtractionArtifact, string, error) {
	var art model.ExtractionArtifact
	if err := s.readJSON(id, ExtractionFile, &art); err != nil {
		return nil, "", err
	}
	text, err := s.readFile(id, TextFile)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}
	return &art, string(text), nil
}

// SaveFindings replaces findings.json
func (s *Store) SaveFindings(id string, findings []model.Finding) error {
	if findings == nil {
		findings = []model.Finding{}
	}
	return s.writeJSON(id, FindingsFile, findings)
}

// LoadFindings reads findings.json
func (s *Store) LoadFindings(id string) ([]model.Finding, error) {
	var findings []model.Finding
	if err := s.readJSON(id, FindingsFile, &findings); err != nil {
		return nil, err
	}
	return findings, nil
}

// SaveUsage replaces tokens.json
func (s *Store) SaveUsage(id string, usage *model.TokenUsage) error {
	return s.writeJSON(id, TokensFile, usage)
}

// LoadUsage reads tokens.json, returning ledger.ErrNoUsage when absent
func (s *Store) LoadUsage(id string) (*model.TokenUsage, error) {
	var u model.TokenUsage
	if err := s.readJSON(id, TokensFile, &u); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ledger.ErrNoUsage
		}
		return nil, err
	}
	return &u, nil
}

// SaveCoverage replaces coverage.json
func (s *Store) SaveCoverage(id string, cov *model.Coverage) error {
	return s.writeJSON(id, CoverageFile, cov)
}

// LoadCoverage reads coverage.json
func (s *Store) LoadCoverage(id string) (*model.Coverage, error) {
	var cov model.Coverage
	if err := s.readJSON(id, CoverageFile, &cov); err != nil {
		return nil, err
	}
	return &cov, nil
}

// SaveReport replaces report.html
func (s *Store) SaveReport(id string, html []byte) error {
	path, err := s.path(id, ReportFile)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, html)
}

// ReportPath returns the path of report.html if it exists
func (s *Store) ReportPath(id string) (string, error) {
	path, err := s.path(id, ReportFile)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

// List returns every analysis id in lexical order
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the analysis directory. It is the only destructive path and
// is driven by the retention policy.
func (s *Store) Delete(id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *Store) writeJSON(id, name string, v any) error {
	path, err := s.path(id, name)
	if err != nil {
		return err
	}
	return atomicfile.WriteJSON(path, v)
}

func (s *Store) readFile(id, name string) ([]byte, error) {
	path, err := s.path(id, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *Store) readJSON(id, name string, v any) error {
	data, err := s.readFile(id, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
