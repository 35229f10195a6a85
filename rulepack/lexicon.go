package rulepack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AnTengye/contractguard/pkg/textmatch"
	"gopkg.in/yaml.v3"
)

// DefaultLexiconVersion marks the empty lexicon returned when no file matches
const DefaultLexiconVersion = "0.0.0"

// WeakLexicon is a language-scoped list of hedge terms and counter-anchors
type WeakLexicon struct {
	Version       string   `yaml:"version" json:"version"`
	Language      string   `yaml:"language" json:"language"`
	Hedging       []string `yaml:"hedging" json:"hedging"`
	Discretionary []string `yaml:"discretionary" json:"discretionary"`
	Vague         []string `yaml:"vague" json:"vague"`
	Strengtheners []string `yaml:"strengtheners" json:"strengtheners"`
	Path          string   `yaml:"-" json:"path,omitempty"`

	weak    []string
	strong  []string
	indexed bool
}

// DefaultLexicon returns the empty lexicon for language
func DefaultLexicon(language string) *WeakLexicon {
	lex := &WeakLexicon{Version: DefaultLexiconVersion, Language: language}
	lex.index()
	return lex
}

func (l *WeakLexicon) index() {
	l.weak = normalizeTerms(l.Hedging, l.Discretionary, l.Vague)
	l.strong = normalizeTerms(l.Strengtheners)
	l.indexed = true
}

// WeakTerms returns hedging ∪ discretionary ∪ vague, normalized and deduped
func (l *WeakLexicon) WeakTerms() []string {
	if !l.indexed {
		l.index()
	}
	return l.weak
}

// StrengthenerTerms returns the normalized counter-anchors
func (l *WeakLexicon) StrengthenerTerms() []string {
	if !l.indexed {
		l.index()
	}
	return l.strong
}

// Empty reports whether the lexicon has no weak terms
func (l *WeakLexicon) Empty() bool {
	return len(l.WeakTerms()) == 0
}

func normalizeTerms(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, t := range list {
			n := textmatch.Normalize(t, false)
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// lexiconCandidates lists the file names checked for language, in order
func lexiconCandidates(dir, language string) []string {
	lang := strings.ToLower(strings.TrimSpace(language))
	var out []string
	for _, name := range []string{"weak_" + lang, lang} {
		for _, ext := range []string{".yaml", ".yml"} {
			out = append(out, filepath.Join(dir, name+ext))
		}
	}
	return out
}

// LoadLexiconFile parses one lexicon document
func LoadLexiconFile(path string) (*WeakLexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var lex WeakLexicon
	if err := dec.Decode(&lex); err != nil && !errors.Is(err, io.EOF) {
		return nil, invalid(filepath.Base(path), "decode lexicon: %v", err)
	}
	if lex.Version == "" {
		return nil, invalid(filepath.Base(path)+".version", "lexicon version is required")
	}
	for name, list := range map[string][]string{
		"hedging": lex.Hedging, "discretionary": lex.Discretionary,
		"vague": lex.Vague, "strengtheners": lex.Strengtheners,
	} {
		for i, t := range list {
			if strings.TrimSpace(t) == "" {
				return nil, invalid(fmt.Sprintf("%s.%s[%d]", filepath.Base(path), name, i), "empty pattern")
			}
		}
	}
	lex.Path = path
	lex.index()
	return &lex, nil
}

// FindLexicon loads the lexicon for language from dir. A missing file is not
// an error: the empty default lexicon is returned with found=false.
func FindLexicon(dir, language string) (lex *WeakLexicon, found bool, err error) {
	if dir == "" {
		return DefaultLexicon(language), false, nil
	}
	for _, path := range lexiconCandidates(dir, language) {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		lex, err := LoadLexiconFile(path)
		if err != nil {
			return nil, false, err
		}
		if lex.Language == "" {
			lex.Language = language
		}
		return lex, true, nil
	}
	return DefaultLexicon(language), false, nil
}
