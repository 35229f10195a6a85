// Package rulepack loads and validates declarative detector rulepacks and
// weak-language lexicons.
//
// A rulepack is a YAML document with a meta block, a shared lexicon of named
// term lists and an ordered list of detectors. Term lists may reference shared
// lists as "@name"; references are materialized at load time so detection never
// looks anything up. Loaded packs are immutable and safe for concurrent reads.
package rulepack

import (
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Detector types
const (
	TypeAnchor  = "anchor"
	TypeRegex   = "regex"
	TypeLexicon = "lexicon"
)

// TermList is a list of terms or "@ref" entries. In YAML it may be written as
// a sequence or as a single scalar.
type TermList []string

// UnmarshalYAML accepts both `any: "@hedges"` and `any: [may, might]`.
func (t *TermList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = TermList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*t = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a term or list of terms", node.Line)
	}
}

// WeakNearby names the hedge terms checked around an anchor
type WeakNearby struct {
	Any TermList `yaml:"any"`
	All TermList `yaml:"all"`
}

// Meta is the rulepack header
type Meta struct {
	PackID                  string   `yaml:"pack_id" json:"pack_id"`
	Version                 string   `yaml:"version" json:"version"`
	Description             string   `yaml:"description,omitempty" json:"description,omitempty"`
	EvidenceWindowSentences int      `yaml:"evidence_window_sentences" json:"evidence_window_sentences"`
	Verdicts                []string `yaml:"verdicts" json:"verdicts"`
	Tokenizer               string   `yaml:"tokenizer" json:"tokenizer"`
	ExpectedDetectors       []string `yaml:"expected_detectors,omitempty" json:"expected_detectors,omitempty"`
}

// DetectorSpec is a detector as written in the document, before reference
// resolution. The anchors_any/weak_nearby shape and the type=lexicon + terms
// shape are alternative forms of the same detector.
type DetectorSpec struct {
	ID             string      `yaml:"id"`
	RuleID         string      `yaml:"rule_id"`
	Type           string      `yaml:"type"`
	Description    string      `yaml:"description"`
	Optional       bool        `yaml:"optional"`
	CaseSensitive  bool        `yaml:"case_sensitive"`
	AnchorsAny     TermList    `yaml:"anchors_any"`
	AnchorsAll     TermList    `yaml:"anchors_all"`
	AllowCarveouts TermList    `yaml:"allow_carveouts"`
	RedflagsAny    TermList    `yaml:"redflags_any"`
	FlowdownAny    TermList    `yaml:"flowdown_any"`
	CopiesAny      TermList    `yaml:"copies_any"`
	AuditsAny      TermList    `yaml:"audits_any"`
	CounterAnchors TermList    `yaml:"counter_anchors"`
	Terms          TermList    `yaml:"terms"`
	WeakNearby     *WeakNearby `yaml:"weak_nearby"`

	Pattern         string   `yaml:"pattern"`
	CaseInsensitive *bool    `yaml:"case_insensitive"`
	Multiline       *bool    `yaml:"multiline"`
	Flags           []string `yaml:"flags"`
}

// Document is the on-disk rulepack shape
type Document struct {
	Meta          Meta                `yaml:"meta"`
	SharedLexicon map[string]TermList `yaml:"shared_lexicon"`
	Detectors     []DetectorSpec      `yaml:"detectors"`
}

// Detector is a validated detector with every term list materialized. Terms
// are normalized (lowercased unless CaseSensitive, whitespace collapsed).
type Detector struct {
	ID             string   `json:"id"`
	RuleID         string   `json:"rule_id"`
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	Optional       bool     `json:"optional,omitempty"`
	CaseSensitive  bool     `json:"case_sensitive,omitempty"`
	AnchorsAny     []string `json:"anchors_any,omitempty"`
	AnchorsAll     []string `json:"anchors_all,omitempty"`
	Carveouts      []string `json:"allow_carveouts,omitempty"`
	Redflags       []string `json:"redflags_any,omitempty"`
	Flowdown       []string `json:"flowdown_any,omitempty"`
	Copies         []string `json:"copies_any,omitempty"`
	Audits         []string `json:"audits_any,omitempty"`
	CounterAnchors []string `json:"counter_anchors,omitempty"`
	WeakAny        []string `json:"weak_any,omitempty"`
	WeakAll        []string `json:"weak_all,omitempty"`

	Pattern string         `json:"pattern,omitempty"`
	Regex   *regexp.Regexp `json:"-"`
}

// HasWeakNearby reports whether the detector declares hedge terms
func (d *Detector) HasWeakNearby() bool {
	return len(d.WeakAny) > 0 || len(d.WeakAll) > 0
}

// Mandatory reports whether an unmatched detector yields a missing finding
func (d *Detector) Mandatory() bool {
	return !d.Optional
}

// Rulepack is an immutable, validated rulepack
type Rulepack struct {
	Meta          Meta                `json:"meta"`
	SharedLexicon map[string][]string `json:"shared_lexicon"`
	Detectors     []Detector          `json:"detectors"`
	Path          string              `json:"path"`
	Checksum      string              `json:"checksum_sha256"`
	Warnings      []string            `json:"warnings,omitempty"`
	LoadedAt      time.Time           `json:"loaded_at"`
}

// Detector returns the detector with id
func (p *Rulepack) Detector(id string) (*Detector, bool) {
	for i := range p.Detectors {
		if p.Detectors[i].ID == id {
			return &p.Detectors[i], true
		}
	}
	return nil, false
}

// ExpectedDetectors returns the detector ids coverage is measured against:
// meta.expected_detectors when declared, else every mandatory detector.
func (p *Rulepack) ExpectedDetectors() []string {
	if len(p.Meta.ExpectedDetectors) > 0 {
		return append([]string(nil), p.Meta.ExpectedDetectors...)
	}
	ids := make([]string, 0, len(p.Detectors))
	for _, d := range p.Detectors {
		if d.Mandatory() {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Info is the metadata view listed on the admin surface
type Info struct {
	PackID        string    `json:"pack_id"`
	Version       string    `json:"version"`
	Path          string    `json:"path"`
	Checksum      string    `json:"checksum_sha256"`
	DetectorCount int       `json:"detector_count"`
	LoadedAt      time.Time `json:"loaded_at"`
	Active        bool      `json:"active"`
}

// Info summarizes the pack
func (p *Rulepack) Info() Info {
	return Info{
		PackID:        p.Meta.PackID,
		Version:       p.Meta.Version,
		Path:          p.Path,
		Checksum:      p.Checksum,
		DetectorCount: len(p.Detectors),
		LoadedAt:      p.LoadedAt,
	}
}
