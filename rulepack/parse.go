package rulepack

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/pkg/textmatch"
	"gopkg.in/yaml.v3"
)

// Validation failure codes
const (
	CodeInvalidPack   = "invalid_pack"
	CodeUnresolvedRef = "unresolved_ref"
	CodeBadRegex      = "bad_regex"
)

// ValidationError describes why a rulepack was rejected
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}

// IsValidationError reports whether err is a ValidationError with code
func IsValidationError(err error, code string) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && (code == "" || ve.Code == code)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: CodeInvalidPack, Field: field, Message: fmt.Sprintf(format, args...)}
}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

const maxEvidenceWindow = 10

// LoadFile reads and validates the rulepack at path
func LoadFile(path string) (*Rulepack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidPack, Message: fmt.Sprintf("read %s: %v", path, err)}
	}
	pack, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		pack.Path = abs
	} else {
		pack.Path = path
	}
	return pack, nil
}

// Parse decodes and validates a rulepack document. Unknown keys are rejected.
func Parse(data []byte) (*Rulepack, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalid("", "empty document")
		}
		return nil, invalid("", "decode: %v", err)
	}

	pack, err := compile(&doc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	pack.Checksum = hex.EncodeToString(sum[:])
	return pack, nil
}

func compile(doc *Document) (*Rulepack, error) {
	meta, err := validateMeta(doc.Meta)
	if err != nil {
		return nil, err
	}

	shared, err := resolveShared(doc.SharedLexicon)
	if err != nil {
		return nil, err
	}

	pack := &Rulepack{
		Meta:          meta,
		SharedLexicon: shared,
		Detectors:     make([]Detector, 0, len(doc.Detectors)),
	}

	if len(doc.Detectors) == 0 {
		return nil, invalid("detectors", "at least one detector is required")
	}

	seen := make(map[string]bool, len(doc.Detectors))
	for i, spec := range doc.Detectors {
		field := fmt.Sprintf("detectors[%d]", i)
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, invalid(field+".id", "detector id is required")
		}
		if seen[id] {
			return nil, invalid(field+".id", "duplicate detector id %q", id)
		}
		seen[id] = true

		det, warnings, err := compileDetector(field, id, spec, shared)
		if err != nil {
			return nil, err
		}
		pack.Warnings = append(pack.Warnings, warnings...)
		pack.Detectors = append(pack.Detectors, det)
	}

	for i, id := range meta.ExpectedDetectors {
		if !seen[id] {
			return nil, invalid(fmt.Sprintf("meta.expected_detectors[%d]", i), "unknown detector %q", id)
		}
	}

	return pack, nil
}

func validateMeta(m Meta) (Meta, error) {
	m.PackID = strings.TrimSpace(m.PackID)
	if m.PackID == "" {
		return m, invalid("meta.pack_id", "pack_id is required")
	}
	if !semverPattern.MatchString(m.Version) {
		return m, invalid("meta.version", "version %q is not MAJOR.MINOR.PATCH", m.Version)
	}

	if m.EvidenceWindowSentences == 0 {
		m.EvidenceWindowSentences = 2
	}
	if m.EvidenceWindowSentences < 1 || m.EvidenceWindowSentences > maxEvidenceWindow {
		return m, invalid("meta.evidence_window_sentences", "must be between 1 and %d", maxEvidenceWindow)
	}

	if len(m.Verdicts) == 0 {
		m.Verdicts = []string{
			string(model.VerdictPass), string(model.VerdictWeak),
			string(model.VerdictMissing), string(model.VerdictNeedsReview),
		}
	}
	for i, v := range m.Verdicts {
		if !model.Verdict(v).Valid() {
			return m, invalid(fmt.Sprintf("meta.verdicts[%d]", i), "unknown verdict %q", v)
		}
	}

	if m.Tokenizer == "" {
		m.Tokenizer = "sentence"
	}
	if m.Tokenizer != "sentence" {
		return m, invalid("meta.tokenizer", "unsupported tokenizer %q", m.Tokenizer)
	}
	return m, nil
}

// resolveShared materializes the shared lexicon. Shared lists may reference
// each other; cycles are rejected.
func resolveShared(raw map[string]TermList) (map[string][]string, error) {
	resolved := make(map[string][]string, len(raw))
	visiting := make(map[string]bool)

	var resolve func(name string) ([]string, error)
	resolve = func(name string) ([]string, error) {
		if terms, ok := resolved[name]; ok {
			return terms, nil
		}
		list, ok := raw[name]
		if !ok {
			return nil, &ValidationError{Code: CodeUnresolvedRef, Field: "shared_lexicon", Message: fmt.Sprintf("unknown reference @%s", name)}
		}
		if visiting[name] {
			return nil, invalid("shared_lexicon."+name, "cyclic reference")
		}
		visiting[name] = true
		defer delete(visiting, name)

		var out []string
		for i, entry := range list {
			entry = strings.TrimSpace(entry)
			field := fmt.Sprintf("shared_lexicon.%s[%d]", name, i)
			if entry == "" {
				return nil, invalid(field, "empty pattern")
			}
			if ref, ok := strings.CutPrefix(entry, "@"); ok {
				terms, err := resolve(ref)
				if err != nil {
					return nil, err
				}
				out = append(out, terms...)
				continue
			}
			out = append(out, entry)
		}
		resolved[name] = out
		return out, nil
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, invalid("shared_lexicon", "empty list name")
		}
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// materialize expands @refs, rejects blank entries, normalizes and dedupes
func materialize(field string, list TermList, shared map[string][]string, caseSensitive bool) ([]string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(term string) {
		n := textmatch.Normalize(term, caseSensitive)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for i, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, invalid(fmt.Sprintf("%s[%d]", field, i), "empty pattern")
		}
		if ref, ok := strings.CutPrefix(entry, "@"); ok {
			terms, found := shared[ref]
			if !found {
				return nil, &ValidationError{Code: CodeUnresolvedRef, Field: fmt.Sprintf("%s[%d]", field, i), Message: fmt.Sprintf("unknown reference @%s", ref)}
			}
			for _, t := range terms {
				add(t)
			}
			continue
		}
		add(entry)
	}
	return out, nil
}

type termField struct {
	name string
	src  TermList
	dst  *[]string
}

func compileDetector(field, id string, spec DetectorSpec, shared map[string][]string) (Detector, []string, error) {
	det := Detector{
		ID:            id,
		RuleID:        strings.TrimSpace(spec.RuleID),
		Type:          strings.ToLower(strings.TrimSpace(spec.Type)),
		Description:   spec.Description,
		Optional:      spec.Optional,
		CaseSensitive: spec.CaseSensitive,
	}
	if det.RuleID == "" {
		det.RuleID = id
	}
	if det.Type == "" {
		if spec.Pattern != "" {
			det.Type = TypeRegex
		} else {
			det.Type = TypeAnchor
		}
	}

	var warnings []string
	lists := []termField{
		{"anchors_any", spec.AnchorsAny, &det.AnchorsAny},
		{"anchors_all", spec.AnchorsAll, &det.AnchorsAll},
		{"allow_carveouts", spec.AllowCarveouts, &det.Carveouts},
		{"redflags_any", spec.RedflagsAny, &det.Redflags},
		{"flowdown_any", spec.FlowdownAny, &det.Flowdown},
		{"copies_any", spec.CopiesAny, &det.Copies},
		{"audits_any", spec.AuditsAny, &det.Audits},
		{"counter_anchors", spec.CounterAnchors, &det.CounterAnchors},
	}
	if spec.WeakNearby != nil {
		lists = append(lists,
			termField{"weak_nearby.any", spec.WeakNearby.Any, &det.WeakAny},
			termField{"weak_nearby.all", spec.WeakNearby.All, &det.WeakAll},
		)
	}
	for _, l := range lists {
		terms, err := materialize(field+"."+l.name, l.src, shared, det.CaseSensitive)
		if err != nil {
			return det, nil, err
		}
		*l.dst = terms
	}

	terms, err := materialize(field+".terms", spec.Terms, shared, det.CaseSensitive)
	if err != nil {
		return det, nil, err
	}

	switch det.Type {
	case TypeAnchor:
		if len(terms) > 0 {
			return det, nil, invalid(field+".terms", "terms requires type lexicon")
		}
	case TypeLexicon:
		if len(terms) == 0 && len(det.AnchorsAny) == 0 {
			return det, nil, invalid(field+".terms", "lexicon detector needs terms")
		}
		if len(det.AnchorsAny) > 0 && len(terms) > 0 {
			warnings = append(warnings, fmt.Sprintf("detector %s: anchors_any overrides terms", id))
		} else if len(det.AnchorsAny) == 0 {
			det.AnchorsAny = terms
		}
	case TypeRegex:
		re, err := compileRegex(field, spec)
		if err != nil {
			return det, nil, err
		}
		det.Pattern = spec.Pattern
		det.Regex = re
	default:
		return det, nil, invalid(field+".type", "unknown detector type %q", spec.Type)
	}

	if det.Type != TypeRegex && spec.Pattern != "" {
		return det, nil, invalid(field+".pattern", "pattern requires type regex")
	}
	if det.Type != TypeRegex && len(det.AnchorsAny) == 0 && len(det.AnchorsAll) == 0 && len(det.Redflags) == 0 {
		return det, nil, invalid(field, "detector %s has no anchors, red flags or pattern", id)
	}
	return det, warnings, nil
}

func compileRegex(field string, spec DetectorSpec) (*regexp.Regexp, error) {
	if strings.TrimSpace(spec.Pattern) == "" {
		return nil, invalid(field+".pattern", "regex detector needs a pattern")
	}

	flags := map[string]bool{"i": true}
	if spec.CaseInsensitive != nil {
		flags["i"] = *spec.CaseInsensitive
	}
	if spec.Multiline != nil {
		flags["m"] = *spec.Multiline
	}
	for i, f := range spec.Flags {
		switch f {
		case "i", "m", "s":
			flags[f] = true
		default:
			return nil, &ValidationError{Code: CodeBadRegex, Field: fmt.Sprintf("%s.flags[%d]", field, i), Message: fmt.Sprintf("unsupported flag %q", f)}
		}
	}

	prefix := ""
	for _, f := range []string{"i", "m", "s"} {
		if flags[f] {
			prefix += f
		}
	}
	expr := spec.Pattern
	if prefix != "" {
		expr = "(?" + prefix + ")" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &ValidationError{Code: CodeBadRegex, Field: field + ".pattern", Message: err.Error()}
	}
	return re, nil
}
