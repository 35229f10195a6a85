package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/atomicfile"
)

// Compliance modes
const (
	ComplianceStandard = "standard"
	ComplianceStrict   = "strict"
)

// LLM providers accepted in settings
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

// Settings are the organisation-level knobs a tenant may change at runtime
type Settings struct {
	LLMProvider    string    `json:"llm_provider"`
	OCREnabled     bool      `json:"ocr_enabled"`
	RetentionDays  int       `json:"retention_days"`
	ComplianceMode string    `json:"compliance_mode"`
	EvidenceWindow int       `json:"evidence_window"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Validate reports the first invalid field as an invalid_request error
func (s Settings) Validate() error {
	switch s.LLMProvider {
	case ProviderNone, ProviderOpenAI:
	default:
		return apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("llm_provider must be %q or %q", ProviderNone, ProviderOpenAI))
	}
	switch s.ComplianceMode {
	case ComplianceStandard, ComplianceStrict:
	default:
		return apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("compliance_mode must be %q or %q", ComplianceStandard, ComplianceStrict))
	}
	if s.RetentionDays < 0 {
		return apperr.New(apperr.CodeInvalidRequest, "retention_days must be >= 0")
	}
	if s.EvidenceWindow < 0 || s.EvidenceWindow > 10 {
		return apperr.New(apperr.CodeInvalidRequest, "evidence_window must be between 0 and 10")
	}
	return nil
}

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// SettingsStore persists one JSON document per tenant
type SettingsStore struct {
	dir      string
	defaults Settings
	mu       sync.RWMutex
	cache    map[string]Settings
}

// NewSettingsStore creates a store under dir. defaults are returned for
// tenants that never saved settings.
func NewSettingsStore(dir string, defaults Settings) *SettingsStore {
	if defaults.LLMProvider == "" {
		defaults.LLMProvider = ProviderNone
	}
	if defaults.ComplianceMode == "" {
		defaults.ComplianceMode = ComplianceStandard
	}
	return &SettingsStore{dir: dir, defaults: defaults, cache: make(map[string]Settings)}
}

func (s *SettingsStore) path(tenant string) (string, error) {
	if !tenantPattern.MatchString(tenant) || tenant == "." || tenant == ".." {
		return "", apperr.New(apperr.CodeInvalidRequest, "invalid tenant")
	}
	return filepath.Join(s.dir, tenant+".json"), nil
}

// Get returns the tenant's settings, or the defaults
func (s *SettingsStore) Get(tenant string) (Settings, error) {
	s.mu.RLock()
	if v, ok := s.cache[tenant]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	path, err := s.path(tenant)
	if err != nil {
		return Settings{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s.defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	v := s.defaults
	if err := json.Unmarshal(data, &v); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	s.mu.Lock()
	s.cache[tenant] = v
	s.mu.Unlock()
	return v, nil
}

// Put validates and stores the tenant's settings
func (s *SettingsStore) Put(tenant string, v Settings) (Settings, error) {
	v.LLMProvider = strings.ToLower(strings.TrimSpace(v.LLMProvider))
	v.ComplianceMode = strings.ToLower(strings.TrimSpace(v.ComplianceMode))
	if err := v.Validate(); err != nil {
		return Settings{}, err
	}
	path, err := s.path(tenant)
	if err != nil {
		return Settings{}, err
	}
	v.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicfile.WriteJSON(path, v); err != nil {
		return Settings{}, fmt.Errorf("write settings: %w", err)
	}
	s.cache[tenant] = v
	return v, nil
}

// Tenants lists tenants with stored settings, sorted
func (s *SettingsStore) Tenants() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}
