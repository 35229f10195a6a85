// Package llm reviews pending findings with an external language model.
// Every call goes through the token ledger gate owned by the caller.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AnTengye/contractguard/model"
)

// ErrDisabled is returned by New when no provider is configured
var ErrDisabled = errors.New("llm provider disabled")

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Review asks the model to re-classify one finding from its evidence
	Review(ctx context.Context, req ReviewRequest) (*ReviewResponse, error)
}

// ReviewRequest is one pending finding sent for review
type ReviewRequest struct {
	DetectorID  string
	RuleID      string
	Description string
	Verdict     model.Verdict
	Evidence    string
	Rationale   string
	MaxTokens   int
}

// ReviewResponse is the model's classification and the tokens it used
type ReviewResponse struct {
	Verdict      model.Verdict
	Rationale    string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "none", ""
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// Timeout for API requests in seconds
	Timeout        int
	MaxTokens      int
	RequestsPerSec float64
}

// New builds the configured provider
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, ErrDisabled
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

const systemPrompt = `You review GDPR Article 28(3) data processing agreement clauses.
Classify whether the evidence satisfies the obligation described.
Answer with a JSON object {"verdict": "...", "rationale": "..."} where verdict is one of
"pass" (obligation clearly met), "weak" (met with hedged or discretionary language),
"missing" (not addressed) or "needs_review" (cannot decide from the evidence).
Only use the evidence given. Keep the rationale under 40 words.`

// BuildPrompt renders the user message for a review
func BuildPrompt(req ReviewRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Obligation: %s (%s)\n", req.DetectorID, req.RuleID)
	if req.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.Description)
	}
	fmt.Fprintf(&b, "Rule engine verdict: %s\n", req.Verdict)
	if req.Rationale != "" {
		fmt.Fprintf(&b, "Rule engine rationale: %s\n", req.Rationale)
	}
	evidence := strings.TrimSpace(req.Evidence)
	if evidence == "" {
		evidence = "(no matching text found in the contract)"
	}
	fmt.Fprintf(&b, "Evidence:\n\"\"\"\n%s\n\"\"\"\n", evidence)
	return b.String()
}

// ParseVerdict decodes a model answer. Anything that is not a known verdict
// maps to needs_review.
func ParseVerdict(content string) (model.Verdict, string) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out struct {
		Verdict   string `json:"verdict"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return model.VerdictNeedsReview, "unparseable model answer"
	}
	v := model.Verdict(strings.ToLower(strings.TrimSpace(out.Verdict)))
	if !v.Valid() {
		return model.VerdictNeedsReview, strings.TrimSpace(out.Rationale)
	}
	return v, strings.TrimSpace(out.Rationale)
}
