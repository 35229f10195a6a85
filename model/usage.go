package model

import "time"

// TokenUsage is the per-analysis token ledger snapshot persisted to tokens.json
type TokenUsage struct {
	AnalysisID    string    `json:"analysis_id"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	TotalTokens   int       `json:"total_tokens"`
	EstimatedCost float64   `json:"estimated_cost"`
	Calls         int       `json:"calls"`
	FailedCalls   int       `json:"failed_calls"`
	CapLimit      int       `json:"cap_limit"`
	CapExceeded   bool      `json:"cap_exceeded"`
	CapReason     string    `json:"cap_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Coverage statuses
const (
	CoverageComplete   = "complete"
	CoverageIncomplete = "incomplete"
	CoverageUnknown    = "unknown"
)

// Coverage maps realized findings onto the expected detector set
type Coverage struct {
	Present          int      `json:"present"`
	Total            int      `json:"total"`
	Percentage       float64  `json:"percentage"`
	Status           string   `json:"status"`
	MissingDetectors []string `json:"missing_detectors"`
}
