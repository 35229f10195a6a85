package model

import (
	"time"
)

// State is a position in the per-analysis lifecycle
type State string

// Analysis lifecycle states, in chain order
const (
	StateReceived   State = "received"
	StateQueued     State = "queued"
	StateExtracting State = "extracting"
	StateExtracted  State = "extracted"
	StateSegmented  State = "segmented"
	StateDetecting  State = "detecting"
	StateReporting  State = "reporting"
	StateReported   State = "reported"
	StateDone       State = "done"
	StateError      State = "error"
)

var stateRank = map[State]int{
	StateReceived:   0,
	StateQueued:     1,
	StateExtracting: 2,
	StateExtracted:  3,
	StateSegmented:  4,
	StateDetecting:  5,
	StateReporting:  6,
	StateReported:   7,
	StateDone:       8,
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok || s == StateError
}

// Terminal reports whether no further transition may leave s
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// CanTransition reports whether moving from s to next follows the lifecycle
// chain. Forward moves may skip intermediate states; ERROR is reachable from
// any non-terminal state.
func (s State) CanTransition(next State) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StateError {
		return true
	}
	return stateRank[next] > stateRank[s]
}

// Transition is one entry of an analysis history
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"ts"`
}

// Analysis is the unit of work: one uploaded contract and its artifacts
type Analysis struct {
	ID          string       `json:"id"`
	Tenant      string       `json:"tenant"`
	Filename    string       `json:"filename"`
	SizeBytes   int64        `json:"size_bytes"`
	Mime        string       `json:"mime"`
	State       State        `json:"state"`
	ErrorReason string       `json:"error_reason,omitempty"`
	Checksum    string       `json:"checksum_sha256,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	History     []Transition `json:"history"`
}

// JobRecord is the orchestrator view of a queued or running analysis
type JobRecord struct {
	ID          string     `json:"id"`
	AnalysisID  string     `json:"analysis_id"`
	Tenant      string     `json:"-"`
	Status      State      `json:"status"`
	ErrorReason string     `json:"error_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Summary is the read view returned for a single analysis
type Summary struct {
	Analysis
	Coverage *Coverage       `json:"coverage,omitempty"`
	Tokens   *TokenUsage     `json:"tokens,omitempty"`
	Counts   map[Verdict]int `json:"verdict_counts,omitempty"`
}
