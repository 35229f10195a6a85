package model

// Verdict is the four-valued outcome of a detector
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictWeak        Verdict = "weak"
	VerdictMissing     Verdict = "missing"
	VerdictNeedsReview Verdict = "needs_review"
)

// Valid reports whether v is one of the four verdicts
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictWeak, VerdictMissing, VerdictNeedsReview:
		return true
	}
	return false
}

// FindingStatus tracks whether a finding may still be refined
type FindingStatus string

const (
	StatusFinal   FindingStatus = "final"
	StatusPending FindingStatus = "pending"
)

// Reasons attached to rewritten findings
const (
	ReasonTokenCap      = "token_cap"
	ReasonDetectorError = "detector_error"
	ReasonReviewTimeout = "review_timeout"
)

// Finding is one result row produced by a detector
type Finding struct {
	DetectorID           string        `json:"detector_id"`
	RuleID               string        `json:"rule_id"`
	Verdict              Verdict       `json:"verdict"`
	Confidence           float64       `json:"confidence"`
	Snippet              string        `json:"snippet"`
	Page                 int           `json:"page"`
	Start                int           `json:"start"`
	End                  int           `json:"end"`
	Rationale            string        `json:"rationale"`
	WeakLanguageDetected bool          `json:"weak_language_detected"`
	LexiconVersion       string        `json:"lexicon_version,omitempty"`
	Status               FindingStatus `json:"status,omitempty"`
	Reason               string        `json:"reason,omitempty"`
}

// Pending reports whether the finding is still open for refinement.
// An empty status counts as pending.
func (f Finding) Pending() bool {
	return f.Status == "" || f.Status == StatusPending
}
