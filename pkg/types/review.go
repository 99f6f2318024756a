package types

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ReviewRecord is created when a run parks for human review and completed exactly once.
type ReviewRecord struct {
	RunID              string   `json:"run_id"`
	Team               string   `json:"team"`
	Priority           Priority `json:"priority"`
	Reason             string   `json:"reason"`
	ProvisionalOutcome Outcome  `json:"provisional_outcome"`
	SubmittedAt        string   `json:"submitted_at"`
	Deadline           string   `json:"deadline"`
	Reviewer           string   `json:"reviewer,omitempty"`
	FinalOutcome       Outcome  `json:"final_outcome,omitempty"`
	ApprovedPremium    *float64 `json:"approved_premium,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	CompletedAt        string   `json:"completed_at,omitempty"`
}

func (r ReviewRecord) Completed() bool {
	return r.CompletedAt != ""
}

// ReviewCompletion carries the single mutation applied by an approval.
type ReviewCompletion struct {
	Reviewer        string
	FinalOutcome    Outcome
	ApprovedPremium *float64
	Notes           string
	CompletedAt     string
}
