package types

import (
	"encoding/json"
	"time"
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type RunStatus string

const (
	RunPending           RunStatus = "pending"
	RunRunning           RunStatus = "running"
	RunPausedMissingInfo RunStatus = "paused_missing_info"
	RunPausedReview      RunStatus = "paused_review"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
)

var RunStatuses = []RunStatus{RunPending, RunRunning, RunPausedMissingInfo, RunPausedReview, RunCompleted, RunFailed}

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

func (s RunStatus) Paused() bool {
	return s == RunPausedMissingInfo || s == RunPausedReview
}

type Question struct {
	Field  string `json:"field"`
	Prompt string `json:"prompt"`
	Reason string `json:"reason"` // missing | invalid
}

type RunError struct {
	Kind    string `json:"kind"`
	Node    string `json:"node,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// GuardrailOutcome is recorded separately from the assessment so readers can
// tell a forced referral from a matrix referral.
type GuardrailOutcome struct {
	Fired    bool     `json:"fired"`
	Reason   string   `json:"reason,omitempty"`
	Triggers []string `json:"triggers,omitempty"`
}

// RunState is the evolving workflow state carried between nodes.
type RunState struct {
	Enrichment *EnrichmentResult  `json:"enrichment,omitempty"`
	Evidence   []EvidenceCitation `json:"evidence,omitempty"`
	Assessment *Assessment        `json:"assessment,omitempty"`
	Guardrail  *GuardrailOutcome  `json:"guardrail,omitempty"`
	Premium    *Premium           `json:"premium,omitempty"`
	Questions  []Question         `json:"questions,omitempty"`
}

type RunRecord struct {
	RunID          string        `json:"run_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	CreatedAt      string        `json:"created_at"`
	UpdatedAt      string        `json:"updated_at"`
	Status         RunStatus     `json:"status"`
	CurrentNode    string        `json:"current_node,omitempty"`
	Agentic        bool          `json:"agentic"`
	RetryCount     int           `json:"retry_count"`
	PolicyHash     string        `json:"policy_hash,omitempty"`
	Submission     Submission    `json:"submission"`
	State          RunState      `json:"state"`
	Decision       *Decision     `json:"decision,omitempty"`
	Review         *ReviewRecord `json:"review,omitempty"`
	Error          *RunError     `json:"error,omitempty"`
	FinalizedAt    string        `json:"finalized_at,omitempty"`
	Log            []LogEntry    `json:"log,omitempty"`
}

// Summary drops the log, for listings and get_run.
func (r RunRecord) Summary() RunRecord {
	r.Log = nil
	return r
}

type ToolCall struct {
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// LogEntry is one immutable audit record; (RunID, Seq) is its key.
type LogEntry struct {
	RunID        string          `json:"run_id"`
	Seq          int64           `json:"seq"`
	Node         string          `json:"node"`
	StatusBefore RunStatus       `json:"status_before"`
	StatusAfter  RunStatus       `json:"status_after"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	CreatedAt    string          `json:"created_at"`
	PrevDigest   string          `json:"prev_digest,omitempty"`
	Digest       string          `json:"digest"`
}

type Stats struct {
	Total      int               `json:"total"`
	ByStatus   map[RunStatus]int `json:"by_status"`
	ByDecision map[Outcome]int   `json:"by_decision"`
	Last24h    int               `json:"last_24h"`
}
