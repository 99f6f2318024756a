package ledger

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/davidahmann/quotegate/pkg/types"
)

var (
	ErrNotFound         = errors.New("run not found")
	ErrRunExists        = errors.New("run already exists")
	ErrRunTerminal      = errors.New("run is terminal")
	ErrSequenceConflict = errors.New("log sequence conflict")
	ErrStatusConflict   = errors.New("run status changed concurrently")
)

// Store is the Run Store. Log entries are append-only; run headers change
// only through UpdateRun's compare-and-swap on status.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error

	// GetRun returns the run with its full log, read as one snapshot.
	GetRun(ctx context.Context, runID string) (types.RunRecord, error)
	GetLog(ctx context.Context, runID string) ([]types.LogEntry, error)
	ListRuns(ctx context.Context, filter RunFilter, limit int) ([]types.RunRecord, error)
	Stats(ctx context.Context, now time.Time) (types.Stats, error)
	ListOverdueReviews(ctx context.Context, now string) ([]types.RunRecord, error)

	PutOutbox(ctx context.Context, rec OutboxRecord) error
	GetOutbox(ctx context.Context, notificationID string) (OutboxRecord, bool)
	ListOutboxDue(ctx context.Context, now string, limit int) ([]OutboxRecord, error)

	GetPolicyVersion(ctx context.Context, policyHash string) (PolicyVersionRecord, bool)
}

type Tx interface {
	CreateRun(run types.RunRecord) error
	// GetRun returns the run header without its log.
	GetRun(runID string) (types.RunRecord, error)
	GetRunByIdempotencyKey(key string) (types.RunRecord, error)
	// UpdateRun replaces the header when the stored status equals expected.
	UpdateRun(run types.RunRecord, expected types.RunStatus) error

	AppendLogEntry(entry types.LogEntry) error
	LastLogEntry(runID string) (types.LogEntry, bool, error)

	PutOutbox(rec OutboxRecord) error
	PutPolicyVersion(rec PolicyVersionRecord) error
}

type RunFilter struct {
	Status  types.RunStatus
	Outcome types.Outcome
}

func (f RunFilter) Match(run types.RunRecord) bool {
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.Outcome != "" && (run.Decision == nil || run.Decision.Outcome != f.Outcome) {
		return false
	}
	return true
}

// DefaultListLimit caps ListRuns when the caller passes limit <= 0.
const DefaultListLimit = 50

type PolicyVersionRecord struct {
	PolicyHash    string
	PolicyID      string
	PolicyVersion string
	PolicyYAML    string
	CreatedAt     string
}

const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
)

type OutboxRecord struct {
	NotificationID string
	RunID          string
	Channel        string
	MessageJSON    []byte
	Status         string // pending | sent
	AttemptCount   int
	NextAttemptAt  string
	LastError      *string
	SentAt         *string
	CreatedAt      string
	UpdatedAt      string
}

func (r OutboxRecord) clone() OutboxRecord {
	out := r
	out.MessageJSON = bytes.Clone(r.MessageJSON)
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	if r.SentAt != nil {
		at := *r.SentAt
		out.SentAt = &at
	}
	return out
}

// ReviewDeadline and ReviewCompletedAt are the indexed review columns.
func ReviewDeadline(run types.RunRecord) string {
	if run.Review == nil {
		return ""
	}
	return run.Review.Deadline
}

func ReviewCompletedAt(run types.RunRecord) string {
	if run.Review == nil {
		return ""
	}
	return run.Review.CompletedAt
}

// OutcomeOf is the decision outcome column value, empty when undecided.
func OutcomeOf(run types.RunRecord) string {
	if run.Decision == nil {
		return ""
	}
	return string(run.Decision.Outcome)
}

// NewStats returns a Stats with every status and outcome bucket present.
func NewStats() types.Stats {
	s := types.Stats{
		ByStatus:   make(map[types.RunStatus]int, len(types.RunStatuses)),
		ByDecision: map[types.Outcome]int{types.OutcomeAccept: 0, types.OutcomeRefer: 0, types.OutcomeDecline: 0},
	}
	for _, st := range types.RunStatuses {
		s.ByStatus[st] = 0
	}
	return s
}
