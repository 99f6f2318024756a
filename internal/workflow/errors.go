package workflow

import (
	"errors"
	"fmt"

	"github.com/davidahmann/quotegate/internal/retrieval"
	"github.com/davidahmann/quotegate/pkg/types"
)

type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindRetrieval         Kind = "retrieval_error"
	KindGuardrailOverride Kind = "guardrail_override"
	KindReviewState       Kind = "review_state_error"
	KindRetryExhausted    Kind = "retry_exhausted"
	KindNode              Kind = "node_error"
)

const (
	ReasonMissingRequired      = "missing_required_fields"
	ReasonMissingInfoExhausted = "missing_info_exhausted"
	ReasonCitationMissing      = "citation_missing"
	ReasonNotUnderReview       = "not_under_review"
	ReasonAlreadyReviewed      = "already_reviewed"
	ReasonEvidenceUnavailable  = "evidence_unavailable"
	ReasonPanic                = "panic"
)

var (
	ErrRunBusy            = errors.New("run has a node execution in flight")
	ErrQueueFull          = errors.New("workflow queue full")
	ErrPoolStopped        = errors.New("workflow pool not running")
	ErrNotAwaitingAnswers = errors.New("run is not awaiting answers")

	ErrNotUnderReview  = &Error{Kind: KindReviewState, Reason: ReasonNotUnderReview, Message: "run is not under review"}
	ErrAlreadyReviewed = &Error{Kind: KindReviewState, Reason: ReasonAlreadyReviewed, Message: "run has already been reviewed"}
)

// Error is the structured failure of a node or a caller mistake.
type Error struct {
	Kind    Kind
	Node    string
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Node, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and reason, so wrapped sentinels compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

func (e *Error) RunError() types.RunError {
	return types.RunError{Kind: string(e.Kind), Node: e.Node, Reason: e.Reason, Message: e.Message}
}

// asError classifies err as raised by node.
func asError(node string, err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		out := *werr
		if out.Node == "" {
			out.Node = node
		}
		return &out
	}
	if errors.Is(err, retrieval.ErrUnavailable) {
		return &Error{Kind: KindRetrieval, Node: node, Reason: ReasonEvidenceUnavailable, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindNode, Node: node, Message: err.Error(), Err: err}
}
