// Package review is the human side of escalation: it reports the state of a
// run parked for review and applies the one reviewer decision it accepts.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/quotegate/internal/workflow"
	"github.com/davidahmann/quotegate/pkg/types"
)

var (
	ErrNotUnderReview  = workflow.ErrNotUnderReview
	ErrAlreadyReviewed = workflow.ErrAlreadyReviewed
)

// ValidationError reports a malformed approval request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Status struct {
	RunID              string         `json:"run_id"`
	Status             string         `json:"status"`
	Team               string         `json:"team"`
	AssignedReviewer   string         `json:"assigned_reviewer"`
	Priority           types.Priority `json:"priority"`
	Reason             string         `json:"reason"`
	ProvisionalOutcome types.Outcome  `json:"provisional_outcome"`
	SubmittedAt        string         `json:"submitted_at"`
	Deadline           string         `json:"deadline"`
	Overdue            bool           `json:"overdue"`
}

type Approval struct {
	FinalDecision   string   `json:"final_decision"`
	ApprovedPremium *float64 `json:"approved_premium,omitempty"`
	Notes           string   `json:"reviewer_notes"`
	ReviewerName    string   `json:"reviewer_name"`
}

type Result struct {
	RunID           string             `json:"run_id"`
	Status          string             `json:"status"`
	FinalDecision   types.Outcome      `json:"final_decision"`
	DecisionID      string             `json:"decision_id"`
	ApprovedPremium *float64           `json:"approved_premium,omitempty"`
	Review          types.ReviewRecord `json:"review"`
}

type Gateway struct {
	engine *workflow.Engine
	now    func() time.Time
}

func NewGateway(engine *workflow.Engine) *Gateway {
	return &Gateway{engine: engine, now: func() time.Time { return time.Now().UTC() }}
}

// Status reports the pending review of a run in paused_review.
func (g *Gateway) Status(ctx context.Context, runID string) (Status, error) {
	run, err := g.engine.Store().GetRun(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	if run.Status != types.RunPausedReview || run.Review == nil {
		return Status{}, ErrNotUnderReview
	}
	return statusOf(run, g.now()), nil
}

func statusOf(run types.RunRecord, now time.Time) Status {
	r := run.Review
	st := Status{
		RunID:              run.RunID,
		Status:             "pending_review",
		Team:               r.Team,
		AssignedReviewer:   r.Team,
		Priority:           r.Priority,
		Reason:             r.Reason,
		ProvisionalOutcome: r.ProvisionalOutcome,
		SubmittedAt:        r.SubmittedAt,
		Deadline:           r.Deadline,
	}
	if deadline, err := types.ParseTime(r.Deadline); err == nil {
		st.Overdue = now.After(deadline)
	}
	return st
}

// Approve validates the request and applies it. A second approval of the same
// run fails with ErrAlreadyReviewed and changes nothing.
func (g *Gateway) Approve(ctx context.Context, runID string, req Approval) (Result, error) {
	outcome, err := req.validate()
	if err != nil {
		return Result{}, err
	}
	run, err := g.engine.CompleteReview(ctx, runID, workflow.Approval{
		FinalOutcome:    outcome,
		ApprovedPremium: req.ApprovedPremium,
		Notes:           strings.TrimSpace(req.Notes),
		ReviewerName:    strings.TrimSpace(req.ReviewerName),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		RunID:           run.RunID,
		Status:          string(run.Status),
		FinalDecision:   run.Decision.Outcome,
		DecisionID:      run.Decision.DecisionID,
		ApprovedPremium: run.Review.ApprovedPremium,
		Review:          *run.Review,
	}, nil
}

func (a Approval) validate() (types.Outcome, error) {
	if strings.TrimSpace(a.FinalDecision) == "" {
		return "", &ValidationError{Field: "final_decision", Message: "is required"}
	}
	outcome, ok := types.ParseOutcome(a.FinalDecision)
	if !ok {
		return "", &ValidationError{Field: "final_decision", Message: "must be ACCEPT, REJECT or REFER"}
	}
	if strings.TrimSpace(a.ReviewerName) == "" {
		return "", &ValidationError{Field: "reviewer_name", Message: "is required"}
	}
	if a.ApprovedPremium != nil && *a.ApprovedPremium < 0 {
		return "", &ValidationError{Field: "approved_premium", Message: "must not be negative"}
	}
	return outcome, nil
}

// Overdue lists reviews whose advisory deadline has passed. Nothing acts on
// them automatically.
func (g *Gateway) Overdue(ctx context.Context, now time.Time) ([]Status, error) {
	runs, err := g.engine.Store().ListOverdueReviews(ctx, types.FormatTime(now))
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(runs))
	for _, run := range runs {
		if run.Review == nil {
			continue
		}
		out = append(out, statusOf(run, now))
	}
	return out, nil
}

// IsStateError reports whether err is a caller mistake about review state.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotUnderReview) || errors.Is(err, ErrAlreadyReviewed)
}
