package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/davidahmann/quotegate/internal/assessment"
	"github.com/davidahmann/quotegate/internal/crypto"
	"github.com/davidahmann/quotegate/internal/decision"
	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/internal/rating"
	"github.com/davidahmann/quotegate/internal/retrieval"
	"github.com/davidahmann/quotegate/pkg/types"
)

// nodeFunc mutates the run in place (state and status) and returns the
// output snapshot and tool calls to record.
type nodeFunc func(ctx context.Context, run *types.RunRecord) (any, []types.ToolCall, error)

type validateInput struct {
	Submission types.Submission `json:"submission"`
	Answers    map[string]any   `json:"answers,omitempty"`
	RetryCount int              `json:"retry_count,omitempty"`
}

// drive runs nodes from Validate until the run pauses or terminates. A
// node failure is recorded on the run and is not returned; the error is
// reserved for store failures.
func (e *Engine) drive(ctx context.Context, run *types.RunRecord, loaded policy.LoadedPolicy, in validateInput) error {
	if err := e.step(ctx, run, NodeValidate, in, e.validateNode, nil); err != nil || halted(run) {
		return err
	}
	if len(run.State.Questions) > 0 {
		return e.step(ctx, run, NodeHandleMissingInfo, run.State.Questions, e.missingInfoNode, nil)
	}

	type stage struct {
		node  string
		input func() any
		fn    nodeFunc
	}
	stages := []stage{
		{NodeEnrich, func() any { return map[string]string{"address": run.Submission.Address} }, e.enrichNode},
		{NodeRetrieveGuidelines, func() any {
			return map[string]any{"query": retrieval.Query(run.Submission, run.State.Enrichment), "top_k": topK(loaded.Policy)}
		}, e.retrieveNode(loaded.Policy)},
		{NodeAssess, func() any {
			return map[string]any{"enrichment": run.State.Enrichment, "evidence_count": len(run.State.Evidence)}
		}, e.assessNode(loaded.Policy)},
	}
	if run.Agentic {
		stages = append(stages, stage{NodeCitationGuardrail, func() any { return run.State.Assessment }, e.guardrailNode})
	}
	stages = append(stages, stage{NodeRate, func() any { return rateInput(run, e.now()) }, e.rateNode})

	for _, s := range stages {
		if err := e.step(ctx, run, s.node, s.input(), s.fn, nil); err != nil || halted(run) {
			return err
		}
	}

	var outbox *ledger.OutboxRecord
	decide := func(ctx context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
		out, rec, err := e.decide(run, loaded)
		outbox = rec
		return out, nil, err
	}
	extra := func(tx ledger.Tx) error {
		if outbox == nil {
			return nil
		}
		return tx.PutOutbox(*outbox)
	}
	decideInput := map[string]any{"assessment": run.State.Assessment, "guardrail": run.State.Guardrail, "premium": run.State.Premium}
	if err := e.step(ctx, run, NodeDecide, decideInput, decide, extra); err != nil || halted(run) {
		return err
	}

	return e.finish(ctx, run)
}

func halted(run *types.RunRecord) bool {
	return run.Status.Terminal() || run.Status.Paused()
}

// step executes one node under a span and records exactly one log entry:
// the node's result, or its failure with the run moved to failed.
func (e *Engine) step(ctx context.Context, run *types.RunRecord, node string, input any, fn nodeFunc, extra func(ledger.Tx) error) error {
	ctx, span := e.span(ctx, node, run.RunID)
	before := run.Status

	output, calls, err := invoke(ctx, run, fn)
	if err != nil {
		werr := asError(node, err)
		endSpan(span, werr)
		return e.fail(ctx, run, before, node, input, werr, calls)
	}
	if run.Status == types.RunPending {
		run.Status = types.RunRunning
	}
	cerr := e.commit(ctx, run, before, []pendingEntry{{
		node:   node,
		before: before,
		after:  run.Status,
		input:  input,
		output: output,
		calls:  calls,
	}}, extra)
	endSpan(span, cerr)
	return cerr
}

func invoke(ctx context.Context, run *types.RunRecord, fn nodeFunc) (out any, calls []types.ToolCall, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: KindNode, Reason: ReasonPanic, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return fn(ctx, run)
}

func (e *Engine) fail(ctx context.Context, run *types.RunRecord, before types.RunStatus, node string, input any, werr *Error, calls []types.ToolCall) error {
	runErr := werr.RunError()
	run.Status = types.RunFailed
	run.Error = &runErr
	log.Printf("run failed run_id=%s node=%s kind=%s reason=%s message=%q", run.RunID, node, runErr.Kind, runErr.Reason, runErr.Message)
	return e.commit(ctx, run, before, []pendingEntry{{
		node:   node,
		before: before,
		after:  types.RunFailed,
		input:  input,
		output: map[string]any{"error": runErr},
		calls:  calls,
	}}, nil)
}

func (e *Engine) validateNode(_ context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
	start := time.Now()
	questions := Validate(run.Submission, e.now())
	run.State.Questions = questions
	run.Status = types.RunRunning
	out := map[string]any{"valid": len(questions) == 0, "missing": QuestionFields(questions)}
	return out, []types.ToolCall{toolCall("validate_submission", run.Submission, out, start)}, nil
}

func (e *Engine) missingInfoNode(_ context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
	fields := strings.Join(QuestionFields(run.State.Questions), ", ")
	if !run.Agentic {
		return nil, nil, &Error{Kind: KindValidation, Reason: ReasonMissingRequired, Message: "submission incomplete: " + fields}
	}
	if run.RetryCount >= e.maxRetries {
		return nil, nil, &Error{
			Kind:    KindRetryExhausted,
			Reason:  ReasonMissingInfoExhausted,
			Message: fmt.Sprintf("still missing %s after %d answer cycles", fields, run.RetryCount),
		}
	}
	start := time.Now()
	run.Status = types.RunPausedMissingInfo
	out := map[string]any{"questions": run.State.Questions, "retry_count": run.RetryCount, "max_retries": e.maxRetries}
	log.Printf("run paused run_id=%s status=%s missing=%s", run.RunID, run.Status, fields)
	return out, []types.ToolCall{toolCall("generate_missing_info_questions", map[string]string{"missing": fields}, out, start)}, nil
}

func (e *Engine) enrichNode(ctx context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
	start := time.Now()
	enr, err := e.enricher.Enrich(ctx, run.Submission)
	if err != nil {
		return nil, nil, err
	}
	run.State.Enrichment = &enr
	return enr, []types.ToolCall{toolCall("hazard_enrich", map[string]string{"address": run.Submission.Address}, enr, start)}, nil
}

func (e *Engine) retrieveNode(p policy.Policy) nodeFunc {
	return func(ctx context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
		start := time.Now()
		query := retrieval.Query(run.Submission, run.State.Enrichment)
		evidence, err := e.retriever.Retrieve(ctx, query, topK(p))
		if err != nil {
			return nil, nil, &Error{Kind: KindRetrieval, Reason: ReasonEvidenceUnavailable, Message: err.Error(), Err: err}
		}
		run.State.Evidence = evidence
		out := map[string]any{"count": len(evidence), "citations": evidence}
		return out, []types.ToolCall{toolCall("search_underwriting_guidelines", map[string]any{"query": query, "top_k": topK(p)}, map[string]int{"count": len(evidence)}, start)}, nil
	}
}

func (e *Engine) assessNode(p policy.Policy) nodeFunc {
	return func(ctx context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
		a, err := e.assessor.Assess(ctx, assessment.Input{
			Policy:     p,
			Submission: run.Submission,
			Enrichment: *run.State.Enrichment,
			Evidence:   run.State.Evidence,
		})
		if err != nil {
			return nil, nil, err
		}
		run.State.Assessment = &a
		return a, nil, nil
	}
}

// guardrailNode never fails the run; a fired guardrail is carried to Decide
// as a tagged override.
func (e *Engine) guardrailNode(_ context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
	outcome := types.GuardrailOutcome{}
	for _, t := range run.State.Assessment.UncitedHighSeverity() {
		outcome.Triggers = append(outcome.Triggers, t.Type)
	}
	if len(outcome.Triggers) > 0 {
		outcome.Fired = true
		outcome.Reason = ReasonCitationMissing
		log.Printf("guardrail fired run_id=%s kind=%s triggers=%s", run.RunID, KindGuardrailOverride, strings.Join(outcome.Triggers, ","))
	}
	run.State.Guardrail = &outcome
	out := map[string]any{"guardrail": outcome}
	if outcome.Fired {
		out["kind"] = KindGuardrailOverride
	}
	return out, nil, nil
}

func rateInput(run *types.RunRecord, asOf time.Time) rating.Input {
	in := rating.Input{
		CoverageAmount:   run.Submission.CoverageAmount,
		PropertyType:     run.Submission.PropertyType,
		ConstructionYear: run.Submission.ConstructionYear,
		AsOf:             asOf,
	}
	if run.State.Enrichment != nil {
		in.Hazards = run.State.Enrichment.Hazards
	}
	return in
}

func (e *Engine) rateNode(ctx context.Context, run *types.RunRecord) (any, []types.ToolCall, error) {
	start := time.Now()
	in := rateInput(run, e.now())
	premium, err := e.rater.Rate(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	if !premium.Reconciles(rating.ReconcileTolerance) {
		return nil, nil, fmt.Errorf("rating factors do not reconcile to annual premium %.2f", premium.Annual)
	}
	run.State.Premium = &premium
	return premium, []types.ToolCall{toolCall("rating_calculation", in, premium, start)}, nil
}

func (e *Engine) decide(run *types.RunRecord, loaded policy.LoadedPolicy) (any, *ledger.OutboxRecord, error) {
	assessmentRef, err := crypto.DigestValue(run.State.Assessment)
	if err != nil {
		return nil, nil, err
	}
	premiumRef, err := crypto.DigestValue(run.State.Premium)
	if err != nil {
		return nil, nil, err
	}
	in := decision.Input{
		RunID:         run.RunID,
		PolicyHash:    loaded.Hash,
		Policy:        loaded.Policy,
		Submission:    run.Submission,
		Enrichment:    *run.State.Enrichment,
		Assessment:    *run.State.Assessment,
		AssessmentRef: assessmentRef,
		PremiumRef:    premiumRef,
		CreatedAt:     e.timestamp(),
	}
	if run.State.Guardrail != nil {
		in.Guardrail = *run.State.Guardrail
	}
	res, err := decision.Decide(in)
	if err != nil {
		return nil, nil, err
	}
	run.Decision = &res.Decision
	if res.Review == nil {
		return res, nil, nil
	}

	submitted := e.now()
	sla := e.reviewSLA
	if sla <= 0 {
		sla = time.Duration(res.Review.SLAHours) * time.Hour
	}
	if sla <= 0 {
		sla = DefaultReviewSLA
	}
	run.Review = &types.ReviewRecord{
		RunID:              run.RunID,
		Team:               res.Review.Team,
		Priority:           res.Review.Priority,
		Reason:             res.Review.Reason,
		ProvisionalOutcome: res.Decision.Outcome,
		SubmittedAt:        types.FormatTime(submitted),
		Deadline:           types.FormatTime(submitted.Add(sla)),
	}
	run.Status = types.RunPausedReview
	log.Printf("run paused run_id=%s status=%s team=%s priority=%s deadline=%s", run.RunID, run.Status, run.Review.Team, run.Review.Priority, run.Review.Deadline)

	if !e.notifyReviews {
		return res, nil, nil
	}
	rec, err := reviewNotification(*run, submitted)
	if err != nil {
		return nil, nil, err
	}
	return res, &rec, nil
}

// ReviewMessage is the outbox payload announcing a run parked for review.
type ReviewMessage struct {
	RunID              string         `json:"run_id"`
	Team               string         `json:"team"`
	Priority           types.Priority `json:"priority"`
	Reason             string         `json:"reason"`
	ProvisionalOutcome types.Outcome  `json:"provisional_outcome"`
	Deadline           string         `json:"deadline"`
	ApplicantName      string         `json:"applicant_name"`
	CoverageAmount     float64        `json:"coverage_amount"`
}

func reviewNotification(run types.RunRecord, now time.Time) (ledger.OutboxRecord, error) {
	msg, err := json.Marshal(ReviewMessage{
		RunID:              run.RunID,
		Team:               run.Review.Team,
		Priority:           run.Review.Priority,
		Reason:             run.Review.Reason,
		ProvisionalOutcome: run.Review.ProvisionalOutcome,
		Deadline:           run.Review.Deadline,
		ApplicantName:      run.Submission.ApplicantName,
		CoverageAmount:     run.Submission.CoverageAmount,
	})
	if err != nil {
		return ledger.OutboxRecord{}, err
	}
	ts := types.FormatTime(now)
	return ledger.OutboxRecord{
		NotificationID: "review:" + run.RunID,
		RunID:          run.RunID,
		Channel:        run.Review.Team,
		MessageJSON:    msg,
		Status:         ledger.OutboxPending,
		NextAttemptAt:  ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

// finish records StoreRun and completes the run.
func (e *Engine) finish(ctx context.Context, run *types.RunRecord) error {
	ctx, span := e.span(ctx, NodeStoreRun, run.RunID)
	before := run.Status
	run.Status = types.RunCompleted
	err := e.commit(ctx, run, before, []pendingEntry{storeRunEntry(before, *run.Decision, e.timestamp())}, nil)
	endSpan(span, err)
	if err == nil {
		log.Printf("run completed run_id=%s outcome=%s", run.RunID, run.Decision.Outcome)
	}
	return err
}

func storeRunEntry(before types.RunStatus, d types.Decision, finalizedAt string) pendingEntry {
	return pendingEntry{
		node:   NodeStoreRun,
		before: before,
		after:  types.RunCompleted,
		input:  map[string]any{"decision_id": d.DecisionID},
		output: map[string]any{"decision_id": d.DecisionID, "outcome": d.Outcome, "finalized_at": finalizedAt},
	}
}

func finalizeDecision(run types.RunRecord, approval Approval, now string) (types.Decision, error) {
	return decision.Finalize(run.RunID, run.PolicyHash, *run.Decision, approval.FinalOutcome, approval.ReviewerName, approval.Notes, now)
}

func topK(p policy.Policy) int {
	if p.Retrieval.TopK > 0 {
		return p.Retrieval.TopK
	}
	return retrieval.DefaultTopK
}
