package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/quotegate/internal/assessment"
	"github.com/davidahmann/quotegate/internal/hazard"
	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/internal/rating"
	"github.com/davidahmann/quotegate/internal/retrieval"
	"github.com/davidahmann/quotegate/pkg/types"
)

const DefaultMaxMissingInfoRetries = 3

// DefaultReviewSLA applies when neither the engine nor the policy sets a window.
const DefaultReviewSLA = 48 * time.Hour

const tracerName = "github.com/davidahmann/quotegate/internal/workflow"

type Options struct {
	Store     ledger.Store
	Policies  *policy.Holder
	Enricher  hazard.Enricher
	Retriever retrieval.Retriever
	Assessor  assessment.Assessor
	Rater     rating.Rater

	// Pool runs submissions and answers; nil runs them on the caller's goroutine.
	Pool *Pool

	MaxMissingInfoRetries int
	// ReviewSLA overrides the policy's review.sla_hours when positive.
	ReviewSLA time.Duration
	// NotifyReviews enqueues an outbox record whenever a run parks for review.
	NotifyReviews bool

	Tracer trace.Tracer
	Now    func() time.Time
	NewID  func() string
}

// Engine executes the underwriting node graph. It is the only writer of
// run state; every status change goes through the Run Store with a
// compare-and-swap on the previous status.
type Engine struct {
	store     ledger.Store
	policies  *policy.Holder
	enricher  hazard.Enricher
	retriever retrieval.Retriever
	assessor  assessment.Assessor
	rater     rating.Rater
	pool      *Pool
	locks     *Locks
	tracer    trace.Tracer

	maxRetries    int
	reviewSLA     time.Duration
	notifyReviews bool

	now   func() time.Time
	newID func() string
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("workflow: store is required")
	}
	e := &Engine{
		store:         opts.Store,
		policies:      opts.Policies,
		enricher:      opts.Enricher,
		retriever:     opts.Retriever,
		assessor:      opts.Assessor,
		rater:         opts.Rater,
		pool:          opts.Pool,
		locks:         NewLocks(),
		tracer:        opts.Tracer,
		maxRetries:    opts.MaxMissingInfoRetries,
		reviewSLA:     opts.ReviewSLA,
		notifyReviews: opts.NotifyReviews,
		now:           opts.Now,
		newID:         opts.NewID,
	}
	if e.policies == nil {
		e.policies = policy.NewHolder(policy.Default())
	}
	if e.enricher == nil {
		e.enricher = hazard.TableEnricher{}
	}
	if e.retriever == nil {
		e.retriever = retrieval.Default()
	}
	if e.assessor == nil {
		e.assessor = assessment.RuleAssessor{}
	}
	if e.rater == nil {
		e.rater = rating.TableRater{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxMissingInfoRetries
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = func() string { return "run_" + uuid.NewString() }
	}
	return e, nil
}

func (e *Engine) Store() ledger.Store { return e.store }

func (e *Engine) Policies() *policy.Holder { return e.policies }

func (e *Engine) Locks() *Locks { return e.locks }

type SubmitRequest struct {
	Submission     types.Submission
	Agentic        bool
	IdempotencyKey string
}

type SubmitResult struct {
	Run      types.RunRecord
	Replayed bool
}

// Submit starts a run and drives it until it completes, fails or pauses.
// A repeated idempotency key returns the existing run untouched.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.IdempotencyKey != "" {
		if run, ok, err := e.lookupIdempotent(ctx, req.IdempotencyKey); err != nil {
			return SubmitResult{}, err
		} else if ok {
			return SubmitResult{Run: run, Replayed: true}, nil
		}
	}

	runID := e.newID()
	var result SubmitResult
	err := e.dispatch(ctx, runID, func(ctx context.Context) error {
		release, err := e.locks.TryLock(runID)
		if err != nil {
			return err
		}
		defer release()

		loaded := e.policies.Current()
		now := e.timestamp()
		run := types.RunRecord{
			RunID:          runID,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
			Status:         types.RunPending,
			Agentic:        req.Agentic,
			PolicyHash:     loaded.Hash,
			Submission:     req.Submission.Clone(),
		}
		err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
			if err := tx.PutPolicyVersion(ledger.PolicyVersionRecord{
				PolicyHash:    loaded.Hash,
				PolicyID:      loaded.Policy.PolicyID,
				PolicyVersion: loaded.Policy.PolicyVersion,
				PolicyYAML:    string(loaded.Bytes),
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			return tx.CreateRun(run)
		})
		if errors.Is(err, ledger.ErrRunExists) && req.IdempotencyKey != "" {
			existing, ok, lerr := e.lookupIdempotent(ctx, req.IdempotencyKey)
			if lerr != nil {
				return lerr
			}
			if ok {
				result = SubmitResult{Run: existing, Replayed: true}
				return nil
			}
		}
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}

		log.Printf("run started run_id=%s agentic=%t policy_hash=%s", run.RunID, run.Agentic, run.PolicyHash)
		if err := e.drive(ctx, &run, loaded, validateInput{Submission: run.Submission}); err != nil {
			return err
		}
		result = SubmitResult{Run: run}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// Answer merges answers into a run parked in paused_missing_info and
// re-enters Validate. Each call consumes one answer cycle.
func (e *Engine) Answer(ctx context.Context, runID string, answers map[string]any) (types.RunRecord, error) {
	var out types.RunRecord
	err := e.dispatch(ctx, runID, func(ctx context.Context) error {
		release, err := e.locks.TryLock(runID)
		if err != nil {
			return err
		}
		defer release()

		run, err := e.loadHeader(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != types.RunPausedMissingInfo {
			return fmt.Errorf("%w: status is %s", ErrNotAwaitingAnswers, run.Status)
		}
		loaded, err := e.policyFor(ctx, run)
		if err != nil {
			return err
		}

		run.Submission = MergeAnswers(run.Submission, answers)
		run.RetryCount++
		log.Printf("run resumed run_id=%s retry_count=%d", run.RunID, run.RetryCount)
		if err := e.drive(ctx, &run, loaded, validateInput{Submission: run.Submission, Answers: answers, RetryCount: run.RetryCount}); err != nil {
			return err
		}
		out = run
		return nil
	})
	return out, err
}

type Approval struct {
	FinalOutcome    types.Outcome
	ApprovedPremium *float64
	Notes           string
	ReviewerName    string
}

// CompleteReview applies the single reviewer decision to a run in
// paused_review and finalizes it. It is the only way such a run completes.
func (e *Engine) CompleteReview(ctx context.Context, runID string, approval Approval) (types.RunRecord, error) {
	release, err := e.locks.TryLock(runID)
	if err != nil {
		return types.RunRecord{}, err
	}
	defer release()

	run, err := e.loadHeader(ctx, runID)
	if err != nil {
		return types.RunRecord{}, err
	}
	if run.Review != nil && run.Review.Completed() {
		return types.RunRecord{}, ErrAlreadyReviewed
	}
	if run.Status != types.RunPausedReview || run.Review == nil || run.Decision == nil {
		return types.RunRecord{}, ErrNotUnderReview
	}

	now := e.timestamp()
	final, err := finalizeDecision(run, approval, now)
	if err != nil {
		return types.RunRecord{}, err
	}

	review := *run.Review
	review.Reviewer = approval.ReviewerName
	review.FinalOutcome = approval.FinalOutcome
	review.Notes = approval.Notes
	review.CompletedAt = now
	review.ApprovedPremium = approval.ApprovedPremium
	if review.ApprovedPremium == nil && run.State.Premium != nil && approval.FinalOutcome != types.OutcomeDecline {
		annual := run.State.Premium.Annual
		review.ApprovedPremium = &annual
	}

	prior := *run.Decision
	run.Review = &review
	run.Decision = &final
	run.Status = types.RunCompleted

	entries := []pendingEntry{
		{
			node:   NodeHumanReview,
			before: types.RunPausedReview,
			after:  types.RunPausedReview,
			input: map[string]any{
				"reviewer":         approval.ReviewerName,
				"final_outcome":    approval.FinalOutcome,
				"approved_premium": approval.ApprovedPremium,
				"notes":            approval.Notes,
			},
			output: map[string]any{"review": review, "prior_decision_id": prior.DecisionID, "decision": final},
		},
		storeRunEntry(types.RunPausedReview, final, now),
	}
	if err := e.commit(ctx, &run, types.RunPausedReview, entries, nil); err != nil {
		return types.RunRecord{}, err
	}
	log.Printf("run reviewed run_id=%s reviewer=%s outcome=%s", run.RunID, approval.ReviewerName, final.Outcome)
	return run, nil
}

// Get returns the run with its full log.
func (e *Engine) Get(ctx context.Context, runID string) (types.RunRecord, error) {
	return e.store.GetRun(ctx, runID)
}

func (e *Engine) dispatch(ctx context.Context, id string, fn func(context.Context) error) error {
	if e.pool == nil {
		return fn(ctx)
	}
	return e.pool.Do(ctx, id, fn)
}

func (e *Engine) lookupIdempotent(ctx context.Context, key string) (types.RunRecord, bool, error) {
	var run types.RunRecord
	found := false
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		existing, err := tx.GetRunByIdempotencyKey(key)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		run, found = existing, true
		return nil
	})
	return run, found, err
}

func (e *Engine) loadHeader(ctx context.Context, runID string) (types.RunRecord, error) {
	var run types.RunRecord
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		run, err = tx.GetRun(runID)
		return err
	})
	return run, err
}

// policyFor returns the policy version a run started under, falling back to
// the active policy when that version was never recorded.
func (e *Engine) policyFor(ctx context.Context, run types.RunRecord) (policy.LoadedPolicy, error) {
	current := e.policies.Current()
	if run.PolicyHash == "" || run.PolicyHash == current.Hash {
		return current, nil
	}
	rec, ok := e.store.GetPolicyVersion(ctx, run.PolicyHash)
	if !ok {
		return current, nil
	}
	loaded, err := policy.Parse([]byte(rec.PolicyYAML))
	if err != nil {
		return policy.LoadedPolicy{}, fmt.Errorf("recorded policy %s: %w", run.PolicyHash, err)
	}
	return loaded, nil
}

func (e *Engine) timestamp() string {
	return types.FormatTime(e.now())
}

type pendingEntry struct {
	node   string
	before types.RunStatus
	after  types.RunStatus
	input  any
	output any
	calls  []types.ToolCall
}

// commit appends entries in order and swaps the run header, all in one
// transaction. expected is the status the stored header must still have.
func (e *Engine) commit(ctx context.Context, run *types.RunRecord, expected types.RunStatus, entries []pendingEntry, extra func(ledger.Tx) error) error {
	now := e.timestamp()
	logged := make([]types.LogEntry, 0, len(entries))
	for _, p := range entries {
		if err := ValidateTransition(p.before, p.after); err != nil {
			return err
		}
		in, err := snapshot(p.input)
		if err != nil {
			return fmt.Errorf("%s input: %w", p.node, err)
		}
		out, err := snapshot(p.output)
		if err != nil {
			return fmt.Errorf("%s output: %w", p.node, err)
		}
		logged = append(logged, types.LogEntry{
			RunID:        run.RunID,
			Node:         p.node,
			StatusBefore: p.before,
			StatusAfter:  p.after,
			Input:        in,
			Output:       out,
			ToolCalls:    p.calls,
			CreatedAt:    now,
		})
	}

	run.CurrentNode = entries[len(entries)-1].node
	run.UpdatedAt = now
	if run.Status.Terminal() && run.FinalizedAt == "" {
		run.FinalizedAt = now
	}

	return e.store.WithTx(ctx, func(tx ledger.Tx) error {
		last, ok, err := tx.LastLogEntry(run.RunID)
		if err != nil {
			return err
		}
		var prev *types.LogEntry
		if ok {
			prev = &last
		}
		for _, entry := range logged {
			entry.Seq = 1
			if prev != nil {
				entry.Seq = prev.Seq + 1
			}
			sealed, err := ledger.Seal(entry, prev)
			if err != nil {
				return err
			}
			if err := tx.AppendLogEntry(sealed); err != nil {
				return err
			}
			prev = &sealed
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return tx.UpdateRun(run.Summary(), expected)
	})
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func toolCall(name string, input, output any, start time.Time) types.ToolCall {
	in, _ := snapshot(input)
	out, _ := snapshot(output)
	return types.ToolCall{Name: name, Input: in, Output: out, DurationMS: time.Since(start).Milliseconds()}
}

// span starts the per-node span.
func (e *Engine) span(ctx context.Context, node, runID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "workflow."+node, trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("workflow.node", node),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
