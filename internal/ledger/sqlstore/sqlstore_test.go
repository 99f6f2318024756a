package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := ledger.Migrate(context.Background(), s.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func sampleRun(id string, createdAt string) types.RunRecord {
	return types.RunRecord{
		RunID:      id,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
		Status:     types.RunRunning,
		Agentic:    true,
		PolicyHash: "sha256:ph",
		Submission: types.Submission{
			ApplicantName:  "Jane Doe",
			Address:        "123 Main St, Sacramento, CA 95814",
			PropertyType:   "single_family",
			CoverageAmount: 350000,
		},
	}
}

func seal(t *testing.T, tx ledger.Tx, runID, node string) error {
	t.Helper()
	last, ok, err := tx.LastLogEntry(runID)
	if err != nil {
		return err
	}
	entry := types.LogEntry{RunID: runID, Seq: 1, Node: node, StatusBefore: types.RunRunning, StatusAfter: types.RunRunning, CreatedAt: "2026-10-01T00:00:00.000000Z"}
	var prev *types.LogEntry
	if ok {
		entry.Seq = last.Seq + 1
		prev = &last
	}
	sealed, err := ledger.Seal(entry, prev)
	if err != nil {
		return err
	}
	return tx.AppendLogEntry(sealed)
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := sampleRun("run-1", "2026-10-01T00:00:00.000000Z")
	run.IdempotencyKey = "idem-1"
	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateRun(run) }); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateRun(run) }); !errors.Is(err, ledger.ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		for _, node := range []string{"validate", "enrich", "store_run"} {
			if err := seal(t, tx, "run-1", node); err != nil {
				return err
			}
		}
		current, err := tx.GetRun("run-1")
		if err != nil {
			return err
		}
		current.Status = types.RunCompleted
		current.Decision = &types.Decision{Outcome: types.OutcomeAccept}
		current.FinalizedAt = "2026-10-01T00:00:01.000000Z"
		return tx.UpdateRun(current, types.RunRunning)
	})
	if err != nil {
		t.Fatalf("run workflow tx: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunCompleted || got.IdempotencyKey != "idem-1" || got.Submission.CoverageAmount != 350000 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Log) != 3 || got.Log[2].Node != "store_run" {
		t.Fatalf("unexpected log: %+v", got.Log)
	}
	if err := ledger.VerifyChain(got.Log); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	err = s.WithTx(ctx, func(tx ledger.Tx) error { return seal(t, tx, "run-1", "late") })
	if !errors.Is(err, ledger.ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		byKey, err := tx.GetRunByIdempotencyKey("idem-1")
		if err != nil {
			return err
		}
		if byKey.RunID != "run-1" {
			t.Fatalf("unexpected run by key: %s", byKey.RunID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup by key: %v", err)
	}
}

func TestUpdateRunStatusConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := sampleRun("run-cas", "2026-10-01T00:00:00.000000Z")
	run.Status = types.RunPausedReview
	_ = s.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateRun(run) })

	run.Status = types.RunCompleted
	err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.UpdateRun(run, types.RunRunning) })
	if !errors.Is(err, ledger.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendSequenceConflictRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateRun(sampleRun("run-seq", "2026-10-01T00:00:00.000000Z")) })

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := seal(t, tx, "run-seq", "validate"); err != nil {
			return err
		}
		return tx.AppendLogEntry(types.LogEntry{RunID: "run-seq", Seq: 1, Node: "dup"})
	})
	if !errors.Is(err, ledger.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
	entries, err := s.GetLog(ctx, "run-seq")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected rollback to discard entries, got %d", len(entries))
	}
}

func TestListStatsAndOverdue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)

	old := sampleRun("old", types.FormatTime(now.Add(-72*time.Hour)))
	old.Status = types.RunFailed
	review := sampleRun("review", types.FormatTime(now.Add(-time.Hour)))
	review.Status = types.RunPausedReview
	review.Decision = &types.Decision{Outcome: types.OutcomeRefer}
	review.Review = &types.ReviewRecord{RunID: "review", Deadline: types.FormatTime(now.Add(-time.Minute))}
	for _, r := range []types.RunRecord{old, review} {
		r := r
		if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateRun(r) }); err != nil {
			t.Fatalf("create %s: %v", r.RunID, err)
		}
	}

	runs, err := s.ListRuns(ctx, ledger.RunFilter{}, 10)
	if err != nil || len(runs) != 2 || runs[0].RunID != "review" {
		t.Fatalf("list mismatch: err=%v runs=%+v", err, runs)
	}
	runs, err = s.ListRuns(ctx, ledger.RunFilter{Outcome: types.OutcomeRefer}, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("filtered list mismatch: err=%v runs=%+v", err, runs)
	}

	stats, err := s.Stats(ctx, now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Last24h != 1 || stats.ByDecision[types.OutcomeRefer] != 1 || stats.ByStatus[types.RunCompleted] != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	overdue, err := s.ListOverdueReviews(ctx, types.FormatTime(now))
	if err != nil || len(overdue) != 1 || overdue[0].RunID != "review" {
		t.Fatalf("overdue mismatch: err=%v runs=%+v", err, overdue)
	}
}

func TestOutboxAndPolicyVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateRun(sampleRun("run-ob", "2026-10-01T00:00:00.000000Z")) })

	rec := ledger.OutboxRecord{
		NotificationID: "review:run-ob",
		RunID:          "run-ob",
		Channel:        "underwriting_team",
		MessageJSON:    []byte(`{"run_id":"run-ob"}`),
		Status:         ledger.OutboxPending,
		NextAttemptAt:  "2026-10-01T00:00:00.000000Z",
		CreatedAt:      "2026-10-01T00:00:00.000000Z",
		UpdatedAt:      "2026-10-01T00:00:00.000000Z",
	}
	if err := s.PutOutbox(ctx, rec); err != nil {
		t.Fatalf("put outbox: %v", err)
	}
	if due, err := s.ListOutboxDue(ctx, "2026-10-02T00:00:00.000000Z", 10); err != nil || len(due) != 1 {
		t.Fatalf("list due mismatch: err=%v len=%d", err, len(due))
	}
	sentAt := "2026-10-01T00:00:05.000000Z"
	rec.Status = ledger.OutboxSent
	rec.SentAt = &sentAt
	rec.AttemptCount = 1
	if err := s.PutOutbox(ctx, rec); err != nil {
		t.Fatalf("update outbox: %v", err)
	}
	if got, ok := s.GetOutbox(ctx, "review:run-ob"); !ok || got.Status != ledger.OutboxSent || got.SentAt == nil {
		t.Fatalf("get outbox mismatch: ok=%v got=%+v", ok, got)
	}

	policy := ledger.PolicyVersionRecord{PolicyHash: "ph", PolicyID: "quotegate-underwriting", PolicyVersion: "1", PolicyYAML: "policy_id: x\n", CreatedAt: "now"}
	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.PutPolicyVersion(policy) }); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	if got, ok := s.GetPolicyVersion(ctx, "ph"); !ok || got.PolicyID != "quotegate-underwriting" {
		t.Fatalf("get policy mismatch: ok=%v got=%+v", ok, got)
	}
}

func TestRunLogIsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateRun(sampleRun("run-imm", "2026-10-01T00:00:00.000000Z")); err != nil {
			return err
		}
		return seal(t, tx, "run-imm", "validate")
	})
	if _, err := s.DB().Exec(`UPDATE run_log SET node = 'tampered' WHERE run_id = 'run-imm'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
}
