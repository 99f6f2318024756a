package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/quotegate/internal/config"
	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/internal/workflow"
	"github.com/davidahmann/quotegate/pkg/types"
)

func cleanSubmission() types.Submission {
	return types.Submission{
		ApplicantName:    "Ada Lovelace",
		Address:          "1 Pine Rd, Boise, ID 83702",
		PropertyType:     "single_family",
		CoverageAmount:   250000,
		ConstructionYear: 1985,
	}
}

func TestBuildInMemory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, config.Defaults())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer func() { _ = a.Close(context.Background()) }()

	if _, ok := a.Store.(*ledger.InMemoryStore); !ok {
		t.Fatalf("expected in-memory store, got %T", a.Store)
	}
	res, err := a.Engine.Submit(ctx, workflow.SubmitRequest{Submission: cleanSubmission(), Agentic: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Run.Status != types.RunCompleted {
		t.Fatalf("expected completed, got %s", res.Run.Status)
	}
	if st := a.Pool.Stats(); st.Processed == 0 {
		t.Fatalf("expected the run to go through the pool, got %+v", st)
	}
}

func TestBuildSQLiteMigrates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Defaults()
	cfg.DB = config.DBConfig{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "quotegate.db")}
	a, err := Build(ctx, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer func() { _ = a.Close(context.Background()) }()

	res, err := a.Engine.Submit(ctx, workflow.SubmitRequest{Submission: cleanSubmission(), Agentic: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stored, err := a.Store.GetRun(ctx, res.Run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if err := ledger.VerifyChain(stored.Log); err != nil {
		t.Fatalf("chain: %v", err)
	}
}

func TestBuildLoadsPolicyFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, policy.Default().Bytes, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg := config.Defaults()
	cfg.PolicyPath = path
	a, err := Build(ctx, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer func() { _ = a.Close(context.Background()) }()
	if a.Policies.Current().Hash != policy.Default().Hash {
		t.Fatalf("unexpected policy hash %s", a.Policies.Current().Hash)
	}
}

func TestReviewDeadlineFollowsPolicyUnlessConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := bytes.Replace(policy.Default().Bytes, []byte("sla_hours: 48"), []byte("sla_hours: 24"), 1)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	cases := []struct {
		name     string
		override int
		want     time.Duration
	}{
		{name: "policy window", override: 0, want: 24 * time.Hour},
		{name: "config override", override: 6, want: 6 * time.Hour},
	}
	for _, tc := range cases {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := config.Defaults()
		cfg.PolicyPath = path
		cfg.Review.SLAHours = tc.override
		a, err := Build(ctx, cfg)
		if err != nil {
			cancel()
			t.Fatalf("%s: build: %v", tc.name, err)
		}

		sub := cleanSubmission()
		sub.CoverageAmount = 600000
		res, err := a.Engine.Submit(ctx, workflow.SubmitRequest{Submission: sub, Agentic: true})
		if err != nil {
			cancel()
			t.Fatalf("%s: submit: %v", tc.name, err)
		}
		review := res.Run.Review
		if review == nil {
			cancel()
			t.Fatalf("%s: expected review record, status %s", tc.name, res.Run.Status)
		}
		submitted, err := types.ParseTime(review.SubmittedAt)
		if err != nil {
			cancel()
			t.Fatalf("%s: submitted_at: %v", tc.name, err)
		}
		deadline, err := types.ParseTime(review.Deadline)
		if err != nil {
			cancel()
			t.Fatalf("%s: deadline: %v", tc.name, err)
		}
		if got := deadline.Sub(submitted); got != tc.want {
			cancel()
			t.Fatalf("%s: expected window %v, got %v", tc.name, tc.want, got)
		}
		_ = a.Close(context.Background())
		cancel()
	}
}

func TestBuildRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("policy_id: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg := config.Defaults()
	cfg.PolicyPath = path
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected policy error")
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, _, err := OpenStore(context.Background(), config.DBConfig{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCloseStopsPool(t *testing.T) {
	a, err := Build(context.Background(), config.Defaults())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.Pool.Healthy() {
		t.Fatalf("expected pool stopped after close")
	}
}
