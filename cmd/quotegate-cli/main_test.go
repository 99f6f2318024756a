package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/davidahmann/quotegate/internal/api"
	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/internal/review"
	"github.com/davidahmann/quotegate/internal/workflow"
)

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, err := workflow.New(workflow.Options{Store: ledger.NewInMemoryStore()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	server := httptest.NewServer(api.NewRouter(&api.Handler{Engine: engine, Reviews: review.NewGateway(engine)}))
	t.Cleanup(server.Close)
	return server
}

func writeSubmission(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "submission.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write submission: %v", err)
	}
	return path
}

var runIDPattern = regexp.MustCompile(`run_id=(\S+)`)

func runID(t *testing.T, out string) string {
	t.Helper()
	m := runIDPattern.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no run_id in %q", out)
	}
	return m[1]
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"quotegate-cli"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "quotegate CLI") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestSubmitAndAudit(t *testing.T) {
	server := newAPIServer(t)
	path := writeSubmission(t, `{"applicant_name":"Ada Lovelace","address":"1 Pine Rd, Boise, ID 83702","property_type":"single_family","coverage_amount":250000,"construction_year":1985}`)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"quotegate-cli", "submit", "--addr", server.URL, "--file", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("submit exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "status=completed") || !strings.Contains(stdout.String(), "outcome=ACCEPT") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	id := runID(t, stdout.String())

	stdout.Reset()
	if code := run([]string{"quotegate-cli", "audit", "--addr", server.URL, id}, &stdout, &stderr); code != 0 {
		t.Fatalf("audit exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "chain_valid=true") || !strings.Contains(stdout.String(), "StoreRun") {
		t.Fatalf("unexpected audit: %q", stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"quotegate-cli", "runs", "--addr", server.URL, "--outcome", "ACCEPT"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runs exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), id) {
		t.Fatalf("expected %s listed, got %q", id, stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"quotegate-cli", "stats", "--addr", server.URL}, &stdout, &stderr); code != 0 {
		t.Fatalf("stats exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"total":1`) {
		t.Fatalf("unexpected stats: %q", stdout.String())
	}

	out := filepath.Join(t.TempDir(), "packs", "run.zip")
	stdout.Reset()
	if code := run([]string{"quotegate-cli", "pack", "--addr", server.URL, "--out", out, id}, &stdout, &stderr); code != 0 {
		t.Fatalf("pack exited %d: %s", code, stderr.String())
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Fatalf("expected pack written: %v", err)
	}
}

func TestAnswerResumesRun(t *testing.T) {
	server := newAPIServer(t)
	path := writeSubmission(t, `{"applicant_name":"Ada Lovelace","property_type":"condo","coverage_amount":200000}`)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"quotegate-cli", "submit", "--addr", server.URL, "--file", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("submit exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "status=paused_missing_info") || !strings.Contains(stdout.String(), "field=address") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	id := runID(t, stdout.String())

	stdout.Reset()
	code := run([]string{"quotegate-cli", "answer", "--addr", server.URL, id, "address=1 Pine Rd, Boise, ID 83702"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("answer exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "status=completed") || !strings.Contains(stdout.String(), "retry_count=1") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}

	if code := run([]string{"quotegate-cli", "answer", "--addr", server.URL, id, "address"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected usage error for malformed answer, got %d", code)
	}
}

func TestReviewApprove(t *testing.T) {
	server := newAPIServer(t)
	path := writeSubmission(t, `{"applicant_name":"Ada Lovelace","address":"1 Pine Rd, Boise, ID 83702","property_type":"single_family","coverage_amount":600000,"construction_year":1985}`)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"quotegate-cli", "submit", "--addr", server.URL, "--file", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("submit exited %d: %s", code, stderr.String())
	}
	id := runID(t, stdout.String())

	stdout.Reset()
	if code := run([]string{"quotegate-cli", "review", "status", "--addr", server.URL, id}, &stdout, &stderr); code != 0 {
		t.Fatalf("review status exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"priority":"high"`) {
		t.Fatalf("unexpected review status: %q", stdout.String())
	}

	stdout.Reset()
	args := []string{"quotegate-cli", "review", "approve", "--addr", server.URL, "--decision", "ACCEPT", "--reviewer", "jane", id}
	if code := run(args, &stdout, &stderr); code != 0 {
		t.Fatalf("approve exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "final_decision=ACCEPT") {
		t.Fatalf("unexpected approval: %q", stdout.String())
	}

	stderr.Reset()
	if code := run(args, &stdout, &stderr); code != 1 {
		t.Fatalf("expected second approval to fail, got %d", code)
	}
	if !strings.Contains(stderr.String(), "already_reviewed") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestStatusNotFound(t *testing.T) {
	server := newAPIServer(t)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"quotegate-cli", "status", "--addr", server.URL, "missing"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not_found") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestSubmitRequiresFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"quotegate-cli", "submit"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
}

func TestPackServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	var stdout, stderr bytes.Buffer
	out := filepath.Join(t.TempDir(), "pack.zip")
	if code := run([]string{"quotegate-cli", "pack", "--addr", server.URL, "--out", out, "r1"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("expected no pack written")
	}
}

func TestPolicyLint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, policy.Default().Bytes, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"quotegate-cli", "policy", "lint", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("lint exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "policy_hash="+policy.Default().Hash) {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("policy_id: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if code := run([]string{"quotegate-cli", "policy", "lint", bad}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected lint failure, got %d", code)
	}
}
