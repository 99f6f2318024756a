package pack

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/internal/workflow"
	"github.com/davidahmann/quotegate/pkg/types"
)

func reviewedRun(t *testing.T, coverage float64) (types.RunRecord, []byte) {
	t.Helper()
	engine, err := workflow.New(workflow.Options{Store: ledger.NewInMemoryStore()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	res, err := engine.Submit(context.Background(), workflow.SubmitRequest{
		Submission: types.Submission{
			ApplicantName:    "Ada Lovelace",
			Address:          "1 Pine Rd, Boise, ID 83702",
			PropertyType:     "single_family",
			CoverageAmount:   coverage,
			ConstructionYear: 1985,
		},
		Agentic: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	run, err := engine.Get(context.Background(), res.Run.RunID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return run, policy.Default().Bytes
}

func TestBuildZipIncludesArtifacts(t *testing.T) {
	run, policyYAML := reviewedRun(t, 600000)
	zipBytes, err := BuildZip(Input{Run: run, Policy: policyYAML, CreatedAt: "2026-10-01T00:00:00.000000Z"}, "http://localhost:8080")
	if err != nil {
		t.Fatalf("build zip: %v", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("zip reader: %v", err)
	}

	expected := map[string]bool{
		"run.json":       false,
		"log.jsonl":      false,
		"policy.yaml":    false,
		"review.json":    false,
		"summary.json":   false,
		"summary.html":   false,
		"manifest.json":  false,
		"sha256sums.txt": false,
	}
	var sums string
	for _, file := range reader.File {
		if _, ok := expected[file.Name]; ok {
			expected[file.Name] = true
		}
		if file.Name == "sha256sums.txt" {
			rc, err := file.Open()
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			sums = string(data)
		}
	}
	for name, seen := range expected {
		if !seen {
			t.Fatalf("missing %s", name)
		}
	}
	if !strings.Contains(sums, "  manifest.json\n") || !strings.Contains(sums, "  log.jsonl\n") {
		t.Fatalf("unexpected sha256sums:\n%s", sums)
	}
}

func TestBuildFilesLogIsOneEntryPerLine(t *testing.T) {
	run, policyYAML := reviewedRun(t, 250000)
	files, err := BuildFiles(Input{Run: run, Policy: policyYAML}, "")
	if err != nil {
		t.Fatalf("build files: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(files["log.jsonl"])), "\n")
	if len(lines) != len(run.Log) {
		t.Fatalf("expected %d log lines, got %d", len(run.Log), len(lines))
	}
	if _, ok := files["review.json"]; ok {
		t.Fatalf("review.json written for a run without review")
	}
}

func TestBuildFilesRequiresPolicy(t *testing.T) {
	_, err := BuildFiles(Input{Run: types.RunRecord{RunID: "run-1"}}, "")
	if err == nil {
		t.Fatalf("expected error for missing policy")
	}
	if _, err := BuildFiles(Input{Policy: []byte("x")}, ""); err == nil {
		t.Fatalf("expected error for missing run")
	}
}

func TestWriteZip(t *testing.T) {
	files := map[string][]byte{
		"b.txt": []byte("bravo"),
		"a.txt": []byte("alpha"),
	}
	buf := bytes.NewBuffer(nil)
	if err := WriteZip(buf, files); err != nil {
		t.Fatalf("write zip: %v", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip reader: %v", err)
	}
	if len(reader.File) != 2 || reader.File[0].Name != "a.txt" {
		t.Fatalf("expected 2 files in name order, got %d", len(reader.File))
	}
}
