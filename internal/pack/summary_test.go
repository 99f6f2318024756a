package pack

import (
	"strings"
	"testing"
)

func TestBuildSummaryIncludesLinksAndHTML(t *testing.T) {
	run, policyYAML := reviewedRun(t, 600000)
	summary, htmlBytes, err := BuildSummary(Input{Run: run, Policy: policyYAML, CreatedAt: "2026-10-01T00:00:00.000000Z"}, "https://quotes.example.com/")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.RunURL != "https://quotes.example.com/v1/runs/"+run.RunID || summary.PackURL == "" {
		t.Fatalf("unexpected links %q %q", summary.RunURL, summary.PackURL)
	}
	if summary.Grade != "C" || summary.Outcome != "REFER" || len(summary.Overrides) == 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !strings.Contains(string(htmlBytes), "underwriting_team") || !strings.Contains(string(htmlBytes), "$600,000.00") {
		t.Fatalf("html missing review details:\n%s", htmlBytes)
	}
}

func TestBuildSummaryNoLinksWhenNoBaseURL(t *testing.T) {
	run, policyYAML := reviewedRun(t, 250000)
	summary, htmlBytes, err := BuildSummary(Input{Run: run, Policy: policyYAML}, "")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.RunURL != "" || summary.PackURL != "" {
		t.Fatalf("expected no links")
	}
	if summary.Outcome != "ACCEPT" || summary.Premium == "" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(htmlBytes) == 0 || strings.Contains(string(htmlBytes), "<a href") {
		t.Fatalf("unexpected html")
	}
}
