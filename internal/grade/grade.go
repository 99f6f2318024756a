package grade

import (
	"sort"

	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/pkg/types"
)

type Result struct {
	Grade   string   `json:"grade"`
	Reasons []string `json:"reasons"`
}

// Evaluate grades how well a run's audit trail supports its outcome. The
// run must carry its log.
func Evaluate(run types.RunRecord) Result {
	flags := map[string]bool{}

	if err := ledger.VerifyChain(run.Log); err != nil || len(run.Log) == 0 {
		flags["chain_broken"] = true
	}
	if run.PolicyHash == "" {
		flags["missing_policy_hash"] = true
	}
	if run.Status == types.RunFailed {
		flags["failed"] = true
	}
	if run.Status.Paused() {
		flags["review_pending"] = true
	}
	if run.State.Guardrail != nil && run.State.Guardrail.Fired {
		flags["guardrail_fired"] = true
	}
	if a := run.State.Assessment; a != nil {
		if len(a.UncitedHighSeverity()) > 0 {
			flags["missing_citations"] = true
		}
		if len(run.State.Evidence) == 0 {
			flags["missing_evidence"] = true
		}
	}
	if run.Decision != nil && run.Decision.AssessmentRef == "" {
		flags["missing_assessment_ref"] = true
	}

	// Heuristic grading.
	grade := "A"
	switch {
	case flags["chain_broken"] || flags["missing_policy_hash"]:
		grade = "F"
	case flags["failed"]:
		grade = "D"
	case flags["review_pending"]:
		grade = "C"
	case flags["guardrail_fired"] || flags["missing_citations"] || flags["missing_evidence"] || flags["missing_assessment_ref"]:
		grade = "B"
	}

	reasons := []string{}
	for k, v := range flags {
		if v {
			reasons = append(reasons, k)
		}
	}
	sort.Strings(reasons)
	return Result{Grade: grade, Reasons: reasons}
}
