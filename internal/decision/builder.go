package decision

import (
	"fmt"

	"github.com/davidahmann/quotegate/internal/crypto"
	"github.com/davidahmann/quotegate/pkg/types"
)

const DecisionSchema = "quotegate.decision.v1"

// BuildID computes the content-addressed decision_id.
func BuildID(runID, policyHash string, d types.Decision) (string, error) {
	overrides := make([]any, 0, len(d.Overrides))
	for _, o := range d.Overrides {
		overrides = append(overrides, map[string]any{
			"kind":             string(o.Kind),
			"original_outcome": string(o.OriginalOutcome),
			"reason":           o.Reason,
		})
	}
	codes := make([]any, 0, len(d.ReasonCodes))
	for _, c := range d.ReasonCodes {
		codes = append(codes, c)
	}

	view := map[string]any{
		"schema":         DecisionSchema,
		"run_id":         runID,
		"policy_hash":    policyHash,
		"created_at":     d.CreatedAt,
		"outcome":        string(d.Outcome),
		"reason_codes":   codes,
		"overrides":      overrides,
		"assessment_ref": d.AssessmentRef,
		"premium_ref":    d.PremiumRef,
		"decided_by":     string(d.DecidedBy),
	}

	canonical, err := crypto.Canonicalize(view)
	if err != nil {
		return "", err
	}
	return crypto.DigestWithPrefix(canonical), nil
}

// Finalize builds the reviewer's decision from the engine decision it
// replaces. A changed outcome is tagged as a reviewer override.
func Finalize(runID, policyHash string, prior types.Decision, final types.Outcome, reviewer, notes, createdAt string) (types.Decision, error) {
	d := types.Decision{
		Outcome:       final,
		Confidence:    1,
		Reason:        fmt.Sprintf("reviewed by %s", reviewer),
		ReasonCodes:   append([]string(nil), prior.ReasonCodes...),
		Overrides:     append([]types.DecisionOverride(nil), prior.Overrides...),
		AssessmentRef: prior.AssessmentRef,
		PremiumRef:    prior.PremiumRef,
		DecidedBy:     types.DecidedByReviewer,
		CreatedAt:     createdAt,
	}
	if notes != "" {
		d.Reason += ": " + notes
	}
	if final != prior.Outcome {
		d.ReasonCodes = append(d.ReasonCodes, CodeReviewerOverride)
		d.Overrides = append(d.Overrides, types.DecisionOverride{
			Kind:            types.OverrideReviewer,
			OriginalOutcome: prior.Outcome,
			Reason:          d.Reason,
		})
	}

	id, err := BuildID(runID, policyHash, d)
	if err != nil {
		return types.Decision{}, err
	}
	d.DecisionID = id
	return d, nil
}
