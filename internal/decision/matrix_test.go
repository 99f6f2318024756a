package decision

import (
	"testing"

	"github.com/davidahmann/quotegate/internal/hazard"
	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/pkg/types"
)

const createdAt = "2026-10-01T12:00:00.000000Z"

func baseInput() Input {
	return Input{
		RunID:      "run-1",
		PolicyHash: "sha256:policy",
		Policy:     policy.Default().Policy,
		Submission: types.Submission{
			ApplicantName:    "Ada Lovelace",
			Address:          "1 Pine Rd, Boise, ID 83702",
			PropertyType:     "single_family",
			CoverageAmount:   250000,
			ConstructionYear: 1985,
		},
		Enrichment: types.EnrichmentResult{
			Address: types.NormalizedAddress{City: "Boise", State: "ID", County: hazard.UnknownCounty},
			Hazards: hazard.Scores(hazard.UnknownCounty),
		},
		Assessment: types.Assessment{Eligibility: 0.85, Confidence: 0.85},
		CreatedAt:  createdAt,
	}
}

func mustDecide(t *testing.T, in Input) Result {
	t.Helper()
	res, err := Decide(in)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	return res
}

func TestDecideAcceptsCleanSubmission(t *testing.T) {
	res := mustDecide(t, baseInput())
	if res.Decision.Outcome != types.OutcomeAccept {
		t.Fatalf("expected ACCEPT, got %s (%s)", res.Decision.Outcome, res.Decision.Reason)
	}
	if res.Review != nil {
		t.Fatalf("expected no review, got %+v", res.Review)
	}
	if res.Decision.DecisionID == "" || res.Decision.DecidedBy != types.DecidedByEngine {
		t.Fatalf("unexpected decision metadata: %+v", res.Decision)
	}
}

func TestDecideAcceptAcrossCoverageRange(t *testing.T) {
	for _, cov := range []float64{100000, 175000, 320000.5, 500000} {
		in := baseInput()
		in.Submission.CoverageAmount = cov
		for _, elig := range []float64{0.7, 0.8, 1.0} {
			in.Assessment.Eligibility = elig
			res := mustDecide(t, in)
			if res.Decision.Outcome != types.OutcomeAccept || res.Review != nil {
				t.Fatalf("coverage %v eligibility %v: got %s review=%v", cov, elig, res.Decision.Outcome, res.Review)
			}
		}
	}
}

func TestDecideCoverageAboveMaxRefersToReview(t *testing.T) {
	in := baseInput()
	in.Submission.CoverageAmount = 600000
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer {
		t.Fatalf("expected REFER, got %s", res.Decision.Outcome)
	}
	if res.Review == nil {
		t.Fatalf("expected review route")
	}
	if res.Review.Team != "underwriting_team" || res.Review.Priority != types.PriorityHigh {
		t.Fatalf("unexpected review route: %+v", res.Review)
	}
	if !res.Decision.OverriddenBy(types.OverrideCoverageThreshold) {
		t.Fatalf("expected coverage override tag")
	}
}

func TestDecideCoverageBelowMinRefersToReview(t *testing.T) {
	in := baseInput()
	in.Submission.CoverageAmount = 50000
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer || res.Review == nil {
		t.Fatalf("expected REFER with review, got %s review=%v", res.Decision.Outcome, res.Review)
	}
}

func TestDecideCoverageBelowMinDeclinePolicy(t *testing.T) {
	in := baseInput()
	in.Policy.Coverage.BelowMin = policy.BelowMinDecline
	in.Submission.CoverageAmount = 50000
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeDecline {
		t.Fatalf("expected DECLINE, got %s", res.Decision.Outcome)
	}
	if res.Review == nil || res.Review.Priority != types.PriorityHigh {
		t.Fatalf("threshold decline should still route to review: %+v", res.Review)
	}
}

func TestDecideCoverageOverrideBeatsDecline(t *testing.T) {
	in := baseInput()
	in.Submission.CoverageAmount = 600000
	in.Assessment = types.Assessment{
		Eligibility: 0.25,
		Triggers:    []types.Trigger{{Type: "flood_risk", Severity: types.SeverityHigh, Citations: []types.EvidenceCitation{{DocID: "flood_guidelines"}}}},
	}
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer || res.Review == nil {
		t.Fatalf("expected REFER with review, got %s review=%v", res.Decision.Outcome, res.Review)
	}
	if res.Decision.Overrides[0].OriginalOutcome != types.OutcomeDecline {
		t.Fatalf("override should record matrix DECLINE: %+v", res.Decision.Overrides)
	}
}

func TestDecideDeclineOutranksRefer(t *testing.T) {
	in := baseInput()
	in.Assessment = types.Assessment{
		Eligibility: 0.6,
		Triggers: []types.Trigger{
			{Type: "construction_age", Severity: types.SeverityMedium},
			{Type: "flood_risk", Severity: types.SeverityHigh, Citations: []types.EvidenceCitation{{DocID: "flood_guidelines"}}},
		},
	}
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeDecline {
		t.Fatalf("expected DECLINE, got %s", res.Decision.Outcome)
	}
	if res.Review != nil {
		t.Fatalf("trigger-driven decline must not route to review")
	}
}

func TestDecideEligibilityBandRoutesToReview(t *testing.T) {
	in := baseInput()
	in.Assessment.Eligibility = 0.55
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer {
		t.Fatalf("expected REFER, got %s", res.Decision.Outcome)
	}
	if res.Review == nil || res.Review.Priority != types.PriorityMedium {
		t.Fatalf("expected medium-priority review, got %+v", res.Review)
	}
}

func TestDecideEligibilityBelowMinDeclines(t *testing.T) {
	in := baseInput()
	in.Assessment.Eligibility = 0.4
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeDecline || res.Review != nil {
		t.Fatalf("expected DECLINE without review, got %s review=%v", res.Decision.Outcome, res.Review)
	}
}

func TestDecideGuardrailOverridesMatrix(t *testing.T) {
	in := baseInput()
	in.Assessment = types.Assessment{
		Eligibility: 0.55,
		Triggers:    []types.Trigger{{Type: "wildfire_risk", Severity: types.SeverityHigh}},
	}
	in.Guardrail = types.GuardrailOutcome{Fired: true, Reason: "citation_missing", Triggers: []string{"wildfire_risk"}}
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer {
		t.Fatalf("expected REFER, got %s", res.Decision.Outcome)
	}
	if !res.Decision.OverriddenBy(types.OverrideCitationMissing) {
		t.Fatalf("expected citation_missing override tag: %+v", res.Decision.Overrides)
	}
	if res.Review == nil {
		t.Fatalf("band eligibility should route forced referral to review")
	}
}

func TestDecideGuardrailBeatsAccept(t *testing.T) {
	in := baseInput()
	in.Guardrail = types.GuardrailOutcome{Fired: true, Reason: "citation_missing"}
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer {
		t.Fatalf("expected REFER, got %s", res.Decision.Outcome)
	}
	if res.Decision.Overrides[0].OriginalOutcome != types.OutcomeAccept {
		t.Fatalf("expected original ACCEPT, got %+v", res.Decision.Overrides[0])
	}
	if res.Review != nil {
		t.Fatalf("in-range coverage with accept-level eligibility completes without review")
	}
}

func TestDecideHazardRows(t *testing.T) {
	in := baseInput()
	in.Enrichment.Hazards = hazard.Scores("Sacramento County")
	in.Enrichment.Hazards[types.HazardFlood] = 0.6
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer {
		t.Fatalf("moderate flood should REFER, got %s", res.Decision.Outcome)
	}

	in.Enrichment.Hazards[types.HazardFlood] = 0.75
	res = mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeDecline {
		t.Fatalf("high flood should DECLINE, got %s", res.Decision.Outcome)
	}

	in.Enrichment.Hazards[types.HazardFlood] = 0.2
	in.Enrichment.Hazards[types.HazardEarthquake] = 0.95
	res = mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeAccept {
		t.Fatalf("perils outside the matrix list should not affect outcome, got %s", res.Decision.Outcome)
	}
}

func TestDecideMissingInfoLists(t *testing.T) {
	in := baseInput()
	in.Policy.MissingInfo.Refer = []string{types.OptionalRoofType}
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeRefer {
		t.Fatalf("expected REFER for missing roof type, got %s", res.Decision.Outcome)
	}

	in.Submission.Optional = map[string]any{types.OptionalRoofType: "tile"}
	res = mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeAccept {
		t.Fatalf("expected ACCEPT once roof type present, got %s", res.Decision.Outcome)
	}

	in.Policy.MissingInfo.Decline = []string{types.OptionalSquareFootage}
	res = mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeDecline {
		t.Fatalf("expected DECLINE for critical missing info, got %s", res.Decision.Outcome)
	}
}

func TestDecidePolicyRule(t *testing.T) {
	in := baseInput()
	in.Submission.PropertyType = "mobile_home"
	res := mustDecide(t, in)
	if res.Decision.Outcome != types.OutcomeDecline {
		t.Fatalf("expected rule DECLINE, got %s", res.Decision.Outcome)
	}
	found := false
	for _, c := range res.Decision.ReasonCodes {
		if c == "POLICY_MATCH:mobile-home-decline" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected policy match code, got %v", res.Decision.ReasonCodes)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	a := mustDecide(t, baseInput())
	b := mustDecide(t, baseInput())
	if a.Decision.DecisionID != b.Decision.DecisionID {
		t.Fatalf("decision id not deterministic")
	}
	in := baseInput()
	in.Submission.CoverageAmount = 600000
	c := mustDecide(t, in)
	if a.Decision.DecisionID == c.Decision.DecisionID {
		t.Fatalf("decision id should change with outcome")
	}
}
