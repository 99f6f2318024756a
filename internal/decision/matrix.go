package decision

import (
	"fmt"
	"strings"

	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/internal/rating"
	"github.com/davidahmann/quotegate/pkg/types"
)

// Reason codes recorded on decisions.
const (
	CodeEligibilityBand     = "ELIGIBILITY_BAND"
	CodeEligibilityBelowMin = "ELIGIBILITY_BELOW_MIN"
	CodeMediumTrigger       = "MEDIUM_SEVERITY_TRIGGER"
	CodeHighTrigger         = "HIGH_SEVERITY_TRIGGER"
	CodeOptionalMissing     = "OPTIONAL_INFO_MISSING"
	CodeCriticalMissing     = "CRITICAL_INFO_MISSING"
	CodeModerateHazard      = "MODERATE_HAZARD"
	CodeHighHazard          = "HIGH_HAZARD"
	CodeCoverageAboveMax    = "COVERAGE_ABOVE_MAX"
	CodeCoverageBelowMin    = "COVERAGE_BELOW_MIN"
	CodeCitationMissing     = "CITATION_MISSING"
	CodeReviewerOverride    = "REVIEWER_OVERRIDE"
)

// thresholdDeclines are the decline codes a reviewer may overturn.
var thresholdDeclines = map[string]bool{
	CodeEligibilityBelowMin: true,
	CodeHighHazard:          true,
	CodeCoverageBelowMin:    true,
}

type Input struct {
	RunID         string
	PolicyHash    string
	Policy        policy.Policy
	Submission    types.Submission
	Enrichment    types.EnrichmentResult
	Assessment    types.Assessment
	Guardrail     types.GuardrailOutcome
	AssessmentRef string
	PremiumRef    string
	CreatedAt     string
}

type ReviewRoute struct {
	Team     string         `json:"team"`
	Priority types.Priority `json:"priority"`
	Reason   string         `json:"reason"`
	SLAHours int            `json:"sla_hours"`
}

type Result struct {
	Decision types.Decision `json:"decision"`
	Review   *ReviewRoute   `json:"review,omitempty"`
}

type finding struct {
	outcome types.Outcome
	code    string
	reason  string
}

// Decide applies the decision matrix. The stricter matrix row wins; the
// coverage and citation overrides then force REFER over any matrix result.
func Decide(in Input) (Result, error) {
	p := in.Policy
	a := in.Assessment
	sub := in.Submission

	findings := matrixFindings(in)

	outcome := types.OutcomeAccept
	for _, f := range findings {
		if f.outcome.Rank() > outcome.Rank() {
			outcome = f.outcome
		}
	}
	matrixOutcome := outcome

	var overrides []types.DecisionOverride
	coverageOut := sub.CoverageAmount > p.Coverage.Max || sub.CoverageAmount < p.Coverage.Min
	coverageRefer := sub.CoverageAmount > p.Coverage.Max ||
		(sub.CoverageAmount < p.Coverage.Min && p.Coverage.BelowMin == policy.BelowMinRefer)
	if coverageRefer {
		code := CodeCoverageAboveMax
		if sub.CoverageAmount < p.Coverage.Min {
			code = CodeCoverageBelowMin
		}
		findings = append(findings, finding{outcome: types.OutcomeRefer, code: code, reason: coverageReason(sub.CoverageAmount, p)})
		overrides = append(overrides, types.DecisionOverride{
			Kind:            types.OverrideCoverageThreshold,
			OriginalOutcome: matrixOutcome,
			Reason:          coverageReason(sub.CoverageAmount, p),
		})
		outcome = types.OutcomeRefer
	}

	if in.Guardrail.Fired {
		reason := in.Guardrail.Reason
		if reason == "" {
			reason = string(types.OverrideCitationMissing)
		}
		findings = append(findings, finding{outcome: types.OutcomeRefer, code: CodeCitationMissing, reason: "high-severity trigger without supporting citation"})
		overrides = append(overrides, types.DecisionOverride{
			Kind:            types.OverrideCitationMissing,
			OriginalOutcome: matrixOutcome,
			Reason:          reason,
		})
		outcome = types.OutcomeRefer
	}

	codes := make([]string, 0, len(findings))
	reasons := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.code)
		reasons = append(reasons, f.reason)
	}
	reason := "meets all acceptance criteria"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	d := types.Decision{
		Outcome:       outcome,
		Confidence:    a.Confidence,
		Reason:        reason,
		ReasonCodes:   codes,
		Overrides:     overrides,
		AssessmentRef: in.AssessmentRef,
		PremiumRef:    in.PremiumRef,
		DecidedBy:     types.DecidedByEngine,
		CreatedAt:     in.CreatedAt,
	}
	id, err := BuildID(in.RunID, in.PolicyHash, d)
	if err != nil {
		return Result{}, err
	}
	d.DecisionID = id

	res := Result{Decision: d}
	if reviewEligible(outcome, findings) {
		inBand := a.Eligibility >= p.Eligibility.ReferMin && a.Eligibility < p.Eligibility.AcceptMin
		switch {
		case coverageOut:
			res.Review = &ReviewRoute{
				Team:     p.Review.Team,
				Priority: types.Priority(p.Review.CoveragePriority),
				Reason:   coverageReason(sub.CoverageAmount, p),
				SLAHours: p.Review.SLAHours,
			}
		case inBand:
			res.Review = &ReviewRoute{
				Team:     p.Review.Team,
				Priority: types.Priority(p.Review.EligibilityPriority),
				Reason:   fmt.Sprintf("eligibility %.2f in referral band [%.2f, %.2f)", a.Eligibility, p.Eligibility.ReferMin, p.Eligibility.AcceptMin),
				SLAHours: p.Review.SLAHours,
			}
		}
	}
	return res, nil
}

func matrixFindings(in Input) []finding {
	p := in.Policy
	a := in.Assessment
	var out []finding

	switch {
	case a.Eligibility < p.Eligibility.ReferMin:
		out = append(out, finding{types.OutcomeDecline, CodeEligibilityBelowMin,
			fmt.Sprintf("eligibility %.2f below %.2f", a.Eligibility, p.Eligibility.ReferMin)})
	case a.Eligibility < p.Eligibility.AcceptMin:
		out = append(out, finding{types.OutcomeRefer, CodeEligibilityBand,
			fmt.Sprintf("eligibility %.2f below %.2f", a.Eligibility, p.Eligibility.AcceptMin)})
	}

	if a.HasSeverity(types.SeverityHigh) {
		out = append(out, finding{types.OutcomeDecline, CodeHighTrigger, "high-severity underwriting trigger"})
	}
	if a.HasSeverity(types.SeverityMedium) {
		out = append(out, finding{types.OutcomeRefer, CodeMediumTrigger, "medium-severity underwriting trigger"})
	}

	if missing := missingOptional(in.Submission, p.MissingInfo.Decline); len(missing) > 0 {
		out = append(out, finding{types.OutcomeDecline, CodeCriticalMissing, "critical information missing: " + strings.Join(missing, ", ")})
	}
	if missing := missingOptional(in.Submission, p.MissingInfo.Refer); len(missing) > 0 {
		out = append(out, finding{types.OutcomeRefer, CodeOptionalMissing, "optional information missing: " + strings.Join(missing, ", ")})
	}

	var high, moderate []string
	for _, peril := range p.HazardPerils() {
		score := in.Enrichment.Hazards[peril]
		switch {
		case score > p.Hazard.High:
			high = append(high, string(peril))
		case score > p.Hazard.Moderate:
			moderate = append(moderate, string(peril))
		}
	}
	if len(high) > 0 {
		out = append(out, finding{types.OutcomeDecline, CodeHighHazard, "high hazard: " + strings.Join(high, ", ")})
	}
	if len(moderate) > 0 {
		out = append(out, finding{types.OutcomeRefer, CodeModerateHazard, "moderate hazard: " + strings.Join(moderate, ", ")})
	}

	if in.Submission.CoverageAmount < p.Coverage.Min && p.Coverage.BelowMin == policy.BelowMinDecline {
		out = append(out, finding{types.OutcomeDecline, CodeCoverageBelowMin, coverageReason(in.Submission.CoverageAmount, p)})
	}

	if rule, ok := policy.Evaluate(p, policy.Input{
		PropertyType: in.Submission.PropertyType,
		State:        in.Enrichment.Address.State,
		County:       in.Enrichment.Address.County,
	}); ok {
		out = append(out, finding{rule.Outcome, rule.ReasonCode, rule.Reason})
	}

	return out
}

// reviewEligible is true for REFER and for DECLINE driven only by numeric
// thresholds.
func reviewEligible(outcome types.Outcome, findings []finding) bool {
	switch outcome {
	case types.OutcomeRefer:
		return true
	case types.OutcomeDecline:
		for _, f := range findings {
			if f.outcome == types.OutcomeDecline && !thresholdDeclines[f.code] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func missingOptional(sub types.Submission, fields []string) []string {
	var out []string
	for _, f := range fields {
		if !sub.HasOptional(f) {
			out = append(out, f)
		}
	}
	return out
}

func coverageReason(amount float64, p policy.Policy) string {
	return fmt.Sprintf("coverage %s outside standard range %s to %s",
		rating.FormatUSD(amount), rating.FormatUSD(p.Coverage.Min), rating.FormatUSD(p.Coverage.Max))
}
