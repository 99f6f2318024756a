package assessment

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/pkg/types"
)

// Trigger types raised by the rule assessor.
const (
	TriggerPropertyType    = "property_type"
	TriggerConstructionAge = "construction_age"
	TriggerWildfire        = "wildfire_risk"
	TriggerFlood           = "flood_risk"
)

// Eligibility deductions per trigger.
const (
	deductIneligibleType = 0.3
	deductPre1940        = 0.2
	deductHighHazard     = 0.3
	deductModerateFire   = 0.1
)

// topics are the passage keywords that let a citation support a trigger.
var topics = map[string][]string{
	TriggerPropertyType:    {"property type"},
	TriggerConstructionAge: {"1940", "old construction"},
	TriggerWildfire:        {"wildfire"},
	TriggerFlood:           {"flood"},
}

type Input struct {
	Policy     policy.Policy
	Submission types.Submission
	Enrichment types.EnrichmentResult
	Evidence   []types.EvidenceCitation
}

// Assessor is the Assess node's collaborator.
type Assessor interface {
	Assess(ctx context.Context, in Input) (types.Assessment, error)
}

type RuleAssessor struct{}

func (RuleAssessor) Assess(_ context.Context, in Input) (types.Assessment, error) {
	return Assess(in), nil
}

func Assess(in Input) types.Assessment {
	p := in.Policy
	sub := in.Submission
	score := p.Eligibility.Base
	var triggers []types.Trigger

	if !p.EligiblePropertyType(sub.PropertyType) {
		triggers = append(triggers, types.Trigger{
			Type:        TriggerPropertyType,
			Severity:    types.SeverityHigh,
			Description: fmt.Sprintf("property type %s may not be eligible", sub.PropertyType),
		})
		score -= deductIneligibleType
	}

	if sub.ConstructionYear > 0 && sub.ConstructionYear < 1940 {
		triggers = append(triggers, types.Trigger{
			Type:        TriggerConstructionAge,
			Severity:    types.SeverityMedium,
			Description: "property constructed before 1940 requires additional review",
		})
		score -= deductPre1940
	}

	wildfire := in.Enrichment.Hazards[types.HazardWildfire]
	switch {
	case wildfire > p.Hazard.High:
		triggers = append(triggers, types.Trigger{
			Type:        TriggerWildfire,
			Severity:    types.SeverityHigh,
			Description: "high wildfire risk detected",
		})
		score -= deductHighHazard
	case wildfire > p.Hazard.Moderate:
		triggers = append(triggers, types.Trigger{
			Type:        TriggerWildfire,
			Severity:    types.SeverityMedium,
			Description: "moderate wildfire risk detected",
		})
		score -= deductModerateFire
	}

	if in.Enrichment.Hazards[types.HazardFlood] > p.Hazard.High {
		triggers = append(triggers, types.Trigger{
			Type:        TriggerFlood,
			Severity:    types.SeverityHigh,
			Description: "high flood risk detected",
		})
		score -= deductHighHazard
	}

	for i := range triggers {
		triggers[i].Citations = supporting(triggers[i].Type, in.Evidence)
	}

	score = clamp(score)
	confidence := 0.6
	if len(in.Evidence) > 0 {
		confidence = 0.85
	}

	return types.Assessment{
		Eligibility: score,
		Triggers:    triggers,
		Citations:   in.Evidence,
		Confidence:  confidence,
		Reasoning:   reasoning(triggers, score),
	}
}

func supporting(triggerType string, evidence []types.EvidenceCitation) []types.EvidenceCitation {
	keywords := topics[triggerType]
	var out []types.EvidenceCitation
	for _, c := range evidence {
		text := strings.ToLower(c.Section + " " + c.Passage)
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func reasoning(triggers []types.Trigger, score float64) string {
	var parts []string
	if len(triggers) == 0 {
		parts = append(parts, "no significant risk factors identified")
	} else {
		descs := make([]string, 0, len(triggers))
		for _, t := range triggers {
			descs = append(descs, t.Description)
		}
		parts = append(parts, fmt.Sprintf("identified %d risk factors: %s", len(triggers), strings.Join(descs, ", ")))
	}
	parts = append(parts, fmt.Sprintf("eligibility score %.2f", score))
	return strings.Join(parts, "; ")
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
