package policy

import (
	"strings"

	"github.com/davidahmann/quotegate/pkg/types"
)

type Input struct {
	PropertyType string
	State        string
	County       string
}

type RuleResult struct {
	RuleID     string
	Outcome    types.Outcome
	Reason     string
	ReasonCode string
}

// Evaluate applies the first matching rule to input.
func Evaluate(p Policy, input Input) (RuleResult, bool) {
	for _, rule := range p.Rules {
		if !matchRule(rule.Match, input) {
			continue
		}
		outcome, ok := types.ParseOutcome(rule.Effect.Outcome)
		if !ok {
			continue
		}
		return RuleResult{
			RuleID:     rule.ID,
			Outcome:    outcome,
			Reason:     rule.Effect.Reason,
			ReasonCode: "POLICY_MATCH:" + rule.ID,
		}, true
	}
	return RuleResult{}, false
}

func matchRule(match RuleMatch, input Input) bool {
	if match.PropertyType == "" && match.State == "" && match.County == "" {
		return false
	}
	if match.PropertyType != "" && !strings.EqualFold(match.PropertyType, input.PropertyType) {
		return false
	}
	if match.State != "" && !strings.EqualFold(match.State, input.State) {
		return false
	}
	if match.County != "" && !strings.EqualFold(match.County, input.County) {
		return false
	}
	return true
}
