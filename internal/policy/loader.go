package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/davidahmann/quotegate/internal/crypto"
	"github.com/davidahmann/quotegate/pkg/types"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultPolicy []byte

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// LoadPolicy loads a YAML policy and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (LoadedPolicy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LoadedPolicy{}, err
	}
	if err := p.Validate(); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}

// Default returns the built-in underwriting policy.
func Default() LoadedPolicy {
	loaded, err := Parse(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("embedded policy: %v", err))
	}
	return loaded
}

func (p Policy) Validate() error {
	if p.PolicyID == "" {
		return fmt.Errorf("policy_id is required")
	}
	e := p.Eligibility
	if e.ReferMin < 0 || e.AcceptMin > 1 || e.ReferMin > e.AcceptMin {
		return fmt.Errorf("eligibility thresholds must satisfy 0 <= refer_min <= accept_min <= 1")
	}
	if e.Base <= 0 || e.Base > 1 {
		return fmt.Errorf("eligibility.base must be in (0, 1]")
	}
	if p.Coverage.Min <= 0 || p.Coverage.Max < p.Coverage.Min {
		return fmt.Errorf("coverage bounds must satisfy 0 < min <= max")
	}
	switch p.Coverage.BelowMin {
	case BelowMinRefer, BelowMinDecline:
	default:
		return fmt.Errorf("coverage.below_min must be refer or decline")
	}
	if p.Hazard.Moderate <= 0 || p.Hazard.High < p.Hazard.Moderate {
		return fmt.Errorf("hazard thresholds must satisfy 0 < moderate <= high")
	}
	for _, peril := range p.Hazard.Perils {
		if !knownHazard(peril) {
			return fmt.Errorf("hazard.perils: unknown peril %q", peril)
		}
	}
	if p.Review.Team == "" {
		return fmt.Errorf("review.team is required")
	}
	if p.Review.SLAHours < 0 {
		return fmt.Errorf("review.sla_hours must not be negative")
	}
	for _, prio := range []string{p.Review.CoveragePriority, p.Review.EligibilityPriority} {
		switch types.Priority(prio) {
		case types.PriorityLow, types.PriorityMedium, types.PriorityHigh:
		default:
			return fmt.Errorf("review priority %q must be low, medium or high", prio)
		}
	}
	seen := map[string]struct{}{}
	for _, rule := range p.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule id is required")
		}
		if _, ok := seen[rule.ID]; ok {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if _, ok := types.ParseOutcome(rule.Effect.Outcome); !ok {
			return fmt.Errorf("rule %s: unknown outcome %q", rule.ID, rule.Effect.Outcome)
		}
		if strings.TrimSpace(rule.Effect.Reason) == "" {
			return fmt.Errorf("rule %s: reason is required", rule.ID)
		}
	}
	return nil
}

func knownHazard(name string) bool {
	for _, h := range types.Hazards {
		if string(h) == name {
			return true
		}
	}
	return false
}
