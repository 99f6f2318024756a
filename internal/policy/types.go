package policy

import "github.com/davidahmann/quotegate/pkg/types"

type Policy struct {
	PolicyID      string            `yaml:"policy_id"`
	PolicyVersion string            `yaml:"policy_version"`
	Eligibility   EligibilityPolicy `yaml:"eligibility"`
	Coverage      CoveragePolicy    `yaml:"coverage"`
	Hazard        HazardPolicy      `yaml:"hazard"`
	PropertyTypes []string          `yaml:"property_types"`
	MissingInfo   MissingInfoPolicy `yaml:"missing_info"`
	Review        ReviewPolicy      `yaml:"review"`
	Retrieval     RetrievalPolicy   `yaml:"retrieval"`
	Rules         []Rule            `yaml:"rules"`
}

type EligibilityPolicy struct {
	Base      float64 `yaml:"base"`
	AcceptMin float64 `yaml:"accept_min"`
	ReferMin  float64 `yaml:"refer_min"`
}

const (
	BelowMinRefer   = "refer"
	BelowMinDecline = "decline"
)

type CoveragePolicy struct {
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	BelowMin string  `yaml:"below_min"`
}

type HazardPolicy struct {
	Moderate float64  `yaml:"moderate"`
	High     float64  `yaml:"high"`
	Perils   []string `yaml:"perils"`
}

// MissingInfoPolicy names optional submission fields whose absence moves the
// outcome to REFER or DECLINE.
type MissingInfoPolicy struct {
	Refer   []string `yaml:"refer"`
	Decline []string `yaml:"decline"`
}

type ReviewPolicy struct {
	Team                string `yaml:"team"`
	SLAHours            int    `yaml:"sla_hours"`
	CoveragePriority    string `yaml:"coverage_priority"`
	EligibilityPriority string `yaml:"eligibility_priority"`
}

type RetrievalPolicy struct {
	TopK int `yaml:"top_k"`
}

type Rule struct {
	ID     string     `yaml:"id"`
	Match  RuleMatch  `yaml:"match"`
	Effect RuleEffect `yaml:"effect"`
}

type RuleMatch struct {
	PropertyType string `yaml:"property_type"`
	State        string `yaml:"state"`
	County       string `yaml:"county"`
}

type RuleEffect struct {
	Outcome string `yaml:"outcome"`
	Reason  string `yaml:"reason"`
}

// EligiblePropertyType reports whether t is on the eligible list.
func (p Policy) EligiblePropertyType(t string) bool {
	for _, allowed := range p.PropertyTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// HazardPerils returns the perils the decision matrix inspects, defaulting
// to all of them.
func (p Policy) HazardPerils() []types.Hazard {
	if len(p.Hazard.Perils) == 0 {
		return types.Hazards
	}
	out := make([]types.Hazard, 0, len(p.Hazard.Perils))
	for _, name := range p.Hazard.Perils {
		out = append(out, types.Hazard(name))
	}
	return out
}
