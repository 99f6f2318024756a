package types

import (
	"math"
	"strings"
)

type Outcome string

const (
	OutcomeAccept  Outcome = "ACCEPT"
	OutcomeRefer   Outcome = "REFER"
	OutcomeDecline Outcome = "DECLINE"
)

// ParseOutcome accepts the three outcomes case-insensitively; REJECT is read as DECLINE.
func ParseOutcome(s string) (Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPT":
		return OutcomeAccept, true
	case "REFER":
		return OutcomeRefer, true
	case "DECLINE", "REJECT":
		return OutcomeDecline, true
	default:
		return "", false
	}
}

// Rank orders outcomes so that the stricter one wins when rows disagree.
func (o Outcome) Rank() int {
	switch o {
	case OutcomeDecline:
		return 2
	case OutcomeRefer:
		return 1
	default:
		return 0
	}
}

type OverrideKind string

const (
	OverrideCitationMissing   OverrideKind = "citation_missing"
	OverrideCoverageThreshold OverrideKind = "coverage_threshold"
	OverrideReviewer          OverrideKind = "reviewer"
)

// DecisionOverride tags a decision that was forced away from the matrix result.
type DecisionOverride struct {
	Kind            OverrideKind `json:"kind"`
	OriginalOutcome Outcome      `json:"original_outcome"`
	Reason          string       `json:"reason"`
}

type DecidedBy string

const (
	DecidedByEngine   DecidedBy = "engine"
	DecidedByReviewer DecidedBy = "reviewer"
)

type Decision struct {
	DecisionID    string             `json:"decision_id"`
	Outcome       Outcome            `json:"outcome"`
	Confidence    float64            `json:"confidence"`
	Reason        string             `json:"reason"`
	ReasonCodes   []string           `json:"reason_codes,omitempty"`
	Overrides     []DecisionOverride `json:"overrides,omitempty"`
	AssessmentRef string             `json:"assessment_ref,omitempty"`
	PremiumRef    string             `json:"premium_ref,omitempty"`
	DecidedBy     DecidedBy          `json:"decided_by"`
	CreatedAt     string             `json:"created_at"`
}

// OverriddenBy reports whether an override of the given kind was applied.
func (d Decision) OverriddenBy(kind OverrideKind) bool {
	for _, o := range d.Overrides {
		if o.Kind == kind {
			return true
		}
	}
	return false
}

type RatingFactor struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
	Subtotal   float64 `json:"subtotal"`
}

type Premium struct {
	Base           float64        `json:"base"`
	Annual         float64        `json:"annual"`
	Monthly        float64        `json:"monthly"`
	CoverageAmount float64        `json:"coverage_amount"`
	Factors        []RatingFactor `json:"factors"`
}

// Reconciles checks that base × Π multipliers equals Annual within tol.
func (p Premium) Reconciles(tol float64) bool {
	total := p.Base
	for _, f := range p.Factors {
		total *= f.Multiplier
	}
	return math.Abs(total-p.Annual) <= tol
}
