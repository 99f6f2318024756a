package rating

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/davidahmann/quotegate/pkg/types"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// BaseRatePerThousand is charged per $1,000 of coverage.
const BaseRatePerThousand = 2.50

// ReconcileTolerance bounds the gap between the factor product and the
// rounded annual premium.
const ReconcileTolerance = 0.01

const (
	FactorPropertyType    = "property_type"
	FactorConstructionAge = "construction_age"
	FactorHazardLoad      = "hazard_load"
)

var propertyMultipliers = map[string]float64{
	"single_family": 1.0,
	"condo":         0.8,
	"townhouse":     0.9,
	"commercial":    1.5,
}

var hazardWeights = map[types.Hazard]float64{
	types.HazardWildfire:   0.3,
	types.HazardFlood:      0.4,
	types.HazardWind:       0.2,
	types.HazardEarthquake: 0.5,
}

type Input struct {
	CoverageAmount   float64                  `json:"coverage_amount"`
	PropertyType     string                   `json:"property_type"`
	ConstructionYear int                      `json:"construction_year,omitempty"`
	Hazards          map[types.Hazard]float64 `json:"hazards"`
	AsOf             time.Time                `json:"-"`
}

// Rater is the Rate node's collaborator.
type Rater interface {
	Rate(ctx context.Context, in Input) (types.Premium, error)
}

type TableRater struct{}

func (TableRater) Rate(_ context.Context, in Input) (types.Premium, error) {
	return Rate(in)
}

// Rate prices a policy. Each factor multiplies the running subtotal so the
// breakdown reconciles to the annual figure.
func Rate(in Input) (types.Premium, error) {
	if in.CoverageAmount <= 0 || math.IsNaN(in.CoverageAmount) || math.IsInf(in.CoverageAmount, 0) {
		return types.Premium{}, fmt.Errorf("coverage amount must be positive")
	}
	asOf := in.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	base := in.CoverageAmount / 1000 * BaseRatePerThousand
	p := types.Premium{Base: roundCents(base), CoverageAmount: in.CoverageAmount}

	subtotal := p.Base
	apply := func(name string, m float64) {
		subtotal *= m
		p.Factors = append(p.Factors, types.RatingFactor{Name: name, Multiplier: m, Subtotal: roundCents(subtotal)})
	}

	apply(FactorPropertyType, PropertyMultiplier(in.PropertyType))
	apply(FactorConstructionAge, AgeMultiplier(in.ConstructionYear, asOf.Year()))
	apply(FactorHazardLoad, HazardLoad(in.Hazards))

	p.Annual = roundCents(subtotal)
	p.Monthly = roundCents(p.Annual / 12)
	return p, nil
}

func PropertyMultiplier(propertyType string) float64 {
	if m, ok := propertyMultipliers[propertyType]; ok {
		return m
	}
	return 1.0
}

// AgeMultiplier discounts construction under 10 years old and surcharges
// construction over 50. Unknown years rate as 1.0.
func AgeMultiplier(constructionYear, currentYear int) float64 {
	if constructionYear <= 0 {
		return 1.0
	}
	age := currentYear - constructionYear
	switch {
	case age < 10:
		return 0.9
	case age > 50:
		return 1.2
	default:
		return 1.0
	}
}

func HazardLoad(hazards map[types.Hazard]float64) float64 {
	load := 1.0
	for _, h := range types.Hazards {
		load += hazardWeights[h] * hazards[h]
	}
	return load
}

type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

func PremiumTier(annual float64) Tier {
	switch {
	case annual > 5000:
		return TierHigh
	case annual > 2000:
		return TierMedium
	default:
		return TierLow
	}
}

var usd = message.NewPrinter(language.AmericanEnglish)

// FormatUSD renders an amount as "$1,234.50".
func FormatUSD(amount float64) string {
	return usd.Sprintf("$%.2f", amount)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
