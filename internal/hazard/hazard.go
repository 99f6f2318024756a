// Package hazard normalizes property addresses and scores peril exposure by
// county. Scores are deterministic table lookups.
package hazard

import (
	"context"
	"regexp"
	"strings"

	"github.com/davidahmann/quotegate/pkg/types"
)

const UnknownCounty = "Unknown County"

// DefaultScore applies to every peril in counties missing from the table.
const DefaultScore = 0.3

var cityCounty = map[string]string{
	"los angeles":   "Los Angeles County",
	"san francisco": "San Francisco County",
	"san diego":     "San Diego County",
	"sacramento":    "Sacramento County",
	"fresno":        "Fresno County",
}

var countyScores = map[string]map[types.Hazard]float64{
	"Los Angeles County":   {types.HazardWildfire: 0.7, types.HazardFlood: 0.3, types.HazardWind: 0.2, types.HazardEarthquake: 0.8},
	"San Francisco County": {types.HazardWildfire: 0.1, types.HazardFlood: 0.4, types.HazardWind: 0.3, types.HazardEarthquake: 0.9},
	"San Diego County":     {types.HazardWildfire: 0.8, types.HazardFlood: 0.2, types.HazardWind: 0.4, types.HazardEarthquake: 0.6},
	"Sacramento County":    {types.HazardWildfire: 0.4, types.HazardFlood: 0.5, types.HazardWind: 0.2, types.HazardEarthquake: 0.5},
	"Fresno County":        {types.HazardWildfire: 0.6, types.HazardFlood: 0.3, types.HazardWind: 0.3, types.HazardEarthquake: 0.4},
}

var zipPattern = regexp.MustCompile(`\d{5}(?:-\d{4})?`)

// Enricher is the Enrich node's collaborator.
type Enricher interface {
	Enrich(ctx context.Context, sub types.Submission) (types.EnrichmentResult, error)
}

type TableEnricher struct{}

func (TableEnricher) Enrich(_ context.Context, sub types.Submission) (types.EnrichmentResult, error) {
	addr := Normalize(sub.Address)
	return types.EnrichmentResult{Address: addr, Hazards: Scores(addr.County)}, nil
}

// Normalize parses "street, city, state zip". Missing parts are left blank.
func Normalize(address string) types.NormalizedAddress {
	parts := strings.Split(address, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var out types.NormalizedAddress
	var stateZip string
	switch {
	case len(parts) >= 3:
		out.Street, out.City, stateZip = parts[0], parts[1], strings.Join(parts[2:], " ")
	case len(parts) == 2:
		out.Street = parts[0]
		out.City, stateZip = splitCityStateZip(parts[1])
	default:
		out.Street = strings.TrimSpace(address)
	}

	if stateZip != "" {
		if zip := zipPattern.FindString(stateZip); zip != "" {
			out.ZipCode = zip
			stateZip = strings.Replace(stateZip, zip, "", 1)
		}
		out.State = strings.ToUpper(strings.Trim(strings.TrimSpace(stateZip), ","))
	}

	out.County = CountyFor(out.City)
	return out
}

// splitCityStateZip handles "Fresno CA 93650" where the city has no comma.
func splitCityStateZip(s string) (string, string) {
	fields := strings.Fields(s)
	cut := len(fields)
	for cut > 0 {
		f := fields[cut-1]
		if zipPattern.MatchString(f) || (len(f) == 2 && strings.ToUpper(f) == f) {
			cut--
			continue
		}
		break
	}
	return strings.Join(fields[:cut], " "), strings.Join(fields[cut:], " ")
}

func CountyFor(city string) string {
	if county, ok := cityCounty[strings.ToLower(strings.TrimSpace(city))]; ok {
		return county
	}
	return UnknownCounty
}

func Scores(county string) map[types.Hazard]float64 {
	out := make(map[types.Hazard]float64, len(types.Hazards))
	table, ok := countyScores[county]
	for _, h := range types.Hazards {
		if ok {
			out[h] = table[h]
		} else {
			out[h] = DefaultScore
		}
	}
	return out
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Profile summarizes an enrichment for property risk lookups.
type Profile struct {
	Address       types.NormalizedAddress  `json:"address"`
	Hazards       map[types.Hazard]float64 `json:"hazards"`
	OverallRisk   RiskLevel                `json:"overall_risk"`
	PrimaryHazard types.Hazard             `json:"primary_hazard"`
}

func Summarize(e types.EnrichmentResult) Profile {
	primary, top := e.MaxHazard()
	level := RiskLow
	switch {
	case top >= 0.7:
		level = RiskHigh
	case top >= 0.4:
		level = RiskMedium
	}
	return Profile{Address: e.Address, Hazards: e.Hazards, OverallRisk: level, PrimaryHazard: primary}
}
