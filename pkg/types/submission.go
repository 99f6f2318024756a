package types

import "strings"

// Recognised keys of Submission.Optional.
const (
	OptionalSquareFootage  = "square_footage"
	OptionalRoofType       = "roof_type"
	OptionalFoundationType = "foundation_type"
	OptionalAdditionalInfo = "additional_info"
)

// Required submission fields, in question order.
const (
	FieldApplicantName    = "applicant_name"
	FieldAddress          = "address"
	FieldPropertyType     = "property_type"
	FieldCoverageAmount   = "coverage_amount"
	FieldConstructionYear = "construction_year"
)

var RequiredFields = []string{FieldApplicantName, FieldAddress, FieldPropertyType, FieldCoverageAmount}

type Submission struct {
	ApplicantName    string         `json:"applicant_name"`
	Address          string         `json:"address"`
	PropertyType     string         `json:"property_type"`
	CoverageAmount   float64        `json:"coverage_amount"`
	ConstructionYear int            `json:"construction_year,omitempty"`
	Optional         map[string]any `json:"optional,omitempty"`
}

// Clone returns a deep copy so a run never shares the caller's optional map.
func (s Submission) Clone() Submission {
	out := s
	if s.Optional != nil {
		out.Optional = make(map[string]any, len(s.Optional))
		for k, v := range s.Optional {
			out.Optional[k] = v
		}
	}
	return out
}

// HasOptional reports whether an optional field is present and non-blank.
func (s Submission) HasOptional(key string) bool {
	v, ok := s.Optional[key]
	if !ok || v == nil {
		return false
	}
	if str, ok := v.(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return true
}

// OptionalString returns the optional value as a trimmed string, or "".
func (s Submission) OptionalString(key string) string {
	v, ok := s.Optional[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

type Hazard string

const (
	HazardWildfire   Hazard = "wildfire"
	HazardFlood      Hazard = "flood"
	HazardWind       Hazard = "wind"
	HazardEarthquake Hazard = "earthquake"
)

var Hazards = []Hazard{HazardWildfire, HazardFlood, HazardWind, HazardEarthquake}

type NormalizedAddress struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	County  string `json:"county"`
}

type EnrichmentResult struct {
	Address NormalizedAddress  `json:"address"`
	Hazards map[Hazard]float64 `json:"hazards"`
}

// MaxHazard returns the highest hazard score and its category.
func (e EnrichmentResult) MaxHazard() (Hazard, float64) {
	var (
		top   Hazard
		score float64
	)
	for _, h := range Hazards {
		if v := e.Hazards[h]; v > score || top == "" {
			top, score = h, v
		}
	}
	return top, score
}
