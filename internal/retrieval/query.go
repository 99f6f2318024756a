package retrieval

import (
	"strings"

	"github.com/davidahmann/quotegate/pkg/types"
)

// Query builds the guideline search text for a submission.
func Query(sub types.Submission, enr *types.EnrichmentResult) string {
	parts := []string{"property type " + sub.PropertyType}

	if enr != nil {
		if enr.Hazards[types.HazardWildfire] > 0.5 {
			parts = append(parts, "wildfire risk assessment")
		}
		if enr.Hazards[types.HazardFlood] > 0.5 {
			parts = append(parts, "flood risk evaluation")
		}
		if enr.Hazards[types.HazardWind] > 0.5 {
			parts = append(parts, "wind damage risk")
		}
		if enr.Hazards[types.HazardEarthquake] > 0.5 {
			parts = append(parts, "earthquake hazard")
		}
	}

	switch y := sub.ConstructionYear; {
	case y > 0 && y < 1940:
		parts = append(parts, "pre-1940 old construction requirements")
	case y > 0 && y < 1970:
		parts = append(parts, "older building standards")
	}

	if roof := sub.OptionalString(types.OptionalRoofType); roof != "" {
		parts = append(parts, "roof "+roof)
	}
	if foundation := sub.OptionalString(types.OptionalFoundationType); foundation != "" {
		parts = append(parts, "foundation "+foundation)
	}
	return strings.Join(parts, " ")
}
