package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davidahmann/quotegate/pkg/types"
)

// MaxCoverageAmount is the largest coverage the intake accepts at all.
const MaxCoverageAmount = 10_000_000

const earliestConstructionYear = 1800

const (
	QuestionMissing = "missing"
	QuestionInvalid = "invalid"
)

var prompts = map[string]string{
	types.FieldApplicantName:    "Please provide the applicant's full name.",
	types.FieldAddress:          "Please provide the property address (street, city, state zip).",
	types.FieldPropertyType:     "Please provide the property type (single_family, condo, townhouse, ...).",
	types.FieldCoverageAmount:   "Please provide the requested coverage amount in USD.",
	types.FieldConstructionYear: "Please provide the year the property was built.",
}

// Validate lists the questions a submission must answer before it can be
// underwritten: missing required fields in order, then malformed values.
func Validate(sub types.Submission, now time.Time) []types.Question {
	var out []types.Question
	missing := func(field string) {
		out = append(out, types.Question{Field: field, Prompt: prompts[field], Reason: QuestionMissing})
	}
	if strings.TrimSpace(sub.ApplicantName) == "" {
		missing(types.FieldApplicantName)
	}
	if strings.TrimSpace(sub.Address) == "" {
		missing(types.FieldAddress)
	}
	if strings.TrimSpace(sub.PropertyType) == "" {
		missing(types.FieldPropertyType)
	}
	if sub.CoverageAmount <= 0 {
		missing(types.FieldCoverageAmount)
	}

	if sub.CoverageAmount > MaxCoverageAmount {
		out = append(out, types.Question{
			Field:  types.FieldCoverageAmount,
			Prompt: fmt.Sprintf("Coverage amount exceeds the %d maximum; please provide a lower amount.", MaxCoverageAmount),
			Reason: QuestionInvalid,
		})
	}
	if y := sub.ConstructionYear; y != 0 {
		switch {
		case y > now.Year():
			out = append(out, types.Question{Field: types.FieldConstructionYear, Prompt: "Construction year cannot be in the future; please correct it.", Reason: QuestionInvalid})
		case y < earliestConstructionYear:
			out = append(out, types.Question{Field: types.FieldConstructionYear, Prompt: "Construction year looks too old; please confirm it.", Reason: QuestionInvalid})
		}
	}
	return out
}

// QuestionFields returns the distinct fields named by qs, in order.
func QuestionFields(qs []types.Question) []string {
	seen := map[string]bool{}
	var out []string
	for _, q := range qs {
		if !seen[q.Field] {
			seen[q.Field] = true
			out = append(out, q.Field)
		}
	}
	return out
}

// MergeAnswers applies answers to a copy of sub. Core fields are coerced to
// their types; values that cannot be coerced are ignored so the question is
// asked again. Any other key lands in Optional.
func MergeAnswers(sub types.Submission, answers map[string]any) types.Submission {
	out := sub.Clone()
	for key, value := range answers {
		switch key {
		case types.FieldApplicantName:
			if s, ok := value.(string); ok {
				out.ApplicantName = strings.TrimSpace(s)
			}
		case types.FieldAddress:
			if s, ok := value.(string); ok {
				out.Address = strings.TrimSpace(s)
			}
		case types.FieldPropertyType:
			if s, ok := value.(string); ok {
				out.PropertyType = strings.TrimSpace(s)
			}
		case types.FieldCoverageAmount:
			if f, ok := toFloat(value); ok {
				out.CoverageAmount = f
			}
		case types.FieldConstructionYear:
			if f, ok := toFloat(value); ok {
				out.ConstructionYear = int(f)
			}
		default:
			if out.Optional == nil {
				out.Optional = map[string]any{}
			}
			out.Optional[key] = value
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
