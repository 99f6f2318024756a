package types

type EvidenceCitation struct {
	DocID     string  `json:"doc_id"`
	Section   string  `json:"section"`
	Passage   string  `json:"passage"`
	Relevance float64 `json:"relevance"`
	Query     string  `json:"query"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Trigger struct {
	Type        string             `json:"type"`
	Severity    Severity           `json:"severity"`
	Description string             `json:"description"`
	Citations   []EvidenceCitation `json:"citations,omitempty"`
}

type Assessment struct {
	Eligibility float64            `json:"eligibility"`
	Triggers    []Trigger          `json:"triggers"`
	Citations   []EvidenceCitation `json:"citations,omitempty"`
	Confidence  float64            `json:"confidence"`
	Reasoning   string             `json:"reasoning,omitempty"`
}

func (a Assessment) HasSeverity(sev Severity) bool {
	for _, t := range a.Triggers {
		if t.Severity == sev {
			return true
		}
	}
	return false
}

// UncitedHighSeverity lists the high-severity triggers carrying no citation.
func (a Assessment) UncitedHighSeverity() []Trigger {
	var out []Trigger
	for _, t := range a.Triggers {
		if t.Severity == SeverityHigh && len(t.Citations) == 0 {
			out = append(out, t)
		}
	}
	return out
}
