package pack

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/davidahmann/quotegate/internal/grade"
	"github.com/davidahmann/quotegate/internal/rating"
	"github.com/davidahmann/quotegate/pkg/types"
)

type Summary struct {
	RunID        string              `json:"run_id"`
	Status       string              `json:"status"`
	Outcome      string              `json:"outcome,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	DecidedBy    string              `json:"decided_by,omitempty"`
	Overrides    []string            `json:"overrides,omitempty"`
	Applicant    string              `json:"applicant"`
	Coverage     string              `json:"coverage"`
	Premium      string              `json:"premium,omitempty"`
	Review       *types.ReviewRecord `json:"review,omitempty"`
	Error        *types.RunError     `json:"error,omitempty"`
	Nodes        []string            `json:"nodes"`
	Grade        string              `json:"grade"`
	GradeReasons []string            `json:"grade_reasons"`
	PolicyHash   string              `json:"policy_hash"`
	RunURL       string              `json:"run_url,omitempty"`
	PackURL      string              `json:"pack_url,omitempty"`
	CreatedAt    string              `json:"created_at"`
}

// BuildSummary renders the human-facing summary of a run. Links are only
// set when baseURL is known.
func BuildSummary(in Input, baseURL string) (Summary, []byte, error) {
	run := in.Run
	g := grade.Evaluate(run)
	s := Summary{
		RunID:        run.RunID,
		Status:       string(run.Status),
		Applicant:    run.Submission.ApplicantName,
		Coverage:     rating.FormatUSD(run.Submission.CoverageAmount),
		Review:       run.Review,
		Error:        run.Error,
		Grade:        g.Grade,
		GradeReasons: g.Reasons,
		PolicyHash:   run.PolicyHash,
		CreatedAt:    in.CreatedAt,
	}
	if d := run.Decision; d != nil {
		s.Outcome = string(d.Outcome)
		s.Reason = d.Reason
		s.DecidedBy = string(d.DecidedBy)
		for _, o := range d.Overrides {
			s.Overrides = append(s.Overrides, string(o.Kind)+": "+string(o.OriginalOutcome)+" -> "+string(d.Outcome))
		}
	}
	if p := run.State.Premium; p != nil {
		s.Premium = rating.FormatUSD(p.Annual)
	}
	for _, entry := range run.Log {
		s.Nodes = append(s.Nodes, entry.Node)
	}
	if base := strings.TrimRight(baseURL, "/"); base != "" {
		s.RunURL = base + "/v1/runs/" + run.RunID
		s.PackURL = base + "/v1/runs/" + run.RunID + "/pack"
	}

	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, s); err != nil {
		return Summary{}, nil, err
	}
	return s, buf.Bytes(), nil
}

var summaryTemplate = template.Must(template.New("summary").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Quote {{.RunID}}</title></head>
<body>
<h1>Quote {{.RunID}}</h1>
<table>
<tr><th>Status</th><td>{{.Status}}</td></tr>
<tr><th>Applicant</th><td>{{.Applicant}}</td></tr>
<tr><th>Coverage</th><td>{{.Coverage}}</td></tr>
{{if .Outcome}}<tr><th>Decision</th><td>{{.Outcome}} ({{.DecidedBy}}): {{.Reason}}</td></tr>{{end}}
{{range .Overrides}}<tr><th>Override</th><td>{{.}}</td></tr>{{end}}
{{if .Premium}}<tr><th>Annual premium</th><td>{{.Premium}}</td></tr>{{end}}
{{with .Review}}<tr><th>Review</th><td>{{.Team}} / {{.Priority}}, due {{.Deadline}}{{if .CompletedAt}}; {{.FinalOutcome}} by {{.Reviewer}} at {{.CompletedAt}}{{end}}</td></tr>{{end}}
{{with .Error}}<tr><th>Error</th><td>{{.Kind}} at {{.Node}}: {{.Message}}</td></tr>{{end}}
<tr><th>Audit grade</th><td>{{.Grade}}{{range .GradeReasons}} {{.}}{{end}}</td></tr>
<tr><th>Policy</th><td><code>{{.PolicyHash}}</code></td></tr>
</table>
<h2>Nodes</h2>
<ol>{{range .Nodes}}<li>{{.}}</li>{{end}}</ol>
{{if .RunURL}}<p><a href="{{.RunURL}}">Run</a> · <a href="{{.PackURL}}">Pack</a></p>{{end}}
</body>
</html>
`))
