package types

import (
	"bytes"
	"maps"
	"slices"
)

// Clone returns a copy that shares no slices, maps or pointers with r.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Submission = r.Submission.Clone()
	out.State = r.State.Clone()
	if r.Decision != nil {
		d := r.Decision.Clone()
		out.Decision = &d
	}
	if r.Review != nil {
		rv := r.Review.Clone()
		out.Review = &rv
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	if r.Log != nil {
		out.Log = make([]LogEntry, len(r.Log))
		for i, entry := range r.Log {
			out.Log[i] = entry.Clone()
		}
	}
	return out
}

func (s RunState) Clone() RunState {
	out := s
	if s.Enrichment != nil {
		e := *s.Enrichment
		e.Hazards = maps.Clone(s.Enrichment.Hazards)
		out.Enrichment = &e
	}
	out.Evidence = slices.Clone(s.Evidence)
	if s.Assessment != nil {
		a := s.Assessment.Clone()
		out.Assessment = &a
	}
	if s.Guardrail != nil {
		g := *s.Guardrail
		g.Triggers = slices.Clone(s.Guardrail.Triggers)
		out.Guardrail = &g
	}
	if s.Premium != nil {
		p := *s.Premium
		p.Factors = slices.Clone(s.Premium.Factors)
		out.Premium = &p
	}
	out.Questions = slices.Clone(s.Questions)
	return out
}

func (a Assessment) Clone() Assessment {
	out := a
	out.Citations = slices.Clone(a.Citations)
	if a.Triggers != nil {
		out.Triggers = make([]Trigger, len(a.Triggers))
		for i, t := range a.Triggers {
			t.Citations = slices.Clone(t.Citations)
			out.Triggers[i] = t
		}
	}
	return out
}

func (d Decision) Clone() Decision {
	out := d
	out.ReasonCodes = slices.Clone(d.ReasonCodes)
	out.Overrides = slices.Clone(d.Overrides)
	return out
}

func (r ReviewRecord) Clone() ReviewRecord {
	out := r
	if r.ApprovedPremium != nil {
		p := *r.ApprovedPremium
		out.ApprovedPremium = &p
	}
	return out
}

// Clone copies the entry's payload bytes so a stored entry cannot be
// changed through a reader's copy.
func (e LogEntry) Clone() LogEntry {
	out := e
	out.Input = bytes.Clone(e.Input)
	out.Output = bytes.Clone(e.Output)
	if e.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(e.ToolCalls))
		for i, c := range e.ToolCalls {
			c.Input = bytes.Clone(c.Input)
			c.Output = bytes.Clone(c.Output)
			out.ToolCalls[i] = c
		}
	}
	return out
}
