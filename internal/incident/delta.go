package incident

import (
	"sort"
	"time"
)

// Delta is a phase's (or fan-out branch's) proposed extension of the incident
// record. Merge semantics are append/union for list-valued state and
// last-writer-wins for the scalar fields a phase owns, so applying a set of
// branch deltas is commutative regardless of commit order.
type Delta struct {
	// BranchID tags everything this delta contributes; set for fan-out
	// branches, empty for single-agent phases.
	BranchID string `json:"branch_id,omitempty"`

	// Status, when non-empty, replaces the incident status. Only the
	// coordinator sets this.
	Status Status `json:"status,omitempty"`

	Messages []Message `json:"messages,omitempty"`

	Components       []string   `json:"components,omitempty"`
	Evidence         []Evidence `json:"evidence,omitempty"`
	DegradedBranches []string   `json:"degraded_branches,omitempty"`
	// InsufficientEvidence latches the degraded-path flag; it is never
	// cleared by a later delta.
	InsufficientEvidence bool `json:"insufficient_evidence,omitempty"`

	Hypotheses       []Hypothesis `json:"hypotheses,omitempty"`
	AnalysisDegraded bool         `json:"analysis_degraded,omitempty"`

	Updates []Update `json:"updates,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	// ExecutionFatal latches the execution-failure marker; like
	// InsufficientEvidence it is never cleared by a later delta.
	ExecutionFatal bool `json:"execution_fatal,omitempty"`
}

// Empty reports whether applying the delta would change nothing.
func (d *Delta) Empty() bool {
	return d.Status == "" && len(d.Messages) == 0 && len(d.Components) == 0 &&
		len(d.Evidence) == 0 && len(d.DegradedBranches) == 0 && !d.InsufficientEvidence &&
		len(d.Hypotheses) == 0 && !d.AnalysisDegraded && len(d.Updates) == 0 &&
		len(d.Actions) == 0 && !d.ExecutionFatal
}

// Merge folds a set of branch deltas into one. The result is independent of
// the input order: list unions are deduplicated and canonically sorted by
// branch id, flags are ORed.
func Merge(deltas ...*Delta) *Delta {
	out := &Delta{}
	for _, d := range deltas {
		if d == nil {
			continue
		}
		out.Messages = append(out.Messages, d.Messages...)
		out.Components = append(out.Components, d.Components...)
		out.Evidence = append(out.Evidence, d.Evidence...)
		out.DegradedBranches = append(out.DegradedBranches, d.DegradedBranches...)
		out.InsufficientEvidence = out.InsufficientEvidence || d.InsufficientEvidence
		out.Hypotheses = append(out.Hypotheses, d.Hypotheses...)
		out.AnalysisDegraded = out.AnalysisDegraded || d.AnalysisDegraded
		out.Updates = append(out.Updates, d.Updates...)
		out.Actions = append(out.Actions, d.Actions...)
		out.ExecutionFatal = out.ExecutionFatal || d.ExecutionFatal
		if d.Status != "" {
			out.Status = d.Status
		}
	}
	sort.SliceStable(out.Evidence, func(i, j int) bool {
		return out.Evidence[i].key() < out.Evidence[j].key()
	})
	sort.Strings(out.Components)
	sort.Strings(out.DegradedBranches)
	sort.SliceStable(out.Messages, func(i, j int) bool {
		if !out.Messages[i].Time.Equal(out.Messages[j].Time) {
			return out.Messages[i].Time.Before(out.Messages[j].Time)
		}
		return out.Messages[i].ID < out.Messages[j].ID
	})
	return out
}

// Apply extends the incident with the delta's contributions. List-valued
// state appends with union dedup; scalar fields are replaced only when set.
// UpdatedAt is bumped on every application.
func (inc *Incident) Apply(d *Delta) {
	if d == nil {
		return
	}

	inc.Messages = append(inc.Messages, d.Messages...)

	inc.Investigation.Components = unionStrings(inc.Investigation.Components, d.Components)
	inc.Investigation.Evidence = unionEvidence(inc.Investigation.Evidence, d.Evidence)
	inc.Investigation.DegradedBranches = unionStrings(inc.Investigation.DegradedBranches, d.DegradedBranches)
	if d.InsufficientEvidence {
		inc.Investigation.InsufficientEvidence = true
	}

	inc.Analysis.Hypotheses = unionHypotheses(inc.Analysis.Hypotheses, d.Hypotheses)
	if d.AnalysisDegraded {
		inc.Analysis.Degraded = true
	}

	inc.Communication.Updates = append(inc.Communication.Updates, d.Updates...)
	inc.Execution.Actions = append(inc.Execution.Actions, d.Actions...)
	if d.ExecutionFatal {
		inc.Execution.Fatal = true
	}

	if d.Status != "" {
		inc.Status = d.Status
	}
	inc.UpdatedAt = time.Now().UTC()
}

// MarkPhaseCompleted appends the phase to CompletedPhases exactly once.
func (inc *Incident) MarkPhaseCompleted(p Phase) {
	if !inc.PhaseCompleted(p) {
		inc.CompletedPhases = append(inc.CompletedPhases, p)
	}
}

func unionStrings(have, add []string) []string {
	if len(add) == 0 {
		return have
	}
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			have = append(have, s)
		}
	}
	return have
}

func unionEvidence(have, add []Evidence) []Evidence {
	if len(add) == 0 {
		return have
	}
	seen := make(map[string]bool, len(have))
	for _, e := range have {
		seen[e.key()] = true
	}
	for _, e := range add {
		if !seen[e.key()] {
			seen[e.key()] = true
			have = append(have, e)
		}
	}
	return have
}

// unionHypotheses dedups by statement and keeps the result ranked by
// descending confidence.
func unionHypotheses(have, add []Hypothesis) []Hypothesis {
	if len(add) == 0 {
		return have
	}
	seen := make(map[string]bool, len(have))
	for _, h := range have {
		seen[h.Statement] = true
	}
	for _, h := range add {
		if !seen[h.Statement] {
			seen[h.Statement] = true
			have = append(have, h)
		}
	}
	sort.SliceStable(have, func(i, j int) bool {
		return have[i].Confidence > have[j].Confidence
	})
	return have
}
