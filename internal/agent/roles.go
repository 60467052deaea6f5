package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"triage/internal/gateway"
	"triage/internal/incident"
	"triage/internal/policy"
)

// Deps is what the concrete roles need to do their work.
type Deps struct {
	Gateway *gateway.Gateway
	Policy  *policy.Engine
	// MaxFanOut bounds how many components the triager puts in scope.
	MaxFanOut int
}

// RegisterDefaults installs the standard role constructors.
func RegisterDefaults(r *Registry, deps Deps) {
	if deps.MaxFanOut <= 0 {
		deps.MaxFanOut = 4
	}
	r.Register(RoleTriager, func() Agent { return &triager{deps} })
	r.Register(RoleInvestigator, func() Agent { return &investigator{deps} })
	r.Register(RoleAnalyzer, func() Agent { return &analyzer{deps} })
	r.Register(RoleCommunicator, func() Agent { return &communicator{deps} })
	r.Register(RoleExecutor, func() Agent { return &executor{deps} })
}

// classify maps a gateway failure onto the agent outcome taxonomy.
func classify(err error) Result {
	if gateway.IsFatal(err) {
		return Fatal(err)
	}
	return Retryable(err)
}

// triager serves Intake (normalize the report) and Identification (decide
// which components are in scope, bounded by MaxFanOut).
type triager struct {
	deps Deps
}

func (t *triager) Role() Role { return RoleTriager }

func (t *triager) Run(ctx context.Context, task Task) Result {
	switch task.Phase {
	case incident.PhaseIntake:
		return t.intake(task)
	case incident.PhaseIdentification:
		return t.identify(ctx, task)
	}
	return Fatal(fmt.Errorf("triager does not serve phase %s", task.Phase))
}

func (t *triager) intake(task Task) Result {
	inc := task.Incident
	summary := fmt.Sprintf("intake: %q (severity %s) accepted for triage", inc.Title, inc.Severity)
	if inc.Description != "" {
		summary += "; report: " + truncate(inc.Description, 300)
	}
	return Success(&incident.Delta{
		Messages: []incident.Message{
			incident.NewMessage(string(RoleTriager), incident.PhaseIntake, summary),
		},
	})
}

func (t *triager) identify(ctx context.Context, task Task) Result {
	inc := task.Incident
	resp, err := t.deps.Gateway.Invoke(ctx, gateway.CapRepositorySearch, gateway.Request{
		Query: inc.Title + " " + inc.Description,
	})
	if err != nil {
		return classify(err)
	}

	var components []string
	seen := make(map[string]bool)
	for _, f := range resp.Findings {
		if f.Component == "" || seen[f.Component] {
			continue
		}
		seen[f.Component] = true
		components = append(components, f.Component)
		if len(components) >= t.deps.MaxFanOut {
			break
		}
	}

	msg := fmt.Sprintf("identification: %d component(s) in scope: %s",
		len(components), strings.Join(components, ", "))
	if len(components) == 0 {
		msg = "identification: no components matched the report; evidence insufficient"
	}
	return Success(&incident.Delta{
		Components: components,
		Messages: []incident.Message{
			incident.NewMessage(string(RoleTriager), incident.PhaseIdentification, msg),
		},
	})
}

// investigator works one fan-out branch: search the component, read the top
// hits, and contribute branch-tagged evidence.
type investigator struct {
	deps Deps
}

func (a *investigator) Role() Role { return RoleInvestigator }

func (a *investigator) Run(ctx context.Context, task Task) Result {
	search, err := a.deps.Gateway.Invoke(ctx, gateway.CapRepositorySearch, gateway.Request{
		Query: task.Component + " " + task.Incident.Title,
	})
	if err != nil {
		return classify(err)
	}

	var evidence []incident.Evidence
	for _, f := range search.Findings {
		ev := incident.Evidence{
			BranchID:   task.BranchID,
			Component:  task.Component,
			CommitRef:  f.CommitRef,
			FilePath:   f.FilePath,
			Note:       f.Note,
			Confidence: f.Score,
		}
		if f.FilePath != "" {
			read, err := a.deps.Gateway.Invoke(ctx, gateway.CapRepositoryRead, gateway.Request{Path: f.FilePath})
			if err != nil {
				if gateway.IsFatal(err) {
					return Fatal(err)
				}
				// Partial evidence beats none; keep the search hit without
				// the file detail.
			} else {
				for _, rf := range read.Findings {
					if rf.Diff != "" {
						ev.Diff = rf.Diff
					}
				}
			}
		}
		evidence = append(evidence, ev)
	}

	return Success(&incident.Delta{
		BranchID: task.BranchID,
		Evidence: evidence,
		Messages: []incident.Message{
			incident.NewMessage(string(RoleInvestigator), incident.PhaseInvestigation,
				fmt.Sprintf("branch %s: %d evidence item(s) for component %s",
					task.BranchID, len(evidence), task.Component)),
		},
	})
}

// analyzer turns the gathered evidence into ranked root-cause hypotheses via
// the reasoning capability.
type analyzer struct {
	deps Deps
}

func (a *analyzer) Role() Role { return RoleAnalyzer }

func (a *analyzer) Run(ctx context.Context, task Task) Result {
	inc := task.Incident
	degraded := inc.Investigation.InsufficientEvidence ||
		len(inc.Investigation.DegradedBranches) > 0 ||
		len(inc.Investigation.Evidence) == 0

	resp, err := a.deps.Gateway.Invoke(ctx, gateway.CapReasoningInfer, gateway.Request{
		Prompt: analysisPrompt(inc),
	})
	if err != nil {
		return classify(err)
	}

	hypotheses := parseHypotheses(resp.Text, inc)
	return Success(&incident.Delta{
		Hypotheses:       hypotheses,
		AnalysisDegraded: degraded,
		Messages: []incident.Message{
			incident.NewMessage(string(RoleAnalyzer), incident.PhaseAnalysis,
				fmt.Sprintf("analysis: %d hypothesis(es), degraded=%t", len(hypotheses), degraded)),
		},
	})
}

func analysisPrompt(inc *incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s (severity %s)\n%s\n\nEvidence:\n", inc.Title, inc.Severity, inc.Description)
	if len(inc.Investigation.Evidence) == 0 {
		b.WriteString("(none gathered)\n")
	}
	for _, ev := range inc.Investigation.Evidence {
		fmt.Fprintf(&b, "- [%s] component=%s commit=%s file=%s: %s\n",
			ev.BranchID, ev.Component, ev.CommitRef, ev.FilePath, ev.Note)
		if ev.Diff != "" {
			fmt.Fprintf(&b, "  diff: %s\n", truncate(ev.Diff, 500))
		}
	}
	b.WriteString("\nList root-cause hypotheses, one per line, formatted as " +
		"\"<confidence 0..1>|<statement>\". Most likely first.")
	return b.String()
}

// parseHypotheses reads "confidence|statement" lines; anything unparseable
// collapses into a single hypothesis carrying the raw text.
func parseHypotheses(text string, inc *incident.Incident) []incident.Hypothesis {
	var out []incident.Hypothesis
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		conf, statement, ok := splitConfidence(line)
		if !ok {
			continue
		}
		out = append(out, incident.Hypothesis{
			ID:           "hyp_" + uuid.New().String()[:8],
			Statement:    statement,
			EvidenceRefs: evidenceRefs(inc, statement),
			Confidence:   conf,
		})
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = append(out, incident.Hypothesis{
			ID:         "hyp_" + uuid.New().String()[:8],
			Statement:  strings.TrimSpace(text),
			Confidence: 0.5,
		})
	}
	return out
}

func splitConfidence(line string) (float64, string, bool) {
	i := strings.Index(line, "|")
	if i <= 0 {
		return 0, "", false
	}
	conf, err := strconv.ParseFloat(strings.TrimSpace(line[:i]), 64)
	if err != nil || conf < 0 || conf > 1 {
		return 0, "", false
	}
	statement := strings.TrimSpace(line[i+1:])
	if statement == "" {
		return 0, "", false
	}
	return conf, statement, true
}

// evidenceRefs links a hypothesis to evidence whose component it mentions.
func evidenceRefs(inc *incident.Incident, statement string) []string {
	lower := strings.ToLower(statement)
	var refs []string
	for _, ev := range inc.Investigation.Evidence {
		if ev.Component != "" && strings.Contains(lower, strings.ToLower(ev.Component)) {
			refs = append(refs, ev.BranchID+"/"+ev.Component)
		}
	}
	return refs
}

// communicator drafts a status update from the top hypothesis and delivers it
// through ticket-write.
type communicator struct {
	deps Deps
}

func (c *communicator) Role() Role { return RoleCommunicator }

func (c *communicator) Run(ctx context.Context, task Task) Result {
	inc := task.Incident
	body := draftUpdate(inc)

	_, err := c.deps.Gateway.Invoke(ctx, gateway.CapTicketWrite, gateway.Request{
		TicketID: inc.ID,
		Body:     body,
	})
	if err != nil {
		return classify(err)
	}

	return Success(&incident.Delta{
		Updates: []incident.Update{
			{Recipient: "stakeholders", TicketID: inc.ID, Body: body, Delivered: true},
		},
		Messages: []incident.Message{
			incident.NewMessage(string(RoleCommunicator), incident.PhaseCommunication,
				"communication: status update delivered"),
		},
	})
}

func draftUpdate(inc *incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s (%s): %s\n", inc.ID, inc.Severity, inc.Title)
	if len(inc.Analysis.Hypotheses) > 0 {
		top := inc.Analysis.Hypotheses[0]
		fmt.Fprintf(&b, "Leading hypothesis (confidence %.2f): %s\n", top.Confidence, top.Statement)
	} else {
		b.WriteString("No root cause identified yet.\n")
	}
	if inc.Analysis.Degraded {
		b.WriteString("Note: analysis ran on incomplete evidence.\n")
	}
	return b.String()
}

// executor derives remediation actions from the analysis and applies the ones
// the action policy allows. Actions are never retried; each outcome is
// recorded as-is.
type executor struct {
	deps Deps
}

func (e *executor) Role() Role { return RoleExecutor }

func (e *executor) Run(ctx context.Context, task Task) Result {
	inc := task.Incident
	actions := planActions(inc)

	var (
		applied  []incident.Action
		messages []incident.Message
	)
	for _, act := range actions {
		decision := e.deps.Policy.Evaluate(act.Kind)
		switch {
		case decision.Effect == policy.EffectDeny:
			act.Status = incident.ActionDenied
			act.Detail = decision.Message
		case decision.Effect == policy.EffectRequireApproval:
			// No human in the loop here: record as denied pending approval.
			act.Status = incident.ActionDenied
			act.Detail = "requires approval: " + decision.Message
		default:
			if err := e.apply(ctx, inc, act); err != nil {
				act.Status = incident.ActionFailed
				act.Detail = err.Error()
			} else {
				act.Status = incident.ActionApplied
			}
		}
		messages = append(messages, incident.NewMessage(string(RoleExecutor), incident.PhaseExecution,
			fmt.Sprintf("execution: action %s (%s) -> %s", act.ID, act.Kind, act.Status)))
		applied = append(applied, act)
	}

	return Success(&incident.Delta{Actions: applied, Messages: messages})
}

// planActions derives the remediation plan: always annotate the record; when
// the top hypothesis implicates a commit, propose a rollback.
func planActions(inc *incident.Incident) []incident.Action {
	actions := []incident.Action{{
		ID:          "act_" + uuid.New().String()[:8],
		Kind:        "annotate-incident",
		Description: "attach analysis summary to the incident record",
		Status:      incident.ActionPending,
	}}
	if len(inc.Analysis.Hypotheses) > 0 {
		for _, ev := range inc.Investigation.Evidence {
			if ev.CommitRef != "" {
				actions = append(actions, incident.Action{
					ID:          "act_" + uuid.New().String()[:8],
					Kind:        "rollback-commit",
					Description: fmt.Sprintf("roll back %s in %s", ev.CommitRef, ev.Component),
					Status:      incident.ActionPending,
				})
				break
			}
		}
	}
	return actions
}

func (e *executor) apply(ctx context.Context, inc *incident.Incident, act incident.Action) error {
	// Annotation-style actions land on the ticket; anything heavier is out of
	// scope for the shipped backends and is applied as a recorded directive.
	if strings.HasPrefix(act.Kind, "annotate-") || strings.HasPrefix(act.Kind, "notify-") {
		_, err := e.deps.Gateway.Invoke(ctx, gateway.CapTicketWrite, gateway.Request{
			TicketID: inc.ID,
			Body:     act.Description,
		})
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
