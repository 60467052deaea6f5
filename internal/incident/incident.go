// Package incident defines the Incident record — the root aggregate holding
// everything the response pipeline has learned about one incident — together
// with the delta/merge semantics phases use to extend it.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how urgent an incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(s)) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown severity %q (valid: low, medium, high, critical)", s)
}

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusAnalyzing     Status = "analyzing"
	StatusCommunicating Status = "communicating"
	StatusExecuting     Status = "executing"
	StatusResolved      Status = "resolved"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further mutation of the record is allowed.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// Phase names a step of the fixed response workflow.
type Phase string

const (
	PhaseIntake             Phase = "Intake"
	PhaseIdentification     Phase = "Identification"
	PhaseInvestigation      Phase = "Investigation"
	PhaseInvestigationMerge Phase = "InvestigationMerge"
	PhaseAnalysis           Phase = "Analysis"
	PhaseCommunication      Phase = "Communication"
	PhaseExecution          Phase = "Execution"
	PhaseResolution         Phase = "Resolution"
)

// Phases is the fixed phase order the coordinator walks.
var Phases = []Phase{
	PhaseIntake,
	PhaseIdentification,
	PhaseInvestigation,
	PhaseInvestigationMerge,
	PhaseAnalysis,
	PhaseCommunication,
	PhaseExecution,
	PhaseResolution,
}

// Message is one entry of the append-only inter-agent log. Messages are never
// rewritten; they serve as the audit trail and as prompt context for the
// reasoning step.
type Message struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Phase   Phase     `json:"phase,omitempty"`
	Time    time.Time `json:"time"`
	Content string    `json:"content"`
}

// NewMessage builds a log entry with a fresh short id.
func NewMessage(role string, phase Phase, content string) Message {
	return Message{
		ID:      "msg_" + uuid.New().String()[:8],
		Role:    role,
		Phase:   phase,
		Time:    time.Now().UTC(),
		Content: content,
	}
}

// Evidence is one investigative finding, always attributable to the fan-out
// branch that produced it so the merge is order-independent.
type Evidence struct {
	BranchID   string  `json:"branch_id"`
	Component  string  `json:"component"`
	CommitRef  string  `json:"commit_ref,omitempty"`
	FilePath   string  `json:"file_path,omitempty"`
	Diff       string  `json:"diff,omitempty"`
	Note       string  `json:"note,omitempty"`
	Confidence float64 `json:"confidence"`
}

// key identifies an evidence item for union-style dedup across re-runs.
func (e Evidence) key() string {
	return e.BranchID + "\x00" + e.Component + "\x00" + e.CommitRef + "\x00" + e.FilePath + "\x00" + e.Note
}

// InvestigationState accumulates what the Identification and Investigation
// phases learned.
type InvestigationState struct {
	// Components in scope, as determined by Identification.
	Components []string `json:"components,omitempty"`
	// Evidence gathered by the fan-out branches.
	Evidence []Evidence `json:"evidence,omitempty"`
	// DegradedBranches lists branch ids that hit a terminal failure; their
	// evidence (if any) is partial.
	DegradedBranches []string `json:"degraded_branches,omitempty"`
	// InsufficientEvidence marks the degraded path taken when Identification
	// found nothing to investigate.
	InsufficientEvidence bool `json:"insufficient_evidence,omitempty"`
}

// Hypothesis is one candidate root cause.
type Hypothesis struct {
	ID           string   `json:"id"`
	Statement    string   `json:"statement"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// AnalysisState holds the ranked root-cause hypotheses.
type AnalysisState struct {
	// Hypotheses sorted by descending confidence.
	Hypotheses []Hypothesis `json:"hypotheses,omitempty"`
	// Degraded is set when analysis ran on incomplete (possibly empty)
	// evidence so consumers can tell high- from low-confidence outcomes.
	Degraded bool `json:"degraded,omitempty"`
}

// Update is one drafted notification and its delivery outcome.
type Update struct {
	Recipient string `json:"recipient"`
	TicketID  string `json:"ticket_id,omitempty"`
	Body      string `json:"body"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// CommunicationState records drafted ticket updates and delivery status.
type CommunicationState struct {
	Updates []Update `json:"updates,omitempty"`
}

// ActionStatus is the per-action outcome of the Execution phase.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionApplied ActionStatus = "applied"
	ActionFailed  ActionStatus = "failed"
	// ActionDenied marks an action vetoed by the remediation policy before
	// it was applied.
	ActionDenied ActionStatus = "denied"
)

// Action is one remediation step. Actions are assumed non-idempotent and are
// never retried automatically; their outcome is recorded as-is.
type Action struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Description string       `json:"description"`
	Status      ActionStatus `json:"status"`
	Detail      string       `json:"detail,omitempty"`
}

// ExecutionState records remediation actions and their outcomes.
type ExecutionState struct {
	Actions []Action `json:"actions,omitempty"`
	// Fatal marks an Execution run that ended in an unrecoverable failure.
	// Resolution closes the incident as failed when this is set.
	Fatal bool `json:"fatal,omitempty"`
}

// Incident is the root aggregate, one per incident id. It is mutated only by
// the coordinator applying committed phase deltas through the store.
type Incident struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Status      Status   `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the checkpoint version, bumped on every committed delta.
	Version int64 `json:"version"`

	// CompletedPhases is strictly prefix-growing across checkpoints; a phase
	// already present here is never re-run on resumption.
	CompletedPhases []Phase `json:"completed_phases,omitempty"`

	Messages []Message `json:"messages,omitempty"`

	Investigation InvestigationState `json:"investigation"`
	Analysis      AnalysisState      `json:"analysis"`
	Communication CommunicationState `json:"communication"`
	Execution     ExecutionState     `json:"execution"`
}

// New creates an open incident record.
func New(id, title, description string, severity Severity) *Incident {
	now := time.Now().UTC()
	return &Incident{
		ID:          id,
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// PhaseCompleted reports whether the named phase has already committed.
func (inc *Incident) PhaseCompleted(p Phase) bool {
	for _, done := range inc.CompletedPhases {
		if done == p {
			return true
		}
	}
	return false
}

// NextPhase returns the first phase of the fixed order not yet committed, or
// "" when the workflow has run to completion.
func (inc *Incident) NextPhase() Phase {
	for _, p := range Phases {
		if !inc.PhaseCompleted(p) {
			return p
		}
	}
	return ""
}

// Clone returns a deep copy, so agents can work on a snapshot without
// aliasing the committed record.
func (inc *Incident) Clone() *Incident {
	cp := *inc
	cp.CompletedPhases = append([]Phase(nil), inc.CompletedPhases...)
	cp.Messages = append([]Message(nil), inc.Messages...)
	cp.Investigation.Components = append([]string(nil), inc.Investigation.Components...)
	cp.Investigation.Evidence = append([]Evidence(nil), inc.Investigation.Evidence...)
	cp.Investigation.DegradedBranches = append([]string(nil), inc.Investigation.DegradedBranches...)
	cp.Analysis.Hypotheses = make([]Hypothesis, len(inc.Analysis.Hypotheses))
	for i, h := range inc.Analysis.Hypotheses {
		h.EvidenceRefs = append([]string(nil), h.EvidenceRefs...)
		cp.Analysis.Hypotheses[i] = h
	}
	cp.Communication.Updates = append([]Update(nil), inc.Communication.Updates...)
	cp.Execution.Actions = append([]Action(nil), inc.Execution.Actions...)
	return &cp
}
