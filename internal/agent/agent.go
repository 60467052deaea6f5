// Package agent defines the contract between the coordinator and the
// specialized workers it dispatches, plus the registry that resolves roles to
// constructors.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"triage/internal/incident"
)

// Role names a kind of agent.
type Role string

const (
	RoleTriager      Role = "triager"
	RoleInvestigator Role = "investigator"
	RoleAnalyzer     Role = "analyzer"
	RoleCommunicator Role = "communicator"
	RoleExecutor     Role = "executor"
)

// ErrUnknownRole is returned by the registry for unregistered roles.
var ErrUnknownRole = errors.New("unknown agent role")

// Task is one unit of work handed to an agent: a read-only snapshot of the
// incident plus the phase (and, for fan-out branches, the branch assignment).
type Task struct {
	Incident *incident.Incident
	Phase    incident.Phase

	// BranchID and Component are set for Investigation fan-out branches only.
	BranchID  string
	Component string
}

// Outcome classifies an agent run for the coordinator's transition policy.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

// Result is what an agent run produced. Exactly one of Delta (success) or
// Err (failure) is meaningful.
type Result struct {
	Outcome Outcome
	Delta   *incident.Delta
	Err     error
}

// Success wraps a completed run's proposed delta.
func Success(delta *incident.Delta) Result {
	return Result{Outcome: OutcomeSuccess, Delta: delta}
}

// Retryable marks a run that failed transiently; the coordinator may re-run
// it within the phase's retry budget.
func Retryable(err error) Result {
	return Result{Outcome: OutcomeRetryable, Err: err}
}

// Fatal marks a run no retry can fix.
func Fatal(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}

// Agent is a stateless, re-invocable worker. Run must tolerate being called
// again with the same task after a crash; deltas are unioned so replays are
// harmless.
type Agent interface {
	Role() Role
	Run(ctx context.Context, task Task) Result
}

// Constructor builds a fresh agent instance.
type Constructor func() Agent

// Registry maps roles to constructors. Resolved once at startup; tests swap
// in scripted constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[Role]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[Role]Constructor)}
}

// Register installs a constructor for a role, replacing any previous one.
func (r *Registry) Register(role Role, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[role] = c
}

// New builds an agent for the role.
func (r *Registry) New(role Role) (Agent, error) {
	r.mu.RLock()
	c, ok := r.constructors[role]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return c(), nil
}
