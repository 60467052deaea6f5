// Package coordinator drives an incident through the fixed response pipeline:
// Intake, Identification, Investigation (fanned out per component),
// InvestigationMerge, Analysis, Communication, Execution, Resolution. Every
// phase commit produces a checkpoint; a restarted coordinator re-enters at
// the first phase not yet committed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"triage/internal/agent"
	"triage/internal/gateway"
	"triage/internal/incident"
	"triage/internal/store"
)

// Config tunes the coordinator's transition policy.
type Config struct {
	// PhaseRetryBudget is how many times a retryable phase (or fan-out
	// branch) is re-run after its first failure.
	PhaseRetryBudget int
	// MaxFanOut bounds concurrent Investigation branches.
	MaxFanOut int
}

// DefaultConfig returns the stock transition policy settings.
func DefaultConfig() Config {
	return Config{PhaseRetryBudget: 2, MaxFanOut: 4}
}

// Coordinator runs one incident at a time. The store and gateway it holds are
// shared across coordinators and concurrency-safe.
type Coordinator struct {
	store    *store.Store
	registry *agent.Registry
	cfg      Config
	logger   *slog.Logger
}

// New creates a coordinator.
func New(st *store.Store, reg *agent.Registry, cfg Config) *Coordinator {
	if cfg.PhaseRetryBudget < 0 {
		cfg.PhaseRetryBudget = 0
	}
	if cfg.MaxFanOut <= 0 {
		cfg.MaxFanOut = DefaultConfig().MaxFanOut
	}
	return &Coordinator{
		store:    st,
		registry: reg,
		cfg:      cfg,
		logger:   slog.Default().With("component", "coordinator"),
	}
}

// Run drives the incident from its last checkpoint to a terminal status. It
// is safe to call again after a crash: completed phases are skipped and a
// phase interrupted mid-fan-out restarts whole (branch deltas union, so
// re-contributed evidence dedups).
func (c *Coordinator) Run(ctx context.Context, id string) error {
	ctx = gateway.WithIncident(ctx, id)
	log := c.logger.With("incident", id)

	for {
		if err := ctx.Err(); err != nil {
			log.Info("run cancelled; record stays at last checkpoint")
			return err
		}

		inc, err := c.store.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load incident: %w", err)
		}
		if inc.Status.Terminal() {
			return nil
		}

		phase := inc.NextPhase()
		if phase == "" {
			return nil
		}
		log.Info("entering phase", "phase", phase, "version", inc.Version)

		switch phase {
		case incident.PhaseIntake:
			err = c.runSimplePhase(ctx, inc, phase, agent.RoleTriager, incident.StatusOpen)
		case incident.PhaseIdentification:
			err = c.runSimplePhase(ctx, inc, phase, agent.RoleTriager, incident.StatusInvestigating)
		case incident.PhaseInvestigation:
			err = c.runInvestigation(ctx, inc)
		case incident.PhaseInvestigationMerge:
			err = c.runMerge(ctx, inc)
		case incident.PhaseAnalysis:
			err = c.runSimplePhase(ctx, inc, phase, agent.RoleAnalyzer, incident.StatusCommunicating)
		case incident.PhaseCommunication:
			err = c.runCommunication(ctx, inc)
		case incident.PhaseExecution:
			err = c.runExecution(ctx, inc)
		case incident.PhaseResolution:
			err = c.runResolution(ctx, inc)
		default:
			err = fmt.Errorf("no handler for phase %s", phase)
		}
		if err != nil {
			return err
		}
	}
}

// runWithBudget re-runs retryable failures up to the phase retry budget.
func (c *Coordinator) runWithBudget(ctx context.Context, a agent.Agent, task agent.Task) agent.Result {
	var res agent.Result
	for attempt := 0; attempt <= c.cfg.PhaseRetryBudget; attempt++ {
		res = a.Run(ctx, task)
		if res.Outcome != agent.OutcomeRetryable || ctx.Err() != nil {
			return res
		}
		c.logger.Warn("phase attempt failed",
			"incident", task.Incident.ID, "phase", task.Phase,
			"attempt", attempt+1, "error", res.Err)
	}
	return res
}

// runSimplePhase runs a single-agent phase with the abort transition policy:
// the retry budget absorbs transient failures, anything past it fails the
// incident.
func (c *Coordinator) runSimplePhase(ctx context.Context, inc *incident.Incident, phase incident.Phase, role agent.Role, nextStatus incident.Status) error {
	a, err := c.registry.New(role)
	if err != nil {
		return c.abort(ctx, inc.ID, phase, err)
	}

	res := c.runWithBudget(ctx, a, agent.Task{Incident: inc.Clone(), Phase: phase})
	if res.Outcome != agent.OutcomeSuccess {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.abort(ctx, inc.ID, phase, res.Err)
	}

	delta := res.Delta
	if delta == nil {
		delta = &incident.Delta{}
	}
	if nextStatus != "" && nextStatus != inc.Status {
		delta.Status = nextStatus
	}
	if _, err := c.store.CommitPhase(ctx, inc.ID, phase, delta); err != nil {
		return fmt.Errorf("commit %s: %w", phase, err)
	}
	return nil
}

// runInvestigation fans out one branch per in-scope component, bounded by a
// semaphore. Branches retry independently; an exhausted branch is marked
// degraded rather than failing the incident. With nothing in scope the
// degraded path latches insufficient evidence and proceeds straight on.
func (c *Coordinator) runInvestigation(ctx context.Context, inc *incident.Incident) error {
	components := inc.Investigation.Components
	if len(components) == 0 {
		delta := &incident.Delta{
			InsufficientEvidence: true,
			Messages: []incident.Message{
				incident.NewMessage("coordinator", incident.PhaseInvestigation,
					"no components in scope; proceeding on insufficient evidence"),
			},
		}
		if _, err := c.store.CommitPhase(ctx, inc.ID, incident.PhaseInvestigation, delta); err != nil {
			return fmt.Errorf("commit Investigation: %w", err)
		}
		return nil
	}

	sem := semaphore.NewWeighted(int64(c.cfg.MaxFanOut))
	var wg sync.WaitGroup
	degraded := make([]string, len(components)) // indexed; "" means healthy

	for i, comp := range components {
		branchID := fmt.Sprintf("branch-%s", comp)
		if err := sem.Acquire(ctx, 1); err != nil {
			break // cancelled; incomplete branches stay uncommitted
		}
		wg.Add(1)
		go func(i int, comp, branchID string) {
			defer wg.Done()
			defer sem.Release(1)

			a, err := c.registry.New(agent.RoleInvestigator)
			if err != nil {
				degraded[i] = branchID
				return
			}
			res := c.runWithBudget(ctx, a, agent.Task{
				Incident:  inc.Clone(),
				Phase:     incident.PhaseInvestigation,
				BranchID:  branchID,
				Component: comp,
			})
			if res.Outcome != agent.OutcomeSuccess {
				if ctx.Err() == nil {
					c.logger.Warn("branch degraded",
						"incident", inc.ID, "branch", branchID, "error", res.Err)
					degraded[i] = branchID
				}
				return
			}
			// Each branch commits its own delta; the union is commutative so
			// commit order between branches does not matter.
			if err := c.commitBranch(ctx, inc.ID, branchID, res.Delta); err != nil {
				c.logger.Warn("branch commit failed",
					"incident", inc.ID, "branch", branchID, "error", err)
				degraded[i] = branchID
			}
		}(i, comp, branchID)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	delta := &incident.Delta{}
	for _, b := range degraded {
		if b != "" {
			delta.DegradedBranches = append(delta.DegradedBranches, b)
		}
	}
	delta.Messages = []incident.Message{
		incident.NewMessage("coordinator", incident.PhaseInvestigation,
			fmt.Sprintf("investigation: %d branch(es), %d degraded",
				len(components), len(delta.DegradedBranches))),
	}
	if _, err := c.store.CommitPhase(ctx, inc.ID, incident.PhaseInvestigation, delta); err != nil {
		return fmt.Errorf("commit Investigation: %w", err)
	}
	return nil
}

// commitBranch commits a branch delta, retrying when another branch's commit
// is in flight. The store admits one commit per incident at a time; branch
// deltas union, so a retried commit lands the same state.
func (c *Coordinator) commitBranch(ctx context.Context, id, branchID string, delta *incident.Delta) error {
	for {
		_, err := c.store.CommitDelta(ctx, id, branchID, delta)
		if !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(5+rand.IntN(20)) * time.Millisecond):
		}
	}
}

// runMerge is the fan-in barrier. The branch deltas already committed through
// the store; this phase records the merged view and advances the status.
func (c *Coordinator) runMerge(ctx context.Context, inc *incident.Incident) error {
	delta := &incident.Delta{
		Status: incident.StatusAnalyzing,
		Messages: []incident.Message{
			incident.NewMessage("coordinator", incident.PhaseInvestigationMerge,
				fmt.Sprintf("merge: %d evidence item(s) across %d component(s), %d degraded branch(es)",
					len(inc.Investigation.Evidence),
					len(inc.Investigation.Components),
					len(inc.Investigation.DegradedBranches))),
		},
	}
	if _, err := c.store.CommitPhase(ctx, inc.ID, incident.PhaseInvestigationMerge, delta); err != nil {
		return fmt.Errorf("commit InvestigationMerge: %w", err)
	}
	return nil
}

// runCommunication retries within the budget but never aborts: an undelivered
// update is recorded with a phase-tagged failure message and the pipeline
// moves on to Execution.
func (c *Coordinator) runCommunication(ctx context.Context, inc *incident.Incident) error {
	a, err := c.registry.New(agent.RoleCommunicator)
	if err != nil {
		return c.abort(ctx, inc.ID, incident.PhaseCommunication, err)
	}

	res := c.runWithBudget(ctx, a, agent.Task{Incident: inc.Clone(), Phase: incident.PhaseCommunication})
	delta := res.Delta
	if res.Outcome != agent.OutcomeSuccess {
		if err := ctx.Err(); err != nil {
			return err
		}
		delta = &incident.Delta{
			Updates: []incident.Update{{
				Recipient: "stakeholders",
				TicketID:  inc.ID,
				Delivered: false,
				Error:     res.Err.Error(),
			}},
			Messages: []incident.Message{
				incident.NewMessage("coordinator", incident.PhaseCommunication,
					fmt.Sprintf("communication failed, proceeding: %v", res.Err)),
			},
		}
	}
	if delta == nil {
		delta = &incident.Delta{}
	}
	delta.Status = incident.StatusExecuting
	if _, err := c.store.CommitPhase(ctx, inc.ID, incident.PhaseCommunication, delta); err != nil {
		return fmt.Errorf("commit Communication: %w", err)
	}
	return nil
}

// runExecution runs the executor exactly once: remediation actions are
// assumed non-idempotent, so there is no retry budget here. Any failure is
// recorded on the record (a fatal one latches the execution-fatal marker for
// Resolution) and the phase always commits.
func (c *Coordinator) runExecution(ctx context.Context, inc *incident.Incident) error {
	phase := incident.PhaseExecution
	var res agent.Result
	a, err := c.registry.New(agent.RoleExecutor)
	if err != nil {
		res = agent.Fatal(err)
	} else {
		res = a.Run(ctx, agent.Task{Incident: inc.Clone(), Phase: phase})
	}

	delta := res.Delta
	if res.Outcome != agent.OutcomeSuccess {
		if err := ctx.Err(); err != nil {
			return err
		}
		delta = &incident.Delta{
			ExecutionFatal: res.Outcome == agent.OutcomeFatal,
			Messages: []incident.Message{
				incident.NewMessage("coordinator", phase,
					fmt.Sprintf("execution failed (%s), outcome recorded: %v", res.Outcome, res.Err)),
			},
		}
	}
	if delta == nil {
		delta = &incident.Delta{}
	}
	if inc.Status != incident.StatusExecuting {
		delta.Status = incident.StatusExecuting
	}
	if _, err := c.store.CommitPhase(ctx, inc.ID, phase, delta); err != nil {
		return fmt.Errorf("commit %s: %w", phase, err)
	}
	return nil
}

// runResolution closes out the incident: resolved, unless Execution ended
// fatally.
func (c *Coordinator) runResolution(ctx context.Context, inc *incident.Incident) error {
	status := incident.StatusResolved
	summary := fmt.Sprintf("resolution: %d hypothesis(es), %d action(s) recorded",
		len(inc.Analysis.Hypotheses), len(inc.Execution.Actions))
	if inc.Analysis.Degraded {
		summary += " (degraded evidence)"
	}
	if inc.Execution.Fatal {
		status = incident.StatusFailed
		summary = "resolution: execution ended fatally, closing as failed"
	}
	delta := &incident.Delta{
		Status: status,
		Messages: []incident.Message{
			incident.NewMessage("coordinator", incident.PhaseResolution, summary),
		},
	}
	if _, err := c.store.CommitPhase(ctx, inc.ID, incident.PhaseResolution, delta); err != nil {
		return fmt.Errorf("commit Resolution: %w", err)
	}
	c.logger.Info("incident closed", "incident", inc.ID, "status", status)
	return nil
}

// abort marks the incident failed with a phase-tagged message. The failure
// write goes through CommitFailure: the phase is not recorded as completed
// and no checkpoint is published, so the checkpoint history still ends at the
// last committed phase.
func (c *Coordinator) abort(ctx context.Context, id string, phase incident.Phase, cause error) error {
	c.logger.Error("aborting incident", "incident", id, "phase", phase, "error", cause)
	delta := &incident.Delta{
		Status: incident.StatusFailed,
		Messages: []incident.Message{
			incident.NewMessage("coordinator", phase,
				fmt.Sprintf("%s failed permanently: %v", phase, cause)),
		},
	}
	if err := c.store.CommitFailure(context.WithoutCancel(ctx), id, delta); err != nil {
		return fmt.Errorf("abort commit after %s failure (%v): %w", phase, cause, err)
	}
	return fmt.Errorf("incident %s failed in %s: %w", id, phase, cause)
}
