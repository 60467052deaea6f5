package coordinator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"triage/internal/agent"
	"triage/internal/coordinator"
	"triage/internal/gateway"
	"triage/internal/incident"
	"triage/internal/policy"
	"triage/internal/store"
	"triage/internal/tools"
)

type fixture struct {
	store    *store.Store
	gateway  *gateway.Gateway
	registry *agent.Registry
	coord    *coordinator.Coordinator
}

func newFixture(t *testing.T, backends ...gateway.Backend) *fixture {
	t.Helper()
	st, err := store.New(store.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gw := gateway.New(gateway.Config{
		CallTimeout:      time.Second,
		MaxAttempts:      2,
		BackoffBase:      time.Millisecond,
		BackoffCap:       time.Millisecond,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Minute,
	}, st)
	for _, b := range backends {
		gw.Register(b)
	}

	reg := agent.NewRegistry()
	agent.RegisterDefaults(reg, agent.Deps{
		Gateway:   gw,
		Policy:    policy.NewEngine(nil),
		MaxFanOut: 3,
	})

	return &fixture{
		store:    st,
		gateway:  gw,
		registry: reg,
		coord:    coordinator.New(st, reg, coordinator.Config{PhaseRetryBudget: 1, MaxFanOut: 2}),
	}
}

func submit(t *testing.T, f *fixture, id string) {
	t.Helper()
	inc := incident.New(id, "checkout 502s", "spike in 502s on checkout since 14:00", incident.SeverityHigh)
	if err := f.store.Create(context.Background(), inc); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestPipelineHappyPath(t *testing.T) {
	f := newFixture(t, tools.DemoBackends()...)
	submit(t, f, "inc_1")

	if err := f.coord.Run(context.Background(), "inc_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inc, err := f.store.Load(context.Background(), "inc_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inc.Status != incident.StatusResolved {
		t.Errorf("status = %v, want resolved", inc.Status)
	}
	if len(inc.CompletedPhases) != len(incident.Phases) {
		t.Errorf("completed phases = %v", inc.CompletedPhases)
	}
	for i, p := range incident.Phases {
		if inc.CompletedPhases[i] != p {
			t.Errorf("phase order[%d] = %v, want %v", i, inc.CompletedPhases[i], p)
		}
	}
	if len(inc.Investigation.Evidence) == 0 {
		t.Error("no evidence gathered")
	}
	if len(inc.Analysis.Hypotheses) == 0 {
		t.Error("no hypotheses")
	}
	if len(inc.Communication.Updates) == 0 || !inc.Communication.Updates[0].Delivered {
		t.Errorf("updates = %+v", inc.Communication.Updates)
	}
	if len(inc.Execution.Actions) == 0 {
		t.Error("no actions recorded")
	}

	// Every tool call left an audit row.
	invs, err := f.store.Invocations(context.Background(), "inc_1")
	if err != nil {
		t.Fatalf("Invocations: %v", err)
	}
	if len(invs) == 0 {
		t.Error("no tool invocations audited")
	}
}

func TestZeroComponentsTakesDegradedPath(t *testing.T) {
	backends := []gateway.Backend{
		tools.NewScripted(gateway.CapRepositorySearch, func(gateway.Request, int) (*gateway.Response, error) {
			return &gateway.Response{}, nil // nothing matches
		}),
		tools.NewScripted(gateway.CapRepositoryRead, nil),
		tools.NewScripted(gateway.CapTicketWrite, nil),
		tools.NewScripted(gateway.CapReasoningInfer, func(gateway.Request, int) (*gateway.Response, error) {
			return &gateway.Response{Text: "0.2|insufficient evidence; likely external dependency"}, nil
		}),
	}
	f := newFixture(t, backends...)
	submit(t, f, "inc_2")

	if err := f.coord.Run(context.Background(), "inc_2"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inc, _ := f.store.Load(context.Background(), "inc_2")
	if inc.Status != incident.StatusResolved {
		t.Errorf("status = %v, want resolved", inc.Status)
	}
	if !inc.Investigation.InsufficientEvidence {
		t.Error("insufficient-evidence flag not latched")
	}
	if !inc.Analysis.Degraded {
		t.Error("analysis not flagged degraded")
	}
	if len(inc.Investigation.Evidence) != 0 {
		t.Errorf("unexpected evidence: %+v", inc.Investigation.Evidence)
	}
}

func TestCommunicationFailureStillReachesResolution(t *testing.T) {
	backends := tools.DemoBackends()
	var ticketWrite *tools.Scripted
	for _, b := range backends {
		if b.Name() == gateway.CapTicketWrite {
			ticketWrite = b.(*tools.Scripted)
		}
	}
	ticketWrite.FailNext(1000, false)

	f := newFixture(t, backends...)
	submit(t, f, "inc_3")

	if err := f.coord.Run(context.Background(), "inc_3"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inc, _ := f.store.Load(context.Background(), "inc_3")
	if inc.Status != incident.StatusResolved {
		t.Errorf("status = %v, want resolved", inc.Status)
	}
	if !inc.PhaseCompleted(incident.PhaseCommunication) {
		t.Error("Communication not marked completed")
	}
	if len(inc.Communication.Updates) == 0 || inc.Communication.Updates[0].Delivered {
		t.Errorf("updates = %+v, want undelivered", inc.Communication.Updates)
	}

	var tagged bool
	for _, m := range inc.Messages {
		if m.Phase == incident.PhaseCommunication && strings.Contains(m.Content, "failed") {
			tagged = true
		}
	}
	if !tagged {
		t.Error("no phase-tagged communication failure message")
	}
}

func TestAnalysisFatalFailsIncident(t *testing.T) {
	backends := tools.DemoBackends()
	var reason *tools.Scripted
	for _, b := range backends {
		if b.Name() == gateway.CapReasoningInfer {
			reason = b.(*tools.Scripted)
		}
	}
	reason.FailNext(1000, true)

	f := newFixture(t, backends...)
	submit(t, f, "inc_4")

	err := f.coord.Run(context.Background(), "inc_4")
	if err == nil {
		t.Fatal("Run succeeded, want failure")
	}

	inc, _ := f.store.Load(context.Background(), "inc_4")
	if inc.Status != incident.StatusFailed {
		t.Errorf("status = %v, want failed", inc.Status)
	}
	// The record keeps everything committed up to the merge barrier.
	if !inc.PhaseCompleted(incident.PhaseInvestigationMerge) {
		t.Error("InvestigationMerge not completed before failure")
	}
	if inc.PhaseCompleted(incident.PhaseAnalysis) {
		t.Error("Analysis wrongly marked completed")
	}
	if len(inc.Investigation.Evidence) == 0 {
		t.Error("evidence lost on abort")
	}

	// The abort write must not extend the checkpoint history: the latest
	// checkpoint is still the merge barrier's.
	latest, err := f.store.LatestCheckpoint(context.Background(), "inc_4")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest.Phase != string(incident.PhaseInvestigationMerge) {
		t.Errorf("latest checkpoint phase = %q, want InvestigationMerge", latest.Phase)
	}
}

// failingExecutor stands in for an executor whose remediation run ends in an
// unrecoverable failure.
type failingExecutor struct{}

func (failingExecutor) Role() agent.Role { return agent.RoleExecutor }

func (failingExecutor) Run(context.Context, agent.Task) agent.Result {
	return agent.Fatal(errors.New("rollback left the deployment half-applied"))
}

func TestFatalExecutionClosesIncidentAsFailed(t *testing.T) {
	f := newFixture(t, tools.DemoBackends()...)
	f.registry.Register(agent.RoleExecutor, func() agent.Agent { return failingExecutor{} })
	submit(t, f, "inc_8")

	// Execution failures are recorded, never retried, so the pipeline still
	// runs to completion.
	if err := f.coord.Run(context.Background(), "inc_8"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inc, err := f.store.Load(context.Background(), "inc_8")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inc.Status != incident.StatusFailed {
		t.Errorf("status = %v, want failed", inc.Status)
	}
	if !inc.Execution.Fatal {
		t.Error("execution fatal marker not set")
	}
	if !inc.PhaseCompleted(incident.PhaseExecution) {
		t.Error("Execution not marked completed")
	}
	if !inc.PhaseCompleted(incident.PhaseResolution) {
		t.Error("Resolution not marked completed")
	}

	var recorded bool
	for _, m := range inc.Messages {
		if m.Phase == incident.PhaseExecution && strings.Contains(m.Content, "execution failed") {
			recorded = true
		}
	}
	if !recorded {
		t.Error("no phase-tagged execution failure message")
	}
}

func TestResumptionSkipsCompletedPhases(t *testing.T) {
	f := newFixture(t, tools.DemoBackends()...)
	submit(t, f, "inc_5")

	// Simulate a previous run that completed Intake before crashing.
	marker := incident.NewMessage("triager", incident.PhaseIntake, "intake: done before crash")
	if _, err := f.store.CommitPhase(context.Background(), "inc_5", incident.PhaseIntake,
		&incident.Delta{Messages: []incident.Message{marker}}); err != nil {
		t.Fatalf("CommitPhase: %v", err)
	}

	if err := f.coord.Run(context.Background(), "inc_5"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inc, _ := f.store.Load(context.Background(), "inc_5")
	if inc.Status != incident.StatusResolved {
		t.Errorf("status = %v, want resolved", inc.Status)
	}
	var intakeMsgs int
	for _, m := range inc.Messages {
		if m.Phase == incident.PhaseIntake {
			intakeMsgs++
		}
	}
	if intakeMsgs != 1 {
		t.Errorf("intake messages = %d, want 1 (phase must not re-run)", intakeMsgs)
	}

	// Running again on a terminal record is a no-op.
	before := inc.Version
	if err := f.coord.Run(context.Background(), "inc_5"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	after, _ := f.store.Load(context.Background(), "inc_5")
	if after.Version != before {
		t.Errorf("version moved %d -> %d on terminal re-run", before, after.Version)
	}
}

// blockingBackend parks until its context is cancelled.
type blockingBackend struct {
	cap     gateway.Capability
	started chan struct{}
}

func (b *blockingBackend) Name() gateway.Capability { return b.cap }

func (b *blockingBackend) Call(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancellationLeavesLastCheckpoint(t *testing.T) {
	backends := tools.DemoBackends()
	blocking := &blockingBackend{cap: gateway.CapReasoningInfer, started: make(chan struct{}, 1)}
	var filtered []gateway.Backend
	for _, b := range backends {
		if b.Name() != gateway.CapReasoningInfer {
			filtered = append(filtered, b)
		}
	}
	f := newFixture(t, append(filtered, blocking)...)
	submit(t, f, "inc_6")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx, "inc_6") }()

	<-blocking.started // pipeline reached Analysis
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not unwind after cancel")
	}

	inc, _ := f.store.Load(context.Background(), "inc_6")
	if inc.Status.Terminal() {
		t.Errorf("status = %v, want non-terminal", inc.Status)
	}
	if !inc.PhaseCompleted(incident.PhaseInvestigationMerge) {
		t.Error("record lost committed phases")
	}
	if inc.PhaseCompleted(incident.PhaseAnalysis) {
		t.Error("cancelled phase marked completed")
	}
}

func TestRunnerSubmitAndDuplicate(t *testing.T) {
	f := newFixture(t, tools.DemoBackends()...)
	r := coordinator.NewRunner(f.coord, f.store, 2)
	defer r.Shutdown()

	if err := r.Submit(context.Background(), "inc_7", "t", "", incident.SeverityLow); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := r.Submit(context.Background(), "inc_7", "t", "", incident.SeverityLow)
	if !errors.Is(err, coordinator.ErrAlreadyRunning) && !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate Submit = %v", err)
	}

	// Wait for the pipeline to finish.
	deadline := time.After(10 * time.Second)
	for {
		inc, err := f.store.Load(context.Background(), "inc_7")
		if err == nil && inc.Status.Terminal() {
			if inc.Status != incident.StatusResolved {
				t.Errorf("status = %v", inc.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("incident never reached a terminal status")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
