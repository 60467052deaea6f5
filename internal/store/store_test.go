package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"triage/internal/incident"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := incident.New("inc_1", "checkout errors", "5xx spike on checkout", incident.SeverityHigh)
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Load(ctx, "inc_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Title != "checkout errors" || got.Severity != incident.SeverityHigh {
		t.Errorf("loaded incident mismatch: %+v", got)
	}
	if got.Version != 0 {
		t.Errorf("fresh incident version = %d, want 0", got.Version)
	}

	if err := s.Create(ctx, inc); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create error = %v, want ErrAlreadyExists", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestCommitPhaseBumpsVersionAndCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := incident.New("inc_2", "db latency", "", incident.SeverityMedium)
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cp, err := s.CommitPhase(ctx, "inc_2", incident.PhaseIntake, &incident.Delta{
		Messages: []incident.Message{incident.NewMessage("triager", incident.PhaseIntake, "normalized report")},
	})
	if err != nil {
		t.Fatalf("CommitPhase: %v", err)
	}
	if cp.Version != 1 {
		t.Errorf("checkpoint version = %d, want 1", cp.Version)
	}
	if !cp.State.PhaseCompleted(incident.PhaseIntake) {
		t.Error("Intake not marked completed in checkpoint")
	}

	got, err := s.Load(ctx, "inc_2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != 1 || len(got.Messages) != 1 {
		t.Errorf("after commit: version=%d messages=%d", got.Version, len(got.Messages))
	}

	latest, err := s.LatestCheckpoint(ctx, "inc_2")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest.Version != 1 || latest.Phase != string(incident.PhaseIntake) {
		t.Errorf("latest checkpoint = %s v%d", latest.Phase, latest.Version)
	}
}

func TestCommitDeltaDoesNotCompletePhase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, incident.New("inc_3", "t", "", incident.SeverityLow)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cp, err := s.CommitDelta(ctx, "inc_3", "branch-auth", &incident.Delta{
		Evidence: []incident.Evidence{{BranchID: "branch-auth", Component: "auth", Note: "recent deploy"}},
	})
	if err != nil {
		t.Fatalf("CommitDelta: %v", err)
	}
	if len(cp.State.CompletedPhases) != 0 {
		t.Errorf("branch commit completed phases: %v", cp.State.CompletedPhases)
	}
	if len(cp.State.Investigation.Evidence) != 1 {
		t.Errorf("evidence count = %d, want 1", len(cp.State.Investigation.Evidence))
	}
}

func TestCommitIsIdempotentOnReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, incident.New("inc_4", "t", "", incident.SeverityLow)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	delta := &incident.Delta{
		Components: []string{"payments"},
		Evidence:   []incident.Evidence{{BranchID: "b1", Component: "payments", Note: "config change"}},
	}
	if _, err := s.CommitDelta(ctx, "inc_4", "b1", delta); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// Re-running the same branch after a crash re-commits the same delta; the
	// union must not duplicate anything.
	cp, err := s.CommitDelta(ctx, "inc_4", "b1", delta)
	if err != nil {
		t.Fatalf("replay commit: %v", err)
	}
	if n := len(cp.State.Investigation.Evidence); n != 1 {
		t.Errorf("evidence after replay = %d, want 1", n)
	}
	if n := len(cp.State.Investigation.Components); n != 1 {
		t.Errorf("components after replay = %d, want 1", n)
	}
	if cp.Version != 2 {
		t.Errorf("version after replay = %d, want 2", cp.Version)
	}
}

func TestConcurrentCommitFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, incident.New("inc_5", "t", "", incident.SeverityLow)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate an in-flight commit holding the per-incident guard.
	s.mu.Lock()
	s.committing["inc_5"] = true
	s.mu.Unlock()

	_, err := s.CommitPhase(ctx, "inc_5", incident.PhaseIntake, &incident.Delta{})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("racing commit error = %v, want ErrConcurrentModification", err)
	}

	s.mu.Lock()
	delete(s.committing, "inc_5")
	s.mu.Unlock()

	if _, err := s.CommitPhase(ctx, "inc_5", incident.PhaseIntake, &incident.Delta{}); err != nil {
		t.Errorf("commit after guard released: %v", err)
	}
}

func TestCommitAgainstTerminalIncident(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, incident.New("inc_6", "t", "", incident.SeverityLow)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.CommitFailure(ctx, "inc_6", &incident.Delta{Status: incident.StatusFailed}); err != nil {
		t.Fatalf("failure commit: %v", err)
	}

	if _, err := s.CommitPhase(ctx, "inc_6", incident.PhaseAnalysis, &incident.Delta{}); !errors.Is(err, ErrTerminal) {
		t.Errorf("commit on failed incident = %v, want ErrTerminal", err)
	}
}

func TestCommitFailureLeavesCheckpointHistoryAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, incident.New("inc_8", "t", "", incident.SeverityLow)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.CommitPhase(ctx, "inc_8", incident.PhaseIntake, &incident.Delta{}); err != nil {
		t.Fatalf("CommitPhase: %v", err)
	}

	if err := s.CommitFailure(ctx, "inc_8", &incident.Delta{
		Status: incident.StatusFailed,
		Messages: []incident.Message{
			incident.NewMessage("coordinator", incident.PhaseIdentification, "Identification failed permanently"),
		},
	}); err != nil {
		t.Fatalf("CommitFailure: %v", err)
	}

	inc, err := s.Load(ctx, "inc_8")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inc.Status != incident.StatusFailed {
		t.Errorf("status = %v, want failed", inc.Status)
	}
	if inc.Version != 2 {
		t.Errorf("version = %d, want 2", inc.Version)
	}

	// The failure write lives only on the incident row; the checkpoint
	// history still ends at the last completed phase.
	cps, err := s.Checkpoints(ctx, "inc_8")
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("checkpoint count = %d, want 1", len(cps))
	}
	latest, err := s.LatestCheckpoint(ctx, "inc_8")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest.Phase != string(incident.PhaseIntake) || latest.Version != 1 {
		t.Errorf("latest checkpoint = %s v%d, want Intake v1", latest.Phase, latest.Version)
	}
}

func TestCheckpointHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, incident.New("inc_7", "t", "", incident.SeverityLow)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.CommitPhase(ctx, "inc_7", incident.PhaseIntake, &incident.Delta{}); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if _, err := s.CommitPhase(ctx, "inc_7", incident.PhaseIdentification, &incident.Delta{
		Components: []string{"api"},
	}); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	cps, err := s.Checkpoints(ctx, "inc_7")
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("checkpoint count = %d, want 2", len(cps))
	}
	if cps[0].Version != 1 || cps[1].Version != 2 {
		t.Errorf("checkpoint versions = %d, %d", cps[0].Version, cps[1].Version)
	}
	// Earlier checkpoints stay immutable: the v1 snapshot must not see the
	// components committed at v2.
	if len(cps[0].State.Investigation.Components) != 0 {
		t.Errorf("v1 checkpoint mutated: %v", cps[0].State.Investigation.Components)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"inc_a", "inc_b"} {
		if err := s.Create(ctx, incident.New(id, "t", "", incident.SeverityLow)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List returned %d incidents, want 2", len(all))
	}
}
