package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"triage/internal/incident"
	"triage/internal/store"
)

// ErrAlreadyRunning is returned by Submit when the incident already has a
// coordinator in flight.
var ErrAlreadyRunning = errors.New("incident already running")

// Runner supervises one coordinator per incident. Store and gateway are
// shared; coordinators for different incidents run concurrently up to
// MaxConcurrent.
type Runner struct {
	coord  *Coordinator
	store  *store.Store
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner. maxConcurrent bounds simultaneously active
// incidents; zero means a sensible default.
func NewRunner(coord *Coordinator, st *store.Store, maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Runner{
		coord:   coord,
		store:   st,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		logger:  slog.Default().With("component", "runner"),
		running: make(map[string]context.CancelFunc),
	}
}

// Submit creates the incident record and starts its coordinator. Returns
// ErrAlreadyRunning when a coordinator is in flight for the id, and
// store.ErrAlreadyExists when the record exists but nothing is running (use
// Resume for that).
func (r *Runner) Submit(ctx context.Context, id, title, description string, severity incident.Severity) error {
	r.mu.Lock()
	if _, ok := r.running[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("incident %s: %w", id, ErrAlreadyRunning)
	}
	r.mu.Unlock()

	inc := incident.New(id, title, description, severity)
	if err := r.store.Create(ctx, inc); err != nil {
		return err
	}
	r.start(id)
	return nil
}

// Resume restarts the coordinator for an existing incident, picking up at the
// first phase not yet committed. Terminal incidents are left alone.
func (r *Runner) Resume(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.running[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("incident %s: %w", id, ErrAlreadyRunning)
	}
	r.mu.Unlock()

	inc, err := r.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if inc.Status.Terminal() {
		return nil
	}
	r.start(id)
	return nil
}

// ResumeAll restarts coordinators for every non-terminal incident. Called at
// daemon startup.
func (r *Runner) ResumeAll(ctx context.Context) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, inc := range all {
		if inc.Status.Terminal() {
			continue
		}
		if err := r.Resume(ctx, inc.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			r.logger.Warn("resume failed", "incident", inc.ID, "error", err)
		}
	}
	return nil
}

func (r *Runner) start(id string) {
	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.running[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, id)
			r.mu.Unlock()
			cancel()
		}()

		if err := r.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)

		if err := r.coord.Run(runCtx, id); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("incident run ended with error", "incident", id, "error", err)
		}
	}()
}

// Cancel stops a running incident's coordinator. The record stays at its last
// committed checkpoint. Reports whether a coordinator was running.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the incident has a coordinator in flight.
func (r *Runner) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

// Shutdown cancels all running coordinators and waits for them to unwind.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
