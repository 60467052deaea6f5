package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"triage/internal/store"
)

// Capability names one kind of external tool the gateway can invoke.
type Capability string

const (
	CapRepositorySearch Capability = "repository-search"
	CapRepositoryRead   Capability = "repository-read"
	CapTicketRead       Capability = "ticket-read"
	CapTicketWrite      Capability = "ticket-write"
	CapReasoningInfer   Capability = "reasoning-infer"
)

// Request carries the capability-specific input. Only the fields relevant to
// the invoked capability are set.
type Request struct {
	// Query for repository-search.
	Query string `json:"query,omitempty"`
	// Path for repository-read.
	Path string `json:"path,omitempty"`
	// TicketID for ticket-read / ticket-write.
	TicketID string `json:"ticket_id,omitempty"`
	// Body for ticket-write.
	Body string `json:"body,omitempty"`
	// Prompt for reasoning-infer.
	Prompt string `json:"prompt,omitempty"`
}

// Finding is one structured result of a repository capability.
type Finding struct {
	Component string  `json:"component"`
	CommitRef string  `json:"commit_ref,omitempty"`
	FilePath  string  `json:"file_path,omitempty"`
	Diff      string  `json:"diff,omitempty"`
	Note      string  `json:"note,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// Response is the normalized capability output.
type Response struct {
	Text     string    `json:"text,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
}

// Backend implements one capability. Backends classify their own terminal
// failures by wrapping them with Fatal; anything else is treated as
// retryable.
type Backend interface {
	Name() Capability
	Call(ctx context.Context, req Request) (*Response, error)
}

// Recorder receives the per-call audit entry. *store.Store satisfies it.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv store.ToolInvocation) error
}

// Config tunes the gateway's resilience envelope.
type Config struct {
	// CallTimeout bounds each individual backend attempt.
	CallTimeout time.Duration
	// MaxAttempts caps retries per Invoke (including the first attempt).
	MaxAttempts int
	// BackoffBase is the initial retry delay; jittered exponential growth
	// from there up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// BreakerThreshold is the consecutive-failure count that opens a
	// capability's circuit.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit rejects calls before
	// allowing a probe.
	BreakerCooldown time.Duration
}

// DefaultConfig returns the stock resilience settings.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      30 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      200 * time.Millisecond,
		BackoffCap:       5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Gateway mediates all tool calls: timeout, retry, circuit breaking, audit.
type Gateway struct {
	cfg      Config
	recorder Recorder
	logger   *slog.Logger

	mu       sync.RWMutex
	backends map[Capability]Backend
	breakers map[Capability]*breaker
}

// New creates a gateway. recorder may be nil (no audit trail).
func New(cfg Config, recorder Recorder) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultConfig().BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultConfig().BreakerCooldown
	}
	return &Gateway{
		cfg:      cfg,
		recorder: recorder,
		logger:   slog.Default().With("component", "gateway"),
		backends: make(map[Capability]Backend),
		breakers: make(map[Capability]*breaker),
	}
}

// Register installs a backend for its capability, replacing any previous one.
func (g *Gateway) Register(b Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backends[b.Name()] = b
	g.breakers[b.Name()] = newBreaker(g.cfg.BreakerThreshold, g.cfg.BreakerCooldown)
}

type incidentKey struct{}

// WithIncident tags the context with the incident id for audit attribution.
func WithIncident(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, incidentKey{}, id)
}

func incidentFrom(ctx context.Context) string {
	id, _ := ctx.Value(incidentKey{}).(string)
	return id
}

// Invoke calls a capability through the full resilience envelope. The
// returned error, when non-nil, is always a *Error carrying the
// classification.
func (g *Gateway) Invoke(ctx context.Context, cap Capability, req Request) (*Response, error) {
	g.mu.RLock()
	backend, ok := g.backends[cap]
	br := g.breakers[cap]
	g.mu.RUnlock()

	start := time.Now()

	if !ok {
		err := &Error{Capability: cap, Class: ClassFatal, Attempts: 0,
			Err: fmt.Errorf("no backend registered for %s", cap)}
		g.audit(ctx, cap, 0, ClassFatal, start, err)
		return nil, err
	}

	if !br.allow() {
		err := &Error{Capability: cap, Class: ClassCircuitOpen, Attempts: 0,
			Err: errors.New("circuit open")}
		g.audit(ctx, cap, 0, ClassCircuitOpen, start, err)
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.BackoffBase
	bo.MaxInterval = g.cfg.BackoffCap

	attempts := 0
	op := func() (*Response, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		resp, err := backend.Call(callCtx, req)
		if err == nil {
			return resp, nil
		}
		if isFatalBackendErr(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		g.logger.Debug("tool call attempt failed",
			"capability", cap, "attempt", attempts, "error", err)
		return nil, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(g.cfg.MaxAttempts)),
	)

	if err == nil {
		br.record(true)
		g.audit(ctx, cap, attempts, "", start, nil)
		return resp, nil
	}

	class := ClassDegraded // retries exhausted
	switch {
	case isFatalBackendErr(err):
		// The backend answered with a terminal verdict; it is healthy.
		class = ClassFatal
		br.record(true)
	case ctx.Err() != nil:
		// Cancelled from above. Says nothing about the capability's health
		// either way, so leave the breaker's failure count alone.
		class = ClassFatal
	default:
		br.record(false)
	}

	ge := &Error{Capability: cap, Class: class, Attempts: attempts, Err: err}
	g.logger.Warn("tool call failed",
		"capability", cap, "class", class, "attempts", attempts, "error", err)
	g.audit(ctx, cap, attempts, class, start, ge)
	return nil, ge
}

func (g *Gateway) audit(ctx context.Context, cap Capability, attempts int, class Class, start time.Time, callErr error) {
	if g.recorder == nil {
		return
	}
	inv := store.ToolInvocation{
		IncidentID:     incidentFrom(ctx),
		Capability:     string(cap),
		Attempts:       attempts,
		Classification: string(class),
		Duration:       time.Since(start).Milliseconds(),
	}
	if callErr != nil {
		inv.Error = callErr.Error()
	}
	if class == "" {
		inv.Classification = "ok"
	}
	// Audit is best-effort; use a detached context so a cancelled call still
	// leaves its trace.
	if err := g.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
		g.logger.Warn("audit record failed", "capability", cap, "error", err)
	}
}
