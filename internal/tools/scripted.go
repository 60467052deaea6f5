package tools

import (
	"context"
	"fmt"
	"sync"

	"triage/internal/gateway"
)

// Scripted is a programmable backend for tests, demos, and fault drills. It
// serves canned responses per capability and can be told to fail the next N
// calls (retryably or fatally) before recovering.
type Scripted struct {
	capability gateway.Capability

	mu        sync.Mutex
	calls     int
	failNext  int
	fatalNext bool
	respond   func(req gateway.Request, call int) (*gateway.Response, error)
}

// NewScripted creates a scripted backend for one capability. respond may be
// nil, in which case a minimal canned response is returned.
func NewScripted(cap gateway.Capability, respond func(req gateway.Request, call int) (*gateway.Response, error)) *Scripted {
	return &Scripted{capability: cap, respond: respond}
}

func (s *Scripted) Name() gateway.Capability { return s.capability }

// FailNext makes the next n calls fail. When fatal is set the failures are
// non-retryable.
func (s *Scripted) FailNext(n int, fatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.fatalNext = fatal
}

// Calls returns how many times the backend has been invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Call(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	if s.failNext > 0 {
		s.failNext--
		fatal := s.fatalNext
		s.mu.Unlock()
		err := fmt.Errorf("scripted %s failure (call %d)", s.capability, call)
		if fatal {
			return nil, gateway.Fatal(err)
		}
		return nil, err
	}
	respond := s.respond
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if respond != nil {
		return respond(req, call)
	}
	return &gateway.Response{Text: fmt.Sprintf("scripted %s response", s.capability)}, nil
}

// DemoBackends returns a full scripted capability set with plausible canned
// content, enough to drive the pipeline end to end without external systems.
func DemoBackends() []gateway.Backend {
	search := NewScripted(gateway.CapRepositorySearch, func(req gateway.Request, _ int) (*gateway.Response, error) {
		return &gateway.Response{Findings: []gateway.Finding{
			{
				Component: "payments",
				CommitRef: "a1b2c3d",
				FilePath:  "internal/payments/charge.go",
				Note:      "recent change to retry handling matching query " + req.Query,
				Score:     0.8,
			},
		}}, nil
	})
	read := NewScripted(gateway.CapRepositoryRead, func(req gateway.Request, _ int) (*gateway.Response, error) {
		return &gateway.Response{
			Text: "// contents of " + req.Path + "\nfunc Charge(...) { /* elided */ }",
			Findings: []gateway.Finding{
				{Component: "payments", FilePath: req.Path, Diff: "-retries := 3\n+retries := 0", Score: 0.6},
			},
		}, nil
	})
	ticketRead := NewScripted(gateway.CapTicketRead, func(req gateway.Request, _ int) (*gateway.Response, error) {
		return &gateway.Response{Text: "ticket " + req.TicketID + ": customer reports intermittent 502s since 14:00 UTC"}, nil
	})
	ticketWrite := NewScripted(gateway.CapTicketWrite, func(req gateway.Request, _ int) (*gateway.Response, error) {
		return &gateway.Response{Text: "posted to " + req.TicketID}, nil
	})
	reason := NewScripted(gateway.CapReasoningInfer, func(req gateway.Request, _ int) (*gateway.Response, error) {
		return &gateway.Response{Text: "Most likely cause: retry handling regression in the payments service (confidence 0.7)."}, nil
	})
	return []gateway.Backend{search, read, ticketRead, ticketWrite, reason}
}
