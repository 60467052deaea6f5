package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"triage/internal/agent"
	"triage/internal/coordinator"
	"triage/internal/gateway"
	"triage/internal/incident"
	"triage/internal/policy"
	"triage/internal/server"
	"triage/internal/store"
	"triage/internal/tools"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.New(store.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gw := gateway.New(gateway.Config{
		CallTimeout: time.Second,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	}, st)
	for _, b := range tools.DemoBackends() {
		gw.Register(b)
	}

	reg := agent.NewRegistry()
	agent.RegisterDefaults(reg, agent.Deps{Gateway: gw, Policy: policy.NewEngine(nil), MaxFanOut: 2})

	coord := coordinator.New(st, reg, coordinator.DefaultConfig())
	runner := coordinator.NewRunner(coord, st, 4)
	t.Cleanup(runner.Shutdown)

	ts := httptest.NewServer(server.New(st, runner).Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func waitTerminal(t *testing.T, st *store.Store, id string) *incident.Incident {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		inc, err := st.Load(t.Context(), id)
		if err == nil && inc.Status.Terminal() {
			return inc
		}
		select {
		case <-deadline:
			t.Fatalf("incident %s never reached a terminal status", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitAndFetch(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/incidents",
		`{"id":"inc_api1","title":"checkout 502s","severity":"high"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var accepted struct{ ID, Status string }
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if accepted.ID != "inc_api1" || accepted.Status != "accepted" {
		t.Errorf("accepted = %+v", accepted)
	}

	waitTerminal(t, st, "inc_api1")

	get, err := http.Get(ts.URL + "/api/v1/incidents/inc_api1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", get.StatusCode)
	}
	var inc incident.Incident
	if err := json.NewDecoder(get.Body).Decode(&inc); err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	if inc.Status != incident.StatusResolved {
		t.Errorf("status = %v", inc.Status)
	}
}

func TestSubmitDuplicateConflicts(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/incidents", `{"id":"inc_dup","title":"t","severity":"low"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/incidents", `{"id":"inc_dup","title":"t","severity":"low"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate submit status = %d, want 409", resp.StatusCode)
	}
	waitTerminal(t, st, "inc_dup")
}

func TestSubmitValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, body := range []string{
		`{"severity":"high"}`,                // missing title
		`{"title":"t","severity":"urgent"}`, // bad severity
		`not json`,
	} {
		resp := postJSON(t, ts.URL+"/api/v1/incidents", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("submit %q status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestListIncidents(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/incidents", `{"id":"inc_l1","title":"t","severity":"low"}`)
	resp.Body.Close()
	waitTerminal(t, st, "inc_l1")

	get, err := http.Get(ts.URL + "/api/v1/incidents")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer get.Body.Close()
	var out struct {
		Incidents []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"incidents"`
	}
	if err := json.NewDecoder(get.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Incidents) != 1 || out.Incidents[0].ID != "inc_l1" {
		t.Errorf("incidents = %+v", out.Incidents)
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/incidents", `{"id":"inc_a1","title":"t","severity":"low"}`)
	resp.Body.Close()
	waitTerminal(t, st, "inc_a1")

	get, err := http.Get(ts.URL + "/api/v1/incidents/inc_a1/audit")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", get.StatusCode)
	}
	var out struct {
		ToolCalls []store.ToolInvocation `json:"tool_calls"`
	}
	if err := json.NewDecoder(get.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.ToolCalls) == 0 {
		t.Error("empty audit trail after a full run")
	}
}

func TestGetUnknownIncident(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/incidents/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelNotRunning(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/incidents", `{"id":"inc_c1","title":"t","severity":"low"}`)
	resp.Body.Close()
	waitTerminal(t, st, "inc_c1")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/incidents/inc_c1", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusConflict {
		t.Errorf("cancel finished incident status = %d, want 409", del.StatusCode)
	}
}
