package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/scheduler"
	"previewd/internal/session"
)

type fakeSessions struct {
	sessions map[string]*session.Session
	// unlisted 模拟超出列表分页的旧会话
	unlisted  map[string]bool
	createErr error
	created   []session.CreateRequest
	destroyed []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*session.Session{
		"s-1": {ID: "s-1", UserID: "alice", ProjectID: "p1", Status: session.StatusActive, Tier: "free", MachineID: "m-1", MachineURL: "https://previews.fly.dev"},
		"s-2": {ID: "s-2", UserID: "bob", ProjectID: "p2", Status: session.StatusActive, Tier: "pro", MachineID: "m-2"},
	}}
}

func (f *fakeSessions) CreateSession(_ context.Context, req session.CreateRequest) (*session.CreateResult, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return &session.CreateResult{SessionID: "s-new", Status: session.StatusError}, f.createErr
	}
	return &session.CreateResult{SessionID: "s-new", MachineID: "m-new", URL: "https://previews.fly.dev", Status: session.StatusActive}, nil
}

func (f *fakeSessions) DestroySession(_ context.Context, id string) error {
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*session.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessions) GetSessionStatus(ctx context.Context, id string) (*session.StatusResult, error) {
	s, err := f.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &session.StatusResult{Session: s, MachineError: "machine state unavailable"}, nil
}

func (f *fakeSessions) ListUserSessions(_ context.Context, userID string) ([]*session.Session, error) {
	var out []*session.Session
	for _, s := range f.sessions {
		if s.UserID == userID && !f.unlisted[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) SessionOwners(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if s, ok := f.sessions[id]; ok {
			out[id] = s.UserID
		}
	}
	return out, nil
}

func (f *fakeSessions) SessionMetrics(_ context.Context, id string) (*session.Metrics, error) {
	return &session.Metrics{SessionID: id}, nil
}

func (f *fakeSessions) EnforceSessionLimits(_ context.Context, id string) (*session.EnforcementResult, error) {
	if f.sessions[id].MachineID == "" {
		return nil, session.ErrNoMachine
	}
	return &session.EnforcementResult{SessionID: id, WithinLimits: true, Status: machine.HealthOK}, nil
}

func (f *fakeSessions) CleanupExpiredSessions(context.Context) (*session.CleanupReport, error) {
	return &session.CleanupReport{Candidates: 2, Ended: 2}, nil
}

type fakeMachines struct {
	machines map[string]*machine.Machine
}

func (f *fakeMachines) Get(_ context.Context, id string) (*machine.Machine, error) {
	m, ok := f.machines[id]
	if !ok {
		return nil, machine.ErrMachineNotFound
	}
	return m, nil
}

func (f *fakeMachines) List(context.Context) ([]*machine.Machine, error) {
	var out []*machine.Machine
	for _, m := range f.machines {
		out = append(out, m)
	}
	return out, nil
}

type fakeJobs struct {
	running string
}

func (f *fakeJobs) Jobs() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: scheduler.JobOrphanCleanup, Interval: "1h0m0s"}}
}

func (f *fakeJobs) RunJobNow(_ context.Context, name string) error {
	switch {
	case name == f.running:
		return scheduler.ErrJobRunning
	case name != scheduler.JobOrphanCleanup:
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, name)
	}
	return nil
}

type testEnv struct {
	sessions *fakeSessions
	machines *fakeMachines
	mon      *monitor.Service
	router   http.Handler
}

func newTestEnv(token string) *testEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := newFakeSessions()
	machines := &fakeMachines{machines: map[string]*machine.Machine{
		"m-1": {ID: "m-1", State: machine.StateStarted, Config: machine.Config{Metadata: map[string]string{machine.MetaSessionID: "s-1", machine.MetaTier: "free"}}},
		"m-2": {ID: "m-2", State: machine.StateStarted, Config: machine.Config{Metadata: map[string]string{machine.MetaSessionID: "s-2"}}},
		"m-x": {ID: "m-x", State: machine.StateStarted},
	}}
	mon := monitor.NewService(monitor.Options{}, logger)
	router := NewRouter(Deps{
		Sessions:   sessions,
		Machines:   machines,
		Monitoring: mon,
		Jobs:       &fakeJobs{running: scheduler.JobSystemMonitoring},
	}, RouterConfig{APIToken: token, Logger: logger})
	return &testEnv{sessions: sessions, machines: machines, mon: mon, router: router}
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env Envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, env
}

func TestAuthGate(t *testing.T) {
	e := newTestEnv("secret")

	w, env := e.do(t, http.MethodGet, "/api/sessions", "", "")
	if w.Code != http.StatusUnauthorized || env.Success {
		t.Errorf("missing user: %d %+v", w.Code, env)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(headerUserID, "alice")
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d", rec.Code)
	}

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200 without auth", path, rec.Code)
		}
	}
}

func TestAuthDisabledStillNeedsUser(t *testing.T) {
	e := newTestEnv("")
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(headerUserID, "alice")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("dev mode = %d", rec.Code)
	}
}

func TestStartSession(t *testing.T) {
	e := newTestEnv("secret")

	w, env := e.do(t, http.MethodPost, "/api/sessions/start", "alice", `{"projectId":"p9","tier":"ENTERPRISE","idempotencyKey":"k1"}`)
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("start = %d %+v", w.Code, env)
	}
	data := env.Data.(map[string]any)
	if data["sessionId"] != "s-new" || data["containerUrl"] != "https://previews.fly.dev" {
		t.Errorf("data = %v", data)
	}
	got := e.sessions.created[0]
	if got.UserID != "alice" || got.Tier != "free" || got.IdempotencyKey != "k1" {
		t.Errorf("request = %+v", got)
	}

	w, _ = e.do(t, http.MethodPost, "/api/sessions/start", "alice", `{"tier":"pro"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing projectId = %d", w.Code)
	}
}

func TestStartSessionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"in flight", session.ErrSessionInFlight, http.StatusConflict, session.ErrSessionInFlight.Error()},
		{"key reused for other project", session.ErrClaimMismatch, http.StatusConflict, session.ErrClaimMismatch.Error()},
		{"provisioning", fmt.Errorf("%w: %w", session.ErrProvisioningFailed, &machine.APIError{StatusCode: 500, Body: "token=abc"}), http.StatusInternalServerError, session.ErrProvisioningFailed.Error()},
		{"internal", errors.New("pg: connection refused"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv("secret")
			e.sessions.createErr = tt.err
			w, env := e.do(t, http.MethodPost, "/api/sessions/start", "alice", `{"projectId":"p1"}`)
			if w.Code != tt.code || env.Error != tt.msg || env.Success {
				t.Errorf("got %d %+v", w.Code, env)
			}
			if strings.Contains(w.Body.String(), "token=abc") {
				t.Error("upstream body leaked")
			}
		})
	}
}

func TestOwnershipChecks(t *testing.T) {
	e := newTestEnv("secret")

	tests := []struct {
		method, path, body string
		code               int
	}{
		{http.MethodGet, "/api/sessions/s-1/status", "", http.StatusOK},
		{http.MethodGet, "/api/sessions/s-2/status", "", http.StatusForbidden},
		{http.MethodGet, "/api/sessions/missing/status", "", http.StatusNotFound},
		{http.MethodGet, "/api/sessions/s-1/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/sessions/s-2/metrics", "", http.StatusForbidden},
		{http.MethodPost, "/api/sessions/s-1/enforce-limits", "", http.StatusOK},
		{http.MethodPost, "/api/sessions/s-2/enforce-limits", "", http.StatusForbidden},
		{http.MethodPost, "/api/sessions/stop", `{"sessionId":"s-2"}`, http.StatusForbidden},
		{http.MethodPost, "/api/sessions/stop", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/api/machines/m-1/status", "", http.StatusOK},
		{http.MethodGet, "/api/machines/m-2/status", "", http.StatusForbidden},
		{http.MethodGet, "/api/machines/m-x/status", "", http.StatusNotFound},
		{http.MethodGet, "/api/machines/nope/status", "", http.StatusNotFound},
		{http.MethodGet, "/api/sessions/s-1/events", "", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		w, _ := e.do(t, tt.method, tt.path, "alice", tt.body)
		if w.Code != tt.code {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.code)
		}
	}
	if len(e.sessions.destroyed) != 0 {
		t.Errorf("forbidden stop destroyed %v", e.sessions.destroyed)
	}

	w, env := e.do(t, http.MethodPost, "/api/sessions/stop", "alice", `{"sessionId":"s-1"}`)
	if w.Code != http.StatusOK || !env.Success || e.sessions.destroyed[0] != "s-1" {
		t.Errorf("stop = %d %+v", w.Code, env)
	}
}

func TestListScopedToCaller(t *testing.T) {
	e := newTestEnv("secret")

	_, env := e.do(t, http.MethodGet, "/api/sessions", "alice", "")
	if list := env.Data.([]any); len(list) != 1 {
		t.Errorf("sessions = %v", list)
	}

	_, env = e.do(t, http.MethodGet, "/api/machines", "alice", "")
	list := env.Data.([]any)
	if len(list) != 1 || list[0].(map[string]any)["id"] != "m-1" {
		t.Errorf("machines = %v", list)
	}
}

func TestListMachinesBeyondSessionPage(t *testing.T) {
	e := newTestEnv("secret")
	e.sessions.sessions["s-old"] = &session.Session{ID: "s-old", UserID: "alice", Status: session.StatusActive, MachineID: "m-old"}
	e.sessions.unlisted = map[string]bool{"s-old": true}
	e.machines.machines["m-old"] = &machine.Machine{ID: "m-old", State: machine.StateStarted, Config: machine.Config{Metadata: map[string]string{machine.MetaSessionID: "s-old"}}}

	_, env := e.do(t, http.MethodGet, "/api/machines", "alice", "")
	ids := map[string]bool{}
	for _, item := range env.Data.([]any) {
		ids[item.(map[string]any)["id"].(string)] = true
	}
	if len(ids) != 2 || !ids["m-1"] || !ids["m-old"] {
		t.Errorf("machines = %v, want m-1 and m-old", ids)
	}

	_, env = e.do(t, http.MethodGet, "/api/machines", "bob", "")
	if list := env.Data.([]any); len(list) != 1 || list[0].(map[string]any)["id"] != "m-2" {
		t.Errorf("bob machines = %v", list)
	}
}

func TestMonitoringRoutes(t *testing.T) {
	e := newTestEnv("secret")
	e.mon.RecordMetric("critical_sessions", 6, nil)

	_, env := e.do(t, http.MethodGet, "/api/monitoring/health", "ops", "")
	if env.Data.(map[string]any)["status"] != "critical" {
		t.Errorf("health = %v", env.Data)
	}

	_, env = e.do(t, http.MethodGet, "/api/monitoring/alerts?active=true", "ops", "")
	alerts := env.Data.([]any)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %v", alerts)
	}
	id := alerts[0].(map[string]any)["id"].(string)

	w, env := e.do(t, http.MethodPost, "/api/monitoring/alerts/"+id+"/resolve", "ops", `{"resolution":"scaled down"}`)
	if w.Code != http.StatusOK || env.Data.(map[string]any)["resolution"] != "scaled down" {
		t.Errorf("resolve = %d %+v", w.Code, env)
	}
	w, _ = e.do(t, http.MethodPost, "/api/monitoring/alerts/unknown/resolve", "ops", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("resolve unknown = %d", w.Code)
	}

	for _, path := range []string{"/api/monitoring/metrics?name=critical_sessions", "/api/monitoring/events", "/api/monitoring/dashboard", "/api/monitoring/jobs"} {
		if w, env := e.do(t, http.MethodGet, path, "ops", ""); w.Code != http.StatusOK || !env.Success {
			t.Errorf("%s = %d", path, w.Code)
		}
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "previewd_critical_sessions 6") {
		t.Errorf("prometheus export = %q", rec.Body.String())
	}
}

func TestRunJob(t *testing.T) {
	e := newTestEnv("secret")
	tests := []struct {
		job  string
		code int
	}{
		{scheduler.JobOrphanCleanup, http.StatusOK},
		{scheduler.JobSystemMonitoring, http.StatusConflict},
		{"unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		w, _ := e.do(t, http.MethodPost, "/api/monitoring/jobs/"+tt.job+"/run", "ops", "")
		if w.Code != tt.code {
			t.Errorf("run %s = %d, want %d", tt.job, w.Code, tt.code)
		}
	}
}

func TestCleanupRoute(t *testing.T) {
	e := newTestEnv("secret")
	w, env := e.do(t, http.MethodPost, "/api/sessions/cleanup", "ops", "")
	if w.Code != http.StatusOK || env.Data.(map[string]any)["ended"].(float64) != 2 {
		t.Errorf("cleanup = %d %+v", w.Code, env)
	}
}
