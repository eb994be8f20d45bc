package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--addr", srv.URL, "--user", "ops"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunJobCommand(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "job completed"})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv, "run-job", "orphan-cleanup")
	if err != nil {
		t.Fatalf("run-job: %v", err)
	}
	if path != "/api/monitoring/jobs/orphan-cleanup/run" {
		t.Errorf("path = %s", path)
	}
	if !strings.Contains(out, "job orphan-cleanup completed") {
		t.Errorf("output = %q", out)
	}
}

func TestAlertsCommandPrintsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") != "ops" {
			t.Errorf("X-User-ID = %q", r.Header.Get("X-User-ID"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    []map[string]any{{"id": "a-9", "severity": "critical"}},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv, "alerts", "--active")
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if !strings.Contains(out, `"id": "a-9"`) {
		t.Errorf("output = %q", out)
	}
}

func TestCommandSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "forbidden"})
	}))
	defer srv.Close()

	_, err := runCLI(t, srv, "stop", "s-2")
	if err == nil || !strings.Contains(err.Error(), "403 forbidden") {
		t.Fatalf("err = %v", err)
	}
}
