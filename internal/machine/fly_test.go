package machine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFlyClient(t *testing.T, h http.HandlerFunc) *FlyClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewFlyClient(FlyConfig{
		BaseURL: srv.URL,
		Token:   "tok",
		App:     "previews",
		Timeout: 2 * time.Second,
	}, quietLogger())
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond
	return c
}

func TestFlyClientRequests(t *testing.T) {
	type call struct{ method, path, query string }
	var (
		mu    sync.Mutex
		calls []call
	)

	c := newTestFlyClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		mu.Lock()
		calls = append(calls, call{r.Method, r.URL.Path, r.URL.RawQuery})
		mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/apps/previews/machines":
			var req CreateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode create body: %v", err)
			}
			json.NewEncoder(w).Encode(Machine{ID: "m-1", Name: req.Name, State: StateCreated, Region: req.Region})
		case r.Method == http.MethodGet && r.URL.Path == "/apps/previews/machines/m-1":
			json.NewEncoder(w).Encode(Machine{ID: "m-1", State: StateStarted})
		case r.Method == http.MethodGet && r.URL.Path == "/apps/previews/machines":
			json.NewEncoder(w).Encode([]Machine{{ID: "m-1"}, {ID: "m-2"}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	ctx := context.Background()
	m, err := c.CreateMachine(ctx, CreateRequest{Name: "preview-abc", Region: "iad"})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if m.ID != "m-1" || m.Region != "iad" {
		t.Errorf("created = %+v", m)
	}
	if m, err = c.GetMachine(ctx, "m-1"); err != nil || m.State != StateStarted {
		t.Fatalf("GetMachine = %+v, %v", m, err)
	}
	ms, err := c.ListMachines(ctx)
	if err != nil || len(ms) != 2 {
		t.Fatalf("ListMachines = %d, %v", len(ms), err)
	}
	if err := c.StartMachine(ctx, "m-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.StopMachine(ctx, "m-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.DestroyMachine(ctx, "m-1", true); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []call{
		{http.MethodPost, "/apps/previews/machines", ""},
		{http.MethodGet, "/apps/previews/machines/m-1", ""},
		{http.MethodGet, "/apps/previews/machines", ""},
		{http.MethodPost, "/apps/previews/machines/m-1/start", ""},
		{http.MethodPost, "/apps/previews/machines/m-1/stop", ""},
		{http.MethodDelete, "/apps/previews/machines/m-1", "force=true"},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestFlyClientNotFound(t *testing.T) {
	c := newTestFlyClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"machine not found"}`, http.StatusNotFound)
	})

	_, err := c.GetMachine(context.Background(), "missing")
	if !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("err = %v, want ErrMachineNotFound", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %#v, want *APIError 404", err)
	}
	if apiErr.Body == "" {
		t.Error("expected body kept on APIError")
	}
}

func TestFlyClientRetries(t *testing.T) {
	t.Run("get retries server errors", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestFlyClient(t, func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(Machine{ID: "m-1"})
		})
		if _, err := c.GetMachine(context.Background(), "m-1"); err != nil {
			t.Fatalf("GetMachine: %v", err)
		}
		if hits.Load() != 3 {
			t.Errorf("hits = %d, want 3", hits.Load())
		}
	})

	t.Run("create does not retry server errors", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestFlyClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := c.CreateMachine(context.Background(), CreateRequest{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
			t.Fatalf("err = %v, want *APIError 500", err)
		}
		if hits.Load() != 1 {
			t.Errorf("hits = %d, want 1", hits.Load())
		}
	})

	t.Run("create retries rate limiting", func(t *testing.T) {
		var hits atomic.Int32
		c := newTestFlyClient(t, func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode(Machine{ID: "m-9"})
		})
		m, err := c.CreateMachine(context.Background(), CreateRequest{})
		if err != nil || m.ID != "m-9" {
			t.Fatalf("CreateMachine = %+v, %v", m, err)
		}
	})
}
