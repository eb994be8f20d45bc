package machine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// fakeAPI is an in-memory provider. Machines move to the state set in
// createState and stay there unless a test changes them.
type fakeAPI struct {
	mu sync.Mutex

	machines    map[string]*Machine
	nextID      int
	createState State
	createErr   error
	// destroyLeaves keeps machines around after DestroyMachine, in this state.
	destroyLeaves State

	created   []CreateRequest
	stopped   []string
	destroyed []string
}

var _ API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		machines:    map[string]*Machine{},
		createState: StateStarted,
	}
}

func (f *fakeAPI) put(m *Machine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.machines[m.ID] = m
}

func (f *fakeAPI) CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	m := &Machine{
		ID:        fmt.Sprintf("m-%d", f.nextID),
		Name:      req.Name,
		State:     f.createState,
		Region:    req.Region,
		Config:    req.Config,
		CreatedAt: time.Now(),
	}
	f.machines[m.ID] = m
	cp := *m
	return &cp, nil
}

func (f *fakeAPI) GetMachine(ctx context.Context, id string) (*Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return nil, &APIError{Op: "get", StatusCode: 404}
	}
	cp := *m
	return &cp, nil
}

func (f *fakeAPI) ListMachines(ctx context.Context) ([]*Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Machine, 0, len(f.machines))
	for _, m := range f.machines {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeAPI) StartMachine(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return &APIError{Op: "start", StatusCode: 404}
	}
	m.State = StateStarted
	return nil
}

func (f *fakeAPI) StopMachine(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return &APIError{Op: "stop", StatusCode: 404}
	}
	f.stopped = append(f.stopped, id)
	m.State = StateStopped
	return nil
}

func (f *fakeAPI) DestroyMachine(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return &APIError{Op: "destroy", StatusCode: 404}
	}
	f.destroyed = append(f.destroyed, id)
	if f.destroyLeaves != "" {
		m.State = f.destroyLeaves
		return nil
	}
	delete(f.machines, id)
	return nil
}

func (f *fakeAPI) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvisioner(api API) *Provisioner {
	return NewProvisioner(api, ProvisionerConfig{
		App:            "previews",
		Image:          "registry.example/preview:latest",
		ReadyTimeout:   200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		StopGrace:      time.Millisecond,
		VerifyTimeout:  100 * time.Millisecond,
		VerifyInterval: 10 * time.Millisecond,
	}, quietLogger())
}
