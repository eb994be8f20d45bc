package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"previewd/internal/eventbus"
	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/tier"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRepo mirrors the conditional-update semantics of the Postgres repository.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clock    *clock

	markEndedCalls int
	failMarkActive error
	failList       error
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo(c *clock) *fakeRepo {
	return &fakeRepo{sessions: map[string]*Session{}, clock: c}
}

func cloneSession(s *Session) *Session {
	cp := *s
	return &cp
}

func (r *fakeRepo) ClaimAndCreate(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.ClaimKey == s.ClaimKey && existing.Status.Live() {
			return &ClaimConflictError{Existing: cloneSession(existing)}
		}
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (r *fakeRepo) transition(id string, from []Status, fn func(s *Session)) error {
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	for _, f := range from {
		if s.Status == f {
			fn(s)
			s.UpdatedAt = r.clock.Now()
			return nil
		}
	}
	return ErrTransitionConflict
}

func (r *fakeRepo) MarkActive(_ context.Context, id, machineID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMarkActive != nil {
		return r.failMarkActive
	}
	return r.transition(id, []Status{StatusCreating}, func(s *Session) {
		s.Status = StatusActive
		s.MachineID = machineID
		s.MachineURL = url
	})
}

func (r *fakeRepo) MarkError(_ context.Context, id, message, machineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transition(id, []Status{StatusCreating, StatusActive}, func(s *Session) {
		s.Status = StatusError
		s.ErrorMessage = message
		if machineID != "" {
			s.MachineID = machineID
		}
	})
}

func (r *fakeRepo) MarkEnded(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markEndedCalls++
	return r.transition(id, []Status{StatusCreating, StatusActive}, func(s *Session) {
		now := r.clock.Now()
		s.Status = StatusEnded
		s.EndedAt = &now
	})
}

func (r *fakeRepo) ReleaseMachine(_ context.Context, id, machineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusError || s.MachineID != machineID {
		return ErrTransitionConflict
	}
	s.MachineID = ""
	return nil
}

func (r *fakeRepo) list(match func(*Session) bool) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failList != nil {
		return nil, r.failList
	}
	var out []*Session
	for _, s := range r.sessions {
		if match(s) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (r *fakeRepo) ListExpired(_ context.Context, now time.Time) ([]*Session, error) {
	return r.list(func(s *Session) bool { return s.Status.Live() && s.ExpiresAt.Before(now) })
}

func (r *fakeRepo) ListActiveOrCreating(context.Context) ([]*Session, error) {
	return r.list(func(s *Session) bool { return s.Status.Live() })
}

func (r *fakeRepo) ListByUser(_ context.Context, userID string, limit int) ([]*Session, error) {
	return r.list(func(s *Session) bool { return s.UserID == userID })
}

func (r *fakeRepo) Owners(_ context.Context, ids []string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]string{}
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			out[id] = s.UserID
		}
	}
	return out, nil
}

func (r *fakeRepo) status(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Status
}

// fakeProvisioner keeps machines in memory and classifies them with the real
// machine.Classify against the shared clock.
type fakeProvisioner struct {
	mu       sync.Mutex
	clock    *clock
	machines map[string]*machine.Machine
	nextID   int

	createGate chan struct{} // when set, Create blocks until it is closed
	createErr  error
	partial    bool // return the machine together with createErr
	verifyErr  error
	getErr     map[string]error

	creates  int
	destroys map[string]int
	verified map[string]int

	inflight, maxInflight int
	monitorDelay          time.Duration
}

var _ Provisioner = (*fakeProvisioner)(nil)

func newFakeProvisioner(c *clock) *fakeProvisioner {
	return &fakeProvisioner{
		clock:    c,
		machines: map[string]*machine.Machine{},
		destroys: map[string]int{},
		verified: map[string]int{},
		getErr:   map[string]error{},
	}
}

func (p *fakeProvisioner) Create(ctx context.Context, projectID string, t tier.Tier, custom *machine.CustomConfig, sessionID string) (*machine.Machine, string, error) {
	p.mu.Lock()
	p.creates++
	gate := p.createGate
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	m := &machine.Machine{
		ID:        fmt.Sprintf("m-%d", p.nextID),
		State:     machine.StateStarted,
		CreatedAt: p.clock.Now(),
		Config: machine.Config{
			Guest: machine.GuestFromTier(t),
			Metadata: map[string]string{
				machine.MetaManagedBy: machine.ManagedByValue,
				machine.MetaSessionID: sessionID,
				machine.MetaTier:      string(t.Name),
			},
		},
	}
	if p.createErr != nil {
		if p.partial {
			p.machines[m.ID] = m
			cp := *m
			return &cp, "", p.createErr
		}
		return nil, "", p.createErr
	}
	p.machines[m.ID] = m
	cp := *m
	return &cp, "https://" + m.ID + ".example.dev", nil
}

func (p *fakeProvisioner) Destroy(ctx context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroys[id]++
	delete(p.machines, id)
}

func (p *fakeProvisioner) DestroyAndVerify(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified[id]++
	if p.verifyErr != nil {
		return p.verifyErr
	}
	delete(p.machines, id)
	return nil
}

func (p *fakeProvisioner) Get(ctx context.Context, id string) (*machine.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.getErr[id]; err != nil {
		return nil, err
	}
	m, ok := p.machines[id]
	if !ok {
		return nil, machine.ErrMachineNotFound
	}
	cp := *m
	return &cp, nil
}

func (p *fakeProvisioner) MonitorMachine(ctx context.Context, id string, limits *machine.Limits) (*machine.MonitorResult, error) {
	p.mu.Lock()
	p.inflight++
	p.maxInflight = max(p.maxInflight, p.inflight)
	delay := p.monitorDelay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()
	if delay > 0 {
		time.Sleep(delay)
	}

	m, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := machine.Classify(m, *limits, p.clock.Now())
	return &res, nil
}

func (p *fakeProvisioner) EnforceResourceLimits(ctx context.Context, id string, expected *machine.Guest) (bool, error) {
	m, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return m.Config.Guest == *expected, nil
}

func (p *fakeProvisioner) ResourceUsage(ctx context.Context, id string) (*machine.ResourceUsage, error) {
	m, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &machine.ResourceUsage{MachineID: m.ID, State: m.State, MemoryMB: m.Config.Guest.MemoryMB, CPUs: m.Config.Guest.CPUs}, nil
}

func (p *fakeProvisioner) CleanupOrphanedMachines(ctx context.Context, maxAge time.Duration, keep func(*machine.Machine) bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, m := range p.machines {
		if m.Age(p.clock.Now()) <= maxAge || keep(m) {
			continue
		}
		p.destroys[id]++
		delete(p.machines, id)
		n++
	}
	return n, nil
}

func (p *fakeProvisioner) alive(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.machines[id]
	return ok
}

func (p *fakeProvisioner) destroyCalls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroys[id] + p.verified[id]
}

func (p *fakeProvisioner) totalDestroyCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.destroys {
		n += c
	}
	for _, c := range p.verified {
		n += c
	}
	return n
}

type fakeNotifier struct {
	mu           sync.Mutex
	registered   []eventbus.Registration
	unregistered []string
	err          error
}

func (n *fakeNotifier) Register(_ context.Context, reg eventbus.Registration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registered = append(n.registered, reg)
	return n.err
}

func (n *fakeNotifier) Unregister(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unregistered = append(n.unregistered, id)
	return n.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	metrics map[string]float64
	events  []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{metrics: map[string]float64{}}
}

func (r *fakeRecorder) RecordMetric(name string, value float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = value
}

func (r *fakeRecorder) RecordEvent(eventType string, _ map[string]any, sev monitor.Severity) monitor.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return monitor.Event{Type: eventType, Severity: sev}
}

func (r *fakeRecorder) metric(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.metrics[name]
	return v, ok
}

func (r *fakeRecorder) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	clock    *clock
	repo     *fakeRepo
	prov     *fakeProvisioner
	notifier *fakeNotifier
	recorder *fakeRecorder
	mgr      *Manager
}

func newHarness(cfg Config) *harness {
	c := newClock()
	h := &harness{
		clock:    c,
		repo:     newFakeRepo(c),
		prov:     newFakeProvisioner(c),
		notifier: &fakeNotifier{},
		recorder: newFakeRecorder(),
	}
	h.mgr = NewManager(h.repo, h.prov, h.notifier, h.recorder, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.mgr.now = c.Now
	return h
}

func (h *harness) create(t interface{ Fatalf(string, ...any) }, req CreateRequest) *CreateResult {
	res, err := h.mgr.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return res
}
