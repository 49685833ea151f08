package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/policy"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingScheduler struct {
	mu         sync.Mutex
	registered map[string]*Request
	cancelled  []string
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{registered: make(map[string]*Request)}
}

func (s *recordingScheduler) Register(req *Request) {
	s.mu.Lock()
	s.registered[req.ID] = req
	s.mu.Unlock()
}

func (s *recordingScheduler) Cancel(id string) {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, id)
	s.mu.Unlock()
}

func (s *recordingScheduler) isRegistered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registered[id]
	return ok
}

func (s *recordingScheduler) wasCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cancelled {
		if c == id {
			return true
		}
	}
	return false
}

type recordingNotifier struct {
	mu          sync.Mutex
	created     []*Request
	candidates  [][]directory.Approver
	resolved    []*Request
	decisions   []*Decision
	escalations []EscalationNotice
	mirrors     []*Request
	// order logs "<kind>:<status>" for every call, in call order.
	order        []string
	failWith     error
	panicOn      EffectKind
	createdDelay time.Duration
}

func (n *recordingNotifier) NotifyCreated(_ context.Context, req *Request, candidates []directory.Approver) error {
	if n.panicOn == EffectCreated {
		panic("boom")
	}
	if n.createdDelay > 0 {
		time.Sleep(n.createdDelay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.order = append(n.order, "created:"+string(req.Status))
	n.created = append(n.created, req)
	n.candidates = append(n.candidates, candidates)
	return n.failWith
}

func (n *recordingNotifier) NotifyResolved(_ context.Context, req *Request, decision *Decision) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.order = append(n.order, "resolved:"+string(req.Status))
	n.resolved = append(n.resolved, req)
	n.decisions = append(n.decisions, decision)
	return n.failWith
}

func (n *recordingNotifier) NotifyEscalation(_ context.Context, _ *Request, notice EscalationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, notice)
	return n.failWith
}

func (n *recordingNotifier) MirrorExternalState(_ context.Context, req *Request) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.order = append(n.order, "mirror:"+string(req.Status))
	n.mirrors = append(n.mirrors, req)
	return n.failWith
}

func (n *recordingNotifier) callOrder() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.order...)
}

func (n *recordingNotifier) counts() (created, resolved, escalations, mirrors int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.created), len(n.resolved), len(n.escalations), len(n.mirrors)
}

func testDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	dir, err := directory.New([]directory.GroupSpec{
		{ID: "leads", Members: []directory.Approver{{ID: "L1"}, {ID: "L2"}, {ID: "L3"}}},
		{ID: "security", Members: []directory.Approver{{ID: "S1"}, {ID: "S2"}}},
		{ID: "cto", Members: []directory.Approver{{ID: "C1"}}},
	})
	if err != nil {
		t.Fatalf("directory.New: %v", err)
	}
	return dir
}

func testPolicy() policy.Config {
	return policy.Config{
		Environments: map[string]policy.EnvironmentPolicy{
			"production": {
				RequireApproval:   true,
				Timeout:           time.Hour,
				RequiredApprovals: 2,
				ApproverGroups:    []string{"leads"},
				EmergencyBypass:   &policy.BypassPolicy{Approvers: []string{"cto"}, RequiredApprovals: 1},
				Escalation: []policy.EscalationTier{
					{After: 30 * time.Minute},
					{After: 45 * time.Minute, Groups: []string{"cto"}},
				},
			},
			"secure": {
				RequireApproval:  true,
				Timeout:          time.Hour,
				ApproverGroups:   []string{"leads", "security"},
				RequireAllGroups: true,
			},
			"development": {RequireApproval: false},
		},
		Types: map[string]policy.TypePolicy{
			"deployment": {},
			"hotfix":     {Timeout: 15 * time.Minute, RequiredApprovals: 1},
		},
		DefaultTimeout: 24 * time.Hour,
	}
}

type testEnv struct {
	engine   *Engine
	clock    *fakeClock
	sched    *recordingScheduler
	notifier *recordingNotifier
	store    Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, NewMemoryStore(100))
}

func newTestEnvWithStore(t *testing.T, store Store) *testEnv {
	t.Helper()
	dir := testDirectory(t)
	clock := newFakeClock()
	sched := newRecordingScheduler()
	notifier := &recordingNotifier{}
	engine, err := NewEngine(Options{
		Resolver:   policy.NewResolver(testPolicy(), dir),
		Directory:  dir,
		Store:      store,
		Scheduler:  sched,
		Dispatcher: NewDispatcher(notifier, 4),
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &testEnv{engine: engine, clock: clock, sched: sched, notifier: notifier, store: store}
}

func (e *testEnv) create(t *testing.T, env, typ string, emergency bool) *Request {
	t.Helper()
	req, err := e.engine.Create(context.Background(), CreateInput{
		Type:        typ,
		Environment: env,
		Title:       "Deploy api v2",
		Requester:   "dev1",
		Emergency:   emergency,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req
}

func (e *testEnv) decide(t *testing.T, id, approver string, verdict Verdict) *Request {
	t.Helper()
	req, err := e.engine.SubmitDecision(context.Background(), DecisionInput{RequestID: id, ApproverID: approver, Verdict: verdict})
	if err != nil {
		t.Fatalf("SubmitDecision(%s, %s): %v", approver, verdict, err)
	}
	return req
}
