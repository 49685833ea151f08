package command

import (
	"context"
	"strings"
	"testing"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/config"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/policy"
)

func newTestEngine(t *testing.T) (*approval.Engine, *directory.Directory) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Directory.Groups["leads"] = config.GroupConfig{
		Name:         "Tech Leads",
		MinApprovals: 1,
		Members: []config.MemberConfig{
			{ID: "L1", Name: "Lee", Handles: []string{"telegram:100", "telegram:@lee"}},
			{ID: "L2", Handles: []string{"slack:U2"}},
		},
	}
	dir, err := directory.FromConfig(cfg.Directory)
	if err != nil {
		t.Fatalf("directory.FromConfig: %v", err)
	}
	engine, err := approval.NewEngine(approval.Options{
		Resolver:  policy.NewResolver(policy.FromConfig(cfg.Approval), dir),
		Directory: dir,
		Store:     approval.NewMemoryStore(10),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, dir
}

func createProduction(t *testing.T, engine *approval.Engine) *approval.Request {
	t.Helper()
	req, err := engine.Create(context.Background(), approval.CreateInput{
		Type:        "deployment",
		Environment: "production",
		Title:       "Deploy api",
		Requester:   "dev1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req
}

func TestRegistry_LookupStripsBotSuffix(t *testing.T) {
	r := NewDefaultRegistry()
	cmd, args, ok := r.Lookup("/Approve@quorum_bot abc looks good")
	if !ok {
		t.Fatal("expected lookup to match")
	}
	if cmd.Name() != "approve" || args != "abc looks good" {
		t.Fatalf("unexpected lookup result %q %q", cmd.Name(), args)
	}
	if _, _, ok := r.Lookup("approve abc"); ok {
		t.Fatal("plain text must not match")
	}
	if _, _, ok := r.Lookup("/"); ok {
		t.Fatal("bare slash must not match")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	names := []string{}
	for _, cmd := range NewDefaultRegistry().List() {
		names = append(names, cmd.Name())
	}
	want := "approve,help,pending,reject,status,version"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate command")
		}
	}()
	r := NewRegistry()
	r.Register(&HelpCommand{})
	r.Register(&HelpCommand{})
}

func TestApproveCommand_RecordsAndResolves(t *testing.T) {
	engine, dir := newTestEngine(t)
	req := createProduction(t, engine)
	l1, _ := dir.Lookup("L1")
	l2, _ := dir.Lookup("L2")

	res := (&ApproveCommand{}).Execute(context.Background(), req.ID+" ship it", Env{Approver: &l1, Approvals: engine})
	if !strings.Contains(res.Content, "1/2 approvals") {
		t.Fatalf("expected progress reply, got %q", res.Content)
	}

	res = (&ApproveCommand{}).Execute(context.Background(), req.ID, Env{Approver: &l2, Approvals: engine})
	if !strings.Contains(res.Content, "**Approved**") || !strings.Contains(res.Content, "L1, L2") {
		t.Fatalf("expected approved reply, got %q", res.Content)
	}

	res = (&RejectCommand{}).Execute(context.Background(), req.ID+" too late", Env{Approver: &l1, Approvals: engine})
	if !strings.Contains(res.Content, "no longer pending (Approved)") {
		t.Fatalf("expected not-pending reply, got %q", res.Content)
	}
}

func TestRejectCommand_CarriesReason(t *testing.T) {
	engine, dir := newTestEngine(t)
	req := createProduction(t, engine)
	l2, _ := dir.Lookup("L2")

	res := (&RejectCommand{}).Execute(context.Background(), req.ID+" change freeze", Env{Approver: &l2, Approvals: engine})
	if !strings.Contains(res.Content, "**Rejected**") || !strings.Contains(res.Content, "Reason: change freeze") {
		t.Fatalf("unexpected reply %q", res.Content)
	}
}

func TestDecide_ErrorReplies(t *testing.T) {
	engine, dir := newTestEngine(t)
	req := createProduction(t, engine)
	l1, _ := dir.Lookup("L1")
	ctx := context.Background()

	cases := []struct {
		name string
		args string
		env  Env
		want string
	}{
		{"usage", "", Env{Approver: &l1, Approvals: engine}, "Usage"},
		{"unknown sender", req.ID, Env{Approvals: engine}, "not registered"},
		{"missing request", "nope", Env{Approver: &l1, Approvals: engine}, "No approval request `nope`"},
		{"outsider", req.ID, Env{Approver: &directory.Approver{ID: "X9", Group: "security"}, Approvals: engine}, "not registered"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := (&ApproveCommand{}).Execute(ctx, tc.args, tc.env)
			if !strings.Contains(res.Content, tc.want) {
				t.Fatalf("expected %q in %q", tc.want, res.Content)
			}
		})
	}

	(&ApproveCommand{}).Execute(ctx, req.ID, Env{Approver: &l1, Approvals: engine})
	res := (&ApproveCommand{}).Execute(ctx, req.ID, Env{Approver: &l1, Approvals: engine})
	if !strings.Contains(res.Content, "already decided") {
		t.Fatalf("expected duplicate reply, got %q", res.Content)
	}
}

func TestStatusCommand(t *testing.T) {
	engine, _ := newTestEngine(t)
	req := createProduction(t, engine)

	res := (&StatusCommand{}).Execute(context.Background(), req.ID, Env{Approvals: engine})
	if !strings.Contains(res.Content, "**Pending**") || !strings.Contains(res.Content, "0/2 approvals") {
		t.Fatalf("unexpected detail %q", res.Content)
	}

	res = (&StatusCommand{}).Execute(context.Background(), "", Env{Approvals: engine})
	if !strings.Contains(res.Content, "**Pending:** 1") {
		t.Fatalf("unexpected summary %q", res.Content)
	}
}

func TestPendingCommand_GroupsBySender(t *testing.T) {
	engine, dir := newTestEngine(t)
	ctx := context.Background()
	if res := (&PendingCommand{}).Execute(ctx, "", Env{Approvals: engine}); res.Content != "No pending approval requests." {
		t.Fatalf("unexpected empty reply %q", res.Content)
	}

	first := createProduction(t, engine)
	createProduction(t, engine)
	l1, _ := dir.Lookup("L1")
	if _, err := engine.Approve(ctx, first.ID, "L1", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	res := (&PendingCommand{}).Execute(ctx, "", Env{Approver: &l1, Approvals: engine})
	mine, others, _ := strings.Cut(res.Content, "**Pending:**")
	if !strings.Contains(mine, "Awaiting your decision") || strings.Contains(mine, first.ID) {
		t.Fatalf("decided request must not be awaiting the sender: %q", res.Content)
	}
	if !strings.Contains(others, first.ID) {
		t.Fatalf("expected decided request under pending: %q", res.Content)
	}
}

func TestRouter_HandleResolvesSender(t *testing.T) {
	engine, dir := newTestEngine(t)
	req := createProduction(t, engine)
	router := NewRouter(bus.NewMessageBus(4), nil, engine, dir)

	resp := router.Handle(context.Background(), &bus.InboundMessage{
		Channel:   "telegram",
		SenderID:  "999",
		ChatID:    "42",
		Content:   "/approve " + req.ID,
		RequestID: "r1",
		Metadata:  map[string]any{"username": "lee"},
	})
	if resp == nil || resp.ChatID != "42" || resp.RequestID != "r1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	got, err := engine.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.HasDecisionFrom("L1") {
		t.Fatalf("expected L1 resolved from username, got %+v", got.Approvals)
	}
}

func TestRouter_HandleIgnoresTextAndHintsUnknown(t *testing.T) {
	engine, dir := newTestEngine(t)
	router := NewRouter(bus.NewMessageBus(4), nil, engine, dir)

	if resp := router.Handle(context.Background(), &bus.InboundMessage{Channel: "slack", Content: "hello"}); resp != nil {
		t.Fatalf("expected plain text to be ignored, got %+v", resp)
	}
	resp := router.Handle(context.Background(), &bus.InboundMessage{Channel: "slack", ChatID: "C1", Content: "/deploy now"})
	if resp == nil || !strings.Contains(resp.Content, "Unknown command `/deploy`") {
		t.Fatalf("expected unknown command hint, got %+v", resp)
	}
}

func TestRouter_RunRepliesOnBus(t *testing.T) {
	engine, dir := newTestEngine(t)
	msgBus := bus.NewMessageBus(4)
	router := NewRouter(msgBus, nil, engine, dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()

	msgBus.PublishInbound(&bus.InboundMessage{Channel: "slack", SenderID: "U2", ChatID: "C1", Content: "/version"})
	out := <-msgBus.Outbound()
	if !strings.Contains(out.Content, "quorum ") || out.RequestID == "" {
		t.Fatalf("unexpected outbound %+v", out)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHelpCommand_NamesLinkedApprover(t *testing.T) {
	registry := NewDefaultRegistry()
	help, _, _ := registry.Lookup("/help")
	approver := &directory.Approver{ID: "L1", Group: "leads"}

	res := help.Execute(context.Background(), "", Env{Approver: approver, ListCommands: registry.List})
	if !strings.Contains(res.Content, "`/approve`") || !strings.Contains(res.Content, "You decide as `L1` (group `leads`)") {
		t.Fatalf("unexpected help output:\n%s", res.Content)
	}

	res = help.Execute(context.Background(), "", Env{ListCommands: registry.List})
	if !strings.Contains(res.Content, "not linked to an approver") {
		t.Fatalf("expected unlinked note, got:\n%s", res.Content)
	}
}
