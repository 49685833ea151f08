package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/audit"
	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/config"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/metrics"
	"github.com/MEKXH/quorum/internal/policy"
)

func sampleRequest() *approval.Request {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &approval.Request{
		ID:          "deployment-production-1",
		Type:        "deployment",
		Environment: "production",
		Title:       "Deploy api",
		Requester:   "dev1",
		Required:    policy.RequiredApprovers{Groups: []string{"leads"}, Mode: policy.QuorumCount, Threshold: 2},
		Status:      approval.StatusPending,
		CreatedAt:   created,
		ExpiresAt:   created.Add(time.Hour),
	}
}

func drain(msgBus *bus.MessageBus) []*bus.OutboundMessage {
	var out []*bus.OutboundMessage
	for {
		select {
		case msg := <-msgBus.Outbound():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestTargetsFromConfig_OnlyEnabledChannels(t *testing.T) {
	cfg := config.ChannelsConfig{
		Telegram: config.TelegramConfig{Enabled: true, NotifyChatIDs: []string{"-100", " "}},
		Slack:    config.SlackConfig{Enabled: false, NotifyChannels: []string{"C1"}},
	}
	targets := TargetsFromConfig(cfg)
	if len(targets) != 1 || targets[0] != (Target{Channel: "telegram", ChatID: "-100"}) {
		t.Fatalf("unexpected targets %+v", targets)
	}
}

func TestChannelNotifier_PublishesToEveryTarget(t *testing.T) {
	msgBus := bus.NewMessageBus(8)
	n := NewChannelNotifier(msgBus, []Target{{Channel: "telegram", ChatID: "-100"}, {Channel: "slack", ChatID: "C1"}})

	req := sampleRequest()
	if err := n.NotifyCreated(context.Background(), req, []directory.Approver{{ID: "L1"}}); err != nil {
		t.Fatalf("NotifyCreated: %v", err)
	}
	msgs := drain(msgBus)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for _, msg := range msgs {
		if msg.ApprovalID() != req.ID {
			t.Fatalf("expected approval id metadata, got %+v", msg.Metadata)
		}
		if msg.RequestID != req.ID+"/created" {
			t.Fatalf("unexpected request id %q", msg.RequestID)
		}
		if !strings.Contains(msg.Content, "/approve "+req.ID) {
			t.Fatalf("unexpected content %q", msg.Content)
		}
	}
}

func TestChannelNotifier_EscalationReachesApproverHandles(t *testing.T) {
	msgBus := bus.NewMessageBus(8)
	n := NewChannelNotifier(msgBus, []Target{{Channel: "slack", ChatID: "C1"}})
	n.EnableDirect("telegram")

	notice := approval.EscalationNotice{
		Tier:    2,
		Elapsed: 45 * time.Minute,
		Groups:  []string{"cto"},
		Approvers: []directory.Approver{
			{ID: "C1", Handles: []string{"telegram:555", "telegram:@boss", "slack:U9"}},
		},
	}
	if err := n.NotifyEscalation(context.Background(), sampleRequest(), notice); err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}
	msgs := drain(msgBus)
	if len(msgs) != 2 {
		t.Fatalf("expected channel + one direct message, got %d", len(msgs))
	}
	if msgs[1].Channel != "telegram" || msgs[1].ChatID != "555" {
		t.Fatalf("unexpected direct target %+v", msgs[1])
	}
	if msgs[0].RequestID != "deployment-production-1/escalation/2" {
		t.Fatalf("unexpected request id %q", msgs[0].RequestID)
	}
}

func TestChannelNotifier_PublishHonoursContext(t *testing.T) {
	msgBus := bus.NewMessageBus(1)
	n := NewChannelNotifier(msgBus, []Target{{Channel: "slack", ChatID: "C1"}, {Channel: "slack", ChatID: "C2"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := n.NotifyResolved(ctx, sampleRequest(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled once the buffer is full, got %v", err)
	}
}

func TestAuditNotifier_WritesLifecycle(t *testing.T) {
	workspace := t.TempDir()
	n := NewAuditNotifier(audit.NewWriter(workspace))
	ctx := context.Background()
	req := sampleRequest()

	if err := n.NotifyCreated(ctx, req, []directory.Approver{{ID: "L1"}, {ID: "L2"}}); err != nil {
		t.Fatalf("NotifyCreated: %v", err)
	}
	if err := n.NotifyEscalation(ctx, req, approval.EscalationNotice{Tier: 1, Elapsed: 30 * time.Minute, Groups: []string{"leads"}}); err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}
	req.Status = approval.StatusRejected
	decision := &approval.Decision{ApproverID: "L2", Verdict: approval.VerdictReject, Comment: "freeze"}
	if err := n.NotifyResolved(ctx, req, decision); err != nil {
		t.Fatalf("NotifyResolved: %v", err)
	}

	events, err := audit.ReadEvents(workspace, req.ID)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != audit.TypeCreated || events[0].Actor != "dev1" || !strings.Contains(events[0].Detail, "2 candidate") {
		t.Fatalf("unexpected created event %+v", events[0])
	}
	if events[1].Type != audit.TypeEscalation || !strings.Contains(events[1].Detail, "tier 1") {
		t.Fatalf("unexpected escalation event %+v", events[1])
	}
	if events[2].Type != audit.TypeResolved || events[2].Actor != "L2" || events[2].Status != "REJECTED" || events[2].Detail != "freeze" {
		t.Fatalf("unexpected resolved event %+v", events[2])
	}
}

func TestMetricsNotifier_CountsEvents(t *testing.T) {
	recorder := metrics.NewRuntimeMetrics(t.TempDir())
	n := NewMetricsNotifier(recorder)
	ctx := context.Background()
	req := sampleRequest()

	_ = n.NotifyCreated(ctx, req, nil)
	_ = n.NotifyEscalation(ctx, req, approval.EscalationNotice{Tier: 1})
	req.Status = approval.StatusApproved
	_ = n.NotifyResolved(ctx, req, nil)
	n.Observer()(approval.EffectCreated, 20*time.Millisecond, errors.New("boom"))

	snap := recorder.Snapshot()
	if snap.Approval.Created != 1 || snap.Approval.Approved != 1 || snap.Approval.Escalations != 1 {
		t.Fatalf("unexpected approval stats %+v", snap.Approval)
	}
	if snap.Notification.Total != 1 || snap.Notification.Errors != 1 {
		t.Fatalf("unexpected notification stats %+v", snap.Notification)
	}
}

type failingNotifier struct {
	calls int
}

func (f *failingNotifier) NotifyCreated(context.Context, *approval.Request, []directory.Approver) error {
	f.calls++
	return errors.New("down")
}
func (f *failingNotifier) NotifyResolved(context.Context, *approval.Request, *approval.Decision) error {
	f.calls++
	return errors.New("down")
}
func (f *failingNotifier) NotifyEscalation(context.Context, *approval.Request, approval.EscalationNotice) error {
	f.calls++
	return errors.New("down")
}
func (f *failingNotifier) MirrorExternalState(context.Context, *approval.Request) error {
	f.calls++
	return errors.New("down")
}

func TestMulti_RunsEveryMemberAndJoinsErrors(t *testing.T) {
	msgBus := bus.NewMessageBus(4)
	failing := &failingNotifier{}
	m := Multi{failing, nil, NewChannelNotifier(msgBus, []Target{{Channel: "slack", ChatID: "C1"}})}

	err := m.NotifyCreated(context.Background(), sampleRequest(), nil)
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if failing.calls != 1 {
		t.Fatalf("expected failing member to be called once, got %d", failing.calls)
	}
	if got := len(drain(msgBus)); got != 1 {
		t.Fatalf("expected later member to still publish, got %d messages", got)
	}
	if err := (Multi{}).MirrorExternalState(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("empty multi should not fail: %v", err)
	}
}
