package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRuntimeMetrics_AggregatesNotificationAndChannelStats(t *testing.T) {
	workspace := t.TempDir()
	recorder := NewRuntimeMetrics(workspace)

	snap, err := recorder.RecordNotification(120*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("RecordNotification success error: %v", err)
	}
	if snap.Notification.Total != 1 || snap.Notification.Errors != 0 || snap.Notification.Timeouts != 0 {
		t.Fatalf("unexpected first notification snapshot: %+v", snap.Notification)
	}

	_, _ = recorder.RecordNotification(250*time.Millisecond, errors.New("chat not found"))
	_, _ = recorder.RecordNotification(2*time.Second, context.DeadlineExceeded)
	snap, _ = recorder.RecordNotification(1500*time.Millisecond, errors.New("request timed out"))

	if snap.Notification.Total != 4 {
		t.Fatalf("expected 4 notifications, got %d", snap.Notification.Total)
	}
	if snap.Notification.Errors != 3 {
		t.Fatalf("expected 3 notification errors, got %d", snap.Notification.Errors)
	}
	if snap.Notification.Timeouts != 2 {
		t.Fatalf("expected 2 notification timeouts, got %d", snap.Notification.Timeouts)
	}
	if got := snap.Notification.ErrorRatio(); got < 0.74 || got > 0.76 {
		t.Fatalf("expected error ratio about 0.75, got %.4f", got)
	}
	if got := snap.Notification.TimeoutRatio(); got < 0.49 || got > 0.51 {
		t.Fatalf("expected timeout ratio about 0.50, got %.4f", got)
	}
	if snap.Notification.P95ProxyLatencyMs <= 0 {
		t.Fatalf("expected p95 proxy latency > 0, got %d", snap.Notification.P95ProxyLatencyMs)
	}

	_, _ = recorder.RecordChannelSend(true)
	_, _ = recorder.RecordChannelSend(false)
	snap, _ = recorder.RecordChannelSend(true)

	if snap.Channel.SendAttempts != 3 || snap.Channel.SendFailures != 1 {
		t.Fatalf("unexpected channel snapshot: %+v", snap.Channel)
	}
	if got := snap.Channel.FailureRatio(); got < 0.33 || got > 0.34 {
		t.Fatalf("expected channel failure ratio about 0.3333, got %.4f", got)
	}
}

func TestRuntimeMetrics_ApprovalCounters(t *testing.T) {
	recorder := NewRuntimeMetrics(t.TempDir())

	_, _ = recorder.RecordApprovalCreated("production", false)
	_, _ = recorder.RecordApprovalCreated("Production", true)
	_, _ = recorder.RecordApprovalCreated("staging", false)
	_, _ = recorder.RecordApprovalResolved("APPROVED", 2*time.Minute)
	_, _ = recorder.RecordApprovalResolved("approved", 0)
	_, _ = recorder.RecordApprovalResolved("EXPIRED", 4*time.Minute)
	_, _ = recorder.RecordApprovalResolved("PENDING", 0)
	snap, err := recorder.RecordEscalation()
	if err != nil {
		t.Fatalf("RecordEscalation: %v", err)
	}

	a := snap.Approval
	if a.Created != 3 || a.AutoApproved != 1 || a.Approved != 2 || a.Expired != 1 || a.Escalations != 1 {
		t.Fatalf("unexpected approval stats %+v", a)
	}
	if a.ByEnvironment["production"] != 2 || a.ByEnvironment["staging"] != 1 {
		t.Fatalf("unexpected per-environment counts %v", a.ByEnvironment)
	}
	if a.Decided != 2 || a.AvgDecisionTime() != 3*time.Minute || a.DecisionMaxMs != (4*time.Minute).Milliseconds() {
		t.Fatalf("unexpected decision time stats %+v", a)
	}
	if a.Resolved() != 3 {
		t.Fatalf("expected 3 resolved, got %d", a.Resolved())
	}
	if !snap.HasData() {
		t.Fatal("expected HasData")
	}
}

func TestRuntimeMetrics_ReadRuntimeSnapshot(t *testing.T) {
	workspace := t.TempDir()
	recorder := NewRuntimeMetrics(workspace)
	if _, err := recorder.RecordNotification(99*time.Millisecond, nil); err != nil {
		t.Fatalf("RecordNotification error: %v", err)
	}
	if _, err := recorder.RecordChannelSend(false); err != nil {
		t.Fatalf("RecordChannelSend error: %v", err)
	}

	snap, err := ReadRuntimeSnapshot(workspace)
	if err != nil {
		t.Fatalf("ReadRuntimeSnapshot error: %v", err)
	}
	if snap.Notification.Total != 1 || snap.Channel.SendAttempts != 1 || snap.Channel.SendFailures != 1 {
		t.Fatalf("unexpected loaded snapshot: %+v", snap)
	}
}

func TestRuntimeMetrics_NilRecorderIsSafe(t *testing.T) {
	var recorder *RuntimeMetrics
	if _, err := recorder.RecordChannelSend(true); err != nil {
		t.Fatalf("nil recorder returned error: %v", err)
	}
	if recorder.Snapshot().HasData() {
		t.Fatal("nil recorder should have no data")
	}
}

func TestReadRuntimeSnapshot_Missing(t *testing.T) {
	snap, err := ReadRuntimeSnapshot(t.TempDir())
	if err != nil || snap.HasData() {
		t.Fatalf("expected empty snapshot, got %+v / %v", snap, err)
	}
}

func TestRuntimeMetrics_SnapshotIsACopy(t *testing.T) {
	recorder := NewRuntimeMetrics(t.TempDir())
	_, _ = recorder.RecordApprovalCreated("production", false)

	snap := recorder.Snapshot()
	snap.Approval.ByEnvironment["production"] = 99
	if got := recorder.Snapshot().Approval.ByEnvironment["production"]; got != 1 {
		t.Fatalf("expected recorder state untouched, got %d", got)
	}
}
