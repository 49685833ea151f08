package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriter_AppendAndReadEvents(t *testing.T) {
	workspace := t.TempDir()
	writer := NewWriter(workspace)

	firstTime := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	secondTime := firstTime.Add(5 * time.Second)

	if err := writer.Append(Event{
		Time:        firstTime,
		Type:        TypeCreated,
		ApprovalID:  "deployment-production-1",
		Environment: "production",
		Actor:       "dev1",
		Status:      "PENDING",
	}); err != nil {
		t.Fatalf("Append first event error: %v", err)
	}
	if err := writer.Append(Event{
		Time:       secondTime,
		Type:       TypeResolved,
		ApprovalID: "deployment-production-1",
		Actor:      "L2",
		Status:     "APPROVED",
	}); err != nil {
		t.Fatalf("Append second event error: %v", err)
	}
	if err := writer.Append(Event{Time: secondTime, Type: TypeCreated, ApprovalID: "other"}); err != nil {
		t.Fatalf("Append third event error: %v", err)
	}

	if writer.Path() != filepath.Join(workspace, "state", "audit.jsonl") {
		t.Fatalf("unexpected audit path %q", writer.Path())
	}

	events, err := ReadEvents(workspace, "deployment-production-1")
	if err != nil {
		t.Fatalf("ReadEvents error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for request, got %d", len(events))
	}
	first := events[0]
	if !first.Time.Equal(firstTime) || first.Type != TypeCreated || first.Actor != "dev1" || first.Environment != "production" {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := events[1]
	if !second.Time.Equal(secondTime) || second.Status != "APPROVED" || second.Actor != "L2" {
		t.Fatalf("unexpected second event %+v", second)
	}

	all, err := ReadEvents(workspace, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 events in total, got %d / %v", len(all), err)
	}
}

func TestReadEvents_MissingFile(t *testing.T) {
	events, err := ReadEvents(t.TempDir(), "")
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v / %v", events, err)
	}
}

func TestWriter_AppendEvent_MkdirAllFailure(t *testing.T) {
	workspace := t.TempDir()
	statePath := filepath.Join(workspace, "state")
	if err := os.WriteFile(statePath, []byte("not-a-dir"), 0644); err != nil {
		t.Fatalf("WriteFile state blocker error: %v", err)
	}

	writer := NewWriter(workspace)
	err := writer.Append(Event{Time: time.Now().UTC(), Type: TypeCreated})
	if err == nil {
		t.Fatal("expected append error when state path is a file")
	}
}

func TestWriter_AppendEvent_Concurrent(t *testing.T) {
	workspace := t.TempDir()
	writer := NewWriter(workspace)

	const total = 20
	var wg sync.WaitGroup
	errCh := make(chan error, total)
	wg.Add(total)
	for i := 0; i < total; i++ {
		go func() {
			defer wg.Done()
			if err := writer.Append(Event{
				Time:       time.Date(2026, 2, 15, 9, 0, i, 0, time.UTC),
				Type:       TypeResolved,
				ApprovalID: fmt.Sprintf("req-%d", i),
				Status:     "APPROVED",
			}); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("append failed in concurrent path: %v", err)
	}

	events, err := ReadEvents(workspace, "")
	if err != nil {
		t.Fatalf("ReadEvents error: %v", err)
	}
	if len(events) != total {
		t.Fatalf("expected %d lines, got %d", total, len(events))
	}
}
