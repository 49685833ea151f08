package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// RuntimeSnapshot contains aggregated approval, notification and channel metrics.
type RuntimeSnapshot struct {
	UpdatedAt    time.Time         `json:"updated_at"`
	Approval     ApprovalStats     `json:"approval"`
	Notification NotificationStats `json:"notification"`
	Channel      ChannelStats      `json:"channel"`
}

// ApprovalStats counts lifecycle events.
type ApprovalStats struct {
	Created      int64 `json:"created"`
	AutoApproved int64 `json:"auto_approved"`
	Approved     int64 `json:"approved"`
	Rejected     int64 `json:"rejected"`
	Expired      int64 `json:"expired"`
	Cancelled    int64 `json:"cancelled"`
	Escalations  int64 `json:"escalations"`

	// Decision time covers requests resolved by people or the clock;
	// auto-approved requests are excluded.
	DecisionTotalMs int64 `json:"decision_total_ms"`
	DecisionMaxMs   int64 `json:"decision_max_ms"`
	Decided         int64 `json:"decided"`

	ByEnvironment map[string]int64 `json:"by_environment,omitempty"`
}

// AvgDecisionTime returns the mean time from creation to resolution.
func (a ApprovalStats) AvgDecisionTime() time.Duration {
	if a.Decided <= 0 {
		return 0
	}
	return time.Duration(a.DecisionTotalMs/a.Decided) * time.Millisecond
}

// Resolved returns the number of requests that reached a terminal status.
func (a ApprovalStats) Resolved() int64 {
	return a.Approved + a.Rejected + a.Expired + a.Cancelled
}

// NotificationStats tracks side-effect execution.
type NotificationStats struct {
	Total             int64 `json:"total"`
	Errors            int64 `json:"errors"`
	Timeouts          int64 `json:"timeouts"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ErrorRatio returns errors/total in [0,1].
func (n NotificationStats) ErrorRatio() float64 {
	if n.Total <= 0 {
		return 0
	}
	return float64(n.Errors) / float64(n.Total)
}

// TimeoutRatio returns timeouts/total in [0,1].
func (n NotificationStats) TimeoutRatio() float64 {
	if n.Total <= 0 {
		return 0
	}
	return float64(n.Timeouts) / float64(n.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (n NotificationStats) AvgLatencyMs() float64 {
	if n.Total <= 0 {
		return 0
	}
	return float64(n.TotalLatencyMs) / float64(n.Total)
}

// ChannelStats tracks outbound channel send metrics.
type ChannelStats struct {
	SendAttempts int64 `json:"send_attempts"`
	SendFailures int64 `json:"send_failures"`
}

// FailureRatio returns failures/attempts in [0,1].
func (c ChannelStats) FailureRatio() float64 {
	if c.SendAttempts <= 0 {
		return 0
	}
	return float64(c.SendFailures) / float64(c.SendAttempts)
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Approval.Created > 0 || s.Notification.Total > 0 || s.Channel.SendAttempts > 0
}

// RuntimeMetrics records and persists runtime metrics.
type RuntimeMetrics struct {
	path string

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRuntimeMetrics creates a metrics recorder rooted at <workspace>/state/runtime_metrics.json.
func NewRuntimeMetrics(workspacePath string) *RuntimeMetrics {
	return &RuntimeMetrics{
		path:    runtimeMetricsPath(workspacePath),
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

func (s RuntimeSnapshot) clone() RuntimeSnapshot {
	s.Approval.ByEnvironment = maps.Clone(s.Approval.ByEnvironment)
	return s
}

// RecordApprovalCreated counts a new request for environment.
func (m *RuntimeMetrics) RecordApprovalCreated(environment string, autoApproved bool) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Approval.Created++
		if env := strings.ToLower(strings.TrimSpace(environment)); env != "" {
			if s.Approval.ByEnvironment == nil {
				s.Approval.ByEnvironment = make(map[string]int64)
			}
			s.Approval.ByEnvironment[env]++
		}
		if autoApproved {
			s.Approval.AutoApproved++
		}
	})
}

// RecordApprovalResolved counts a terminal transition by status name.
// openFor is how long the request stayed pending; zero skips decision time.
func (m *RuntimeMetrics) RecordApprovalResolved(status string, openFor time.Duration) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		if ms := openFor.Milliseconds(); ms > 0 {
			s.Approval.Decided++
			s.Approval.DecisionTotalMs += ms
			s.Approval.DecisionMaxMs = max(s.Approval.DecisionMaxMs, ms)
		}
		switch strings.ToUpper(strings.TrimSpace(status)) {
		case "APPROVED":
			s.Approval.Approved++
		case "REJECTED":
			s.Approval.Rejected++
		case "EXPIRED":
			s.Approval.Expired++
		case "CANCELLED":
			s.Approval.Cancelled++
		}
	})
}

// RecordEscalation counts a fired escalation tier.
func (m *RuntimeMetrics) RecordEscalation() (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Approval.Escalations++
	})
}

// RecordNotification updates notification metrics and persists the snapshot.
func (m *RuntimeMetrics) RecordNotification(duration time.Duration, runErr error) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	return m.update(func(s *RuntimeSnapshot) {
		s.Notification.Total++
		s.Notification.TotalLatencyMs += latencyMs
		s.Notification.LastLatencyMs = latencyMs
		if latencyMs > s.Notification.MaxLatencyMs {
			s.Notification.MaxLatencyMs = latencyMs
		}
		if runErr != nil {
			s.Notification.Errors++
			if isTimeoutError(runErr) {
				s.Notification.Timeouts++
			}
		}
		m.buckets[latencyBucketIndex(latencyMs)]++
		s.Notification.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, s.Notification.Total)
	})
}

// RecordChannelSend updates outbound channel send metrics and persists the snapshot.
func (m *RuntimeMetrics) RecordChannelSend(success bool) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Channel.SendAttempts++
		if !success {
			s.Channel.SendFailures++
		}
	})
}

func (m *RuntimeMetrics) update(apply func(*RuntimeSnapshot)) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	apply(&m.snap)
	snapshot := m.snap.clone()
	err := persistRuntimeSnapshot(m.path, snapshot)
	m.mu.Unlock()

	return snapshot, err
}

// ReadRuntimeSnapshot reads the persisted snapshot from workspace state.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(workspacePath string) (RuntimeSnapshot, error) {
	path := runtimeMetricsPath(workspacePath)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(workspacePath string) string {
	return filepath.Join(workspacePath, "state", runtimeMetricsFileName)
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func isTimeoutError(runErr error) bool {
	if errors.Is(runErr, context.DeadlineExceeded) {
		return true
	}
	lowered := strings.ToLower(fmt.Sprint(runErr))
	return strings.Contains(lowered, "deadline exceeded") ||
		strings.Contains(lowered, "timeout") ||
		strings.Contains(lowered, "timed out")
}
