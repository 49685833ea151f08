package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/metrics"
)

// MetricsNotifier counts lifecycle events in the runtime metrics file.
type MetricsNotifier struct {
	recorder *metrics.RuntimeMetrics
}

// NewMetricsNotifier records into recorder.
func NewMetricsNotifier(recorder *metrics.RuntimeMetrics) *MetricsNotifier {
	return &MetricsNotifier{recorder: recorder}
}

func (n *MetricsNotifier) NotifyCreated(_ context.Context, req *approval.Request, _ []directory.Approver) error {
	if n.recorder == nil {
		return nil
	}
	_, err := n.recorder.RecordApprovalCreated(req.Environment, req.AutoApproved)
	return err
}

func (n *MetricsNotifier) NotifyResolved(_ context.Context, req *approval.Request, _ *approval.Decision) error {
	if n.recorder == nil {
		return nil
	}
	var openFor time.Duration
	if at := req.ResolvedAt(); at != nil && !req.AutoApproved {
		openFor = at.Sub(req.CreatedAt)
	}
	_, err := n.recorder.RecordApprovalResolved(string(req.Status), openFor)
	return err
}

func (n *MetricsNotifier) NotifyEscalation(context.Context, *approval.Request, approval.EscalationNotice) error {
	if n.recorder == nil {
		return nil
	}
	_, err := n.recorder.RecordEscalation()
	return err
}

func (n *MetricsNotifier) MirrorExternalState(context.Context, *approval.Request) error {
	return nil
}

// Observer returns a dispatcher observer that records notification latency
// and failures.
func (n *MetricsNotifier) Observer() approval.Observer {
	return func(_ approval.EffectKind, elapsed time.Duration, err error) {
		if n.recorder == nil {
			return
		}
		if _, rerr := n.recorder.RecordNotification(elapsed, err); rerr != nil {
			slog.Warn("record notification metrics failed", "error", rerr)
		}
	}
}
