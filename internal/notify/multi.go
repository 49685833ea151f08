package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/directory"
)

// Multi fans every call out to all members in order. A failing member is
// logged and does not stop the rest; the joined error is returned.
type Multi []approval.Notifier

func (m Multi) NotifyCreated(ctx context.Context, req *approval.Request, candidates []directory.Approver) error {
	return m.each("created", req, func(n approval.Notifier) error {
		return n.NotifyCreated(ctx, req, candidates)
	})
}

func (m Multi) NotifyResolved(ctx context.Context, req *approval.Request, decision *approval.Decision) error {
	return m.each("resolved", req, func(n approval.Notifier) error {
		return n.NotifyResolved(ctx, req, decision)
	})
}

func (m Multi) NotifyEscalation(ctx context.Context, req *approval.Request, notice approval.EscalationNotice) error {
	return m.each("escalation", req, func(n approval.Notifier) error {
		return n.NotifyEscalation(ctx, req, notice)
	})
}

func (m Multi) MirrorExternalState(ctx context.Context, req *approval.Request) error {
	return m.each("mirror", req, func(n approval.Notifier) error {
		return n.MirrorExternalState(ctx, req)
	})
}

func (m Multi) each(kind string, req *approval.Request, call func(approval.Notifier) error) error {
	var errs []error
	for i, n := range m {
		if n == nil {
			continue
		}
		if err := call(n); err != nil {
			slog.Error("approval notifier failed", "kind", kind, "id", req.ID, "notifier", fmt.Sprintf("%T", n), "error", err)
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
