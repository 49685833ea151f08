package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/audit"
	"github.com/MEKXH/quorum/internal/directory"
)

// AuditNotifier appends one audit record per lifecycle event.
type AuditNotifier struct {
	writer *audit.Writer
	now    func() time.Time
}

// NewAuditNotifier writes through w.
func NewAuditNotifier(w *audit.Writer) *AuditNotifier {
	return &AuditNotifier{writer: w, now: time.Now}
}

func (n *AuditNotifier) NotifyCreated(_ context.Context, req *approval.Request, candidates []directory.Approver) error {
	detail := fmt.Sprintf("%s; %d candidate approver(s)", req.Title, len(candidates))
	if req.AutoApproved {
		detail = fmt.Sprintf("%s; auto-approved (%s)", req.Title, req.AutoApproveBasis)
	}
	return n.append(audit.TypeCreated, req, req.Requester, detail)
}

func (n *AuditNotifier) NotifyResolved(_ context.Context, req *approval.Request, decision *approval.Decision) error {
	actor := ""
	detail := ""
	switch {
	case decision != nil:
		actor = decision.ApproverID
		detail = decision.Comment
	case req.Status == approval.StatusCancelled:
		detail = req.CancelReason
	}
	if req.Status == approval.StatusApproved && len(req.Approvals) > 0 {
		ids := make([]string, 0, len(req.Approvals))
		for _, d := range req.Approvals {
			ids = append(ids, d.ApproverID)
		}
		detail = strings.TrimSpace("approved by " + strings.Join(ids, ",") + " " + detail)
	}
	return n.append(audit.TypeResolved, req, actor, detail)
}

func (n *AuditNotifier) NotifyEscalation(_ context.Context, req *approval.Request, notice approval.EscalationNotice) error {
	detail := fmt.Sprintf("tier %d after %s to %s", notice.Tier, notice.Elapsed, strings.Join(notice.Groups, ","))
	return n.append(audit.TypeEscalation, req, "", detail)
}

func (n *AuditNotifier) MirrorExternalState(context.Context, *approval.Request) error {
	return nil
}

func (n *AuditNotifier) append(kind string, req *approval.Request, actor, detail string) error {
	if n.writer == nil {
		return nil
	}
	return n.writer.Append(audit.Event{
		Time:        n.now().UTC(),
		Type:        kind,
		ApprovalID:  req.ID,
		Environment: req.Environment,
		Actor:       actor,
		Status:      string(req.Status),
		Detail:      detail,
	})
}
