package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/render"
)

// ApproveCommand implements /approve <id> [comment].
type ApproveCommand struct{}

func (c *ApproveCommand) Name() string { return "approve" }
func (c *ApproveCommand) Description() string {
	return "Approve a pending request: /approve <id> [comment]"
}

func (c *ApproveCommand) Execute(ctx context.Context, args string, env Env) Result {
	return decide(ctx, args, env, approval.VerdictApprove)
}

// RejectCommand implements /reject <id> [reason].
type RejectCommand struct{}

func (c *RejectCommand) Name() string { return "reject" }
func (c *RejectCommand) Description() string {
	return "Reject a pending request: /reject <id> [reason]"
}

func (c *RejectCommand) Execute(ctx context.Context, args string, env Env) Result {
	return decide(ctx, args, env, approval.VerdictReject)
}

func decide(ctx context.Context, args string, env Env, verdict approval.Verdict) Result {
	id, comment, _ := strings.Cut(strings.TrimSpace(args), " ")
	if id == "" {
		return Result{Content: fmt.Sprintf("Usage: `/%s <id> [comment]`", verdictCommand(verdict))}
	}
	if env.Approvals == nil {
		return Result{Content: "Approvals are not available."}
	}
	if env.Approver == nil {
		return Result{Content: "You are not registered as an approver."}
	}

	req, err := env.Approvals.SubmitDecision(ctx, approval.DecisionInput{
		RequestID:  id,
		ApproverID: env.Approver.ID,
		Verdict:    verdict,
		Comment:    strings.TrimSpace(comment),
	})
	if err != nil {
		return Result{Content: describeError(id, err)}
	}
	if req.Status.Terminal() {
		return Result{Content: render.Resolved(req, lastDecision(req, env.Approver.ID))}
	}
	return Result{Content: fmt.Sprintf("Recorded %s on `%s` (%s).", verdict, req.ID, render.Progress(req))}
}

func verdictCommand(v approval.Verdict) string {
	if v == approval.VerdictReject {
		return "reject"
	}
	return "approve"
}

func lastDecision(req *approval.Request, approverID string) *approval.Decision {
	for i := len(req.Rejections) - 1; i >= 0; i-- {
		if req.Rejections[i].ApproverID == approverID {
			return &req.Rejections[i]
		}
	}
	for i := len(req.Approvals) - 1; i >= 0; i-- {
		if req.Approvals[i].ApproverID == approverID {
			return &req.Approvals[i]
		}
	}
	return nil
}

func describeError(id string, err error) string {
	if req, ok := approval.TerminalRequest(err); ok {
		return fmt.Sprintf("`%s` is no longer pending (%s).", req.ID, render.StatusLabel(req.Status))
	}
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return fmt.Sprintf("No approval request `%s`.", id)
	case errors.Is(err, approval.ErrDuplicateDecision):
		return fmt.Sprintf("You already decided on `%s`.", id)
	case errors.Is(err, approval.ErrUnauthorized):
		return fmt.Sprintf("You are not in an approver group for `%s`.", id)
	case errors.Is(err, approval.ErrUnknownApprover):
		return "You are not registered as an approver."
	default:
		return "Error: " + err.Error()
	}
}
