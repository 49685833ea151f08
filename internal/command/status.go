package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/quorum/internal/render"
)

// StatusCommand implements /status: one request in detail, or a runtime
// summary when called without an id.
type StatusCommand struct{}

func (c *StatusCommand) Name() string { return "status" }
func (c *StatusCommand) Description() string {
	return "Show a request (/status <id>) or runtime status"
}

func (c *StatusCommand) Execute(ctx context.Context, args string, env Env) Result {
	if env.Approvals == nil {
		return Result{Content: "Approvals are not available."}
	}
	id, _, _ := strings.Cut(strings.TrimSpace(args), " ")
	if id != "" {
		req, err := env.Approvals.Get(ctx, id)
		if err != nil {
			return Result{Content: describeError(id, err)}
		}
		return Result{Content: render.Detail(req)}
	}

	var sb strings.Builder
	sb.WriteString("**Quorum Status**\n\n")
	if active, err := env.Approvals.ListActive(ctx); err == nil {
		sb.WriteString(fmt.Sprintf("- **Pending:** %d\n", len(active)))
	}
	if env.Metrics != nil {
		snap := env.Metrics.Snapshot()
		if snap.HasData() {
			sb.WriteString(fmt.Sprintf("- Updated: `%s`\n", snap.UpdatedAt.Format(time.RFC3339)))
			sb.WriteString(fmt.Sprintf("- Approvals: %d created, %d auto, %d approved, %d rejected, %d expired, %d cancelled\n",
				snap.Approval.Created,
				snap.Approval.AutoApproved,
				snap.Approval.Approved,
				snap.Approval.Rejected,
				snap.Approval.Expired,
				snap.Approval.Cancelled,
			))
			if avg := snap.Approval.AvgDecisionTime(); avg > 0 {
				sb.WriteString(fmt.Sprintf("- Avg decision time: %s\n", avg.Round(time.Second)))
			}
			sb.WriteString(fmt.Sprintf("- Notifications: %d, err=%.1f%%, p95=%dms\n",
				snap.Notification.Total,
				snap.Notification.ErrorRatio()*100,
				snap.Notification.P95ProxyLatencyMs,
			))
			sb.WriteString(fmt.Sprintf("- Channel: %d sends, fail=%.1f%%\n",
				snap.Channel.SendAttempts,
				snap.Channel.FailureRatio()*100,
			))
		} else {
			sb.WriteString("- No metrics yet\n")
		}
	}
	return Result{Content: sb.String()}
}
