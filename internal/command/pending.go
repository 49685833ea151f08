package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/MEKXH/quorum/internal/render"
)

const maxPendingListed = 20

// PendingCommand implements /pending. It lists active requests, the ones the
// sender can still decide on first.
type PendingCommand struct{}

func (c *PendingCommand) Name() string        { return "pending" }
func (c *PendingCommand) Description() string { return "List pending approval requests" }

func (c *PendingCommand) Execute(ctx context.Context, _ string, env Env) Result {
	if env.Approvals == nil {
		return Result{Content: "Approvals are not available."}
	}
	active, err := env.Approvals.ListActive(ctx)
	if err != nil {
		return Result{Content: "Error: " + err.Error()}
	}
	if len(active) == 0 {
		return Result{Content: "No pending approval requests."}
	}

	var mine, others []string
	for _, req := range active {
		line := "- " + render.Line(req)
		if env.Approver != nil && !req.HasDecisionFrom(env.Approver.ID) && containsGroup(req.Required.Groups, env.Approver.Group) {
			mine = append(mine, line)
			continue
		}
		others = append(others, line)
	}

	var sb strings.Builder
	listed := 0
	write := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		sb.WriteString(title + "\n")
		for _, l := range lines {
			if listed == maxPendingListed {
				return
			}
			sb.WriteString(l + "\n")
			listed++
		}
		sb.WriteString("\n")
	}
	write("**Awaiting your decision:**", mine)
	write("**Pending:**", others)
	if rest := len(active) - listed; rest > 0 {
		sb.WriteString(fmt.Sprintf("...and %d more\n", rest))
	}
	return Result{Content: strings.TrimRight(sb.String(), "\n")}
}

func containsGroup(groups []string, group string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}
