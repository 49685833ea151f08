package command

import (
	"context"
	"fmt"
	"strings"
)

// HelpCommand implements /help.
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "List available slash commands" }

func (c *HelpCommand) Execute(_ context.Context, _ string, env Env) Result {
	if env.ListCommands == nil {
		return Result{Content: "No commands available."}
	}
	var sb strings.Builder
	sb.WriteString("**Quorum commands**\n\n")
	for _, cmd := range env.ListCommands() {
		fmt.Fprintf(&sb, "- `/%s` %s\n", cmd.Name(), cmd.Description())
	}
	if env.Approver != nil {
		fmt.Fprintf(&sb, "\nYou decide as `%s` (group `%s`).", env.Approver.ID, env.Approver.Group)
	} else {
		sb.WriteString("\nThis chat account is not linked to an approver; decisions will be refused.")
	}
	return Result{Content: sb.String()}
}
