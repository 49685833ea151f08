package command

import (
	"context"

	"github.com/MEKXH/quorum/internal/version"
)

// VersionCommand implements /version.
type VersionCommand struct{}

func (c *VersionCommand) Name() string        { return "version" }
func (c *VersionCommand) Description() string { return "Show the running quorum build" }

func (c *VersionCommand) Execute(_ context.Context, _ string, _ Env) Result {
	return Result{Content: "`" + version.String() + "`"}
}
