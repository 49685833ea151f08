package commands

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/metrics"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show Quorum configuration status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	fmt.Println("=== Quorum Status ===")
	fmt.Println()

	path := configPath()
	fmt.Printf("Config: %s\n", path)
	if _, err := os.Stat(path); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found (run 'quorum init')")
	}

	fmt.Printf("\nWorkspace: %s\n", workspacePath)
	if _, err := os.Stat(workspacePath); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found")
	}

	fmt.Println("\nStore:")
	fmt.Printf("  Kind: %s\n", cfg.Approval.Store.Kind)
	if cfg.Approval.Store.Kind == "file" {
		fmt.Printf("  Path: %s\n", cfg.StorePath())
	}
	fmt.Printf("  History limit: %d\n", cfg.Approval.HistoryLimit)

	// Directory
	fmt.Println("\nDirectory:")
	dir, err := directory.FromConfig(cfg.Directory)
	if err != nil {
		fmt.Printf("  Status: invalid (%v)\n", err)
	} else if groups := dir.Groups(); len(groups) == 0 {
		fmt.Println("  Groups: none (every approval request will fail to resolve)")
	} else {
		for _, id := range groups {
			group, _ := dir.Group(id)
			fmt.Printf("  %s: %d members, min %d\n", id, len(group.Members), group.MinApprovals)
		}
	}

	// Channels
	fmt.Println("\nChannels:")
	for _, state := range channelStates(cfg) {
		line := "disabled"
		if state.Enabled {
			line = "enabled"
			if state.Ready {
				line += " (ready)"
			} else {
				line += " (" + state.Reason + ")"
			}
		}
		fmt.Printf("  %s: %s\n", titleCase(state.Name), line)
	}

	// Gateway
	fmt.Println("\nGateway:")
	fmt.Printf("  Address: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token != "" {
		fmt.Println("  Auth:    token configured")
	} else {
		fmt.Println("  Auth:    no token (open)")
	}

	// Tracker
	fmt.Println("\nTracker:")
	if cfg.Tracker.Enabled {
		fmt.Printf("  Mirror: %s (timeout=%ds)\n", strings.TrimRight(cfg.Tracker.BaseURL, "/"), cfg.Tracker.TimeoutSeconds)
	} else {
		fmt.Println("  Mirror: disabled")
	}

	// Metrics
	fmt.Println("\nMetrics:")
	snap, err := metrics.ReadRuntimeSnapshot(workspacePath)
	switch {
	case err != nil:
		fmt.Printf("  Status: unavailable (%v)\n", err)
	case !snap.HasData():
		fmt.Println("  No activity recorded yet")
	default:
		a := snap.Approval
		fmt.Printf("  Requests: %d created, %d auto-approved, %d resolved\n", a.Created, a.AutoApproved, a.Resolved())
		fmt.Printf("  Outcomes: %d approved, %d rejected, %d expired, %d cancelled\n", a.Approved, a.Rejected, a.Expired, a.Cancelled)
		fmt.Printf("  Escalations: %d\n", a.Escalations)
		if a.Decided > 0 {
			fmt.Printf("  Decision time: avg %s, max %s\n", a.AvgDecisionTime().Round(time.Second), (time.Duration(a.DecisionMaxMs) * time.Millisecond).Round(time.Second))
		}
		if len(a.ByEnvironment) > 0 {
			envs := slices.Sorted(maps.Keys(a.ByEnvironment))
			parts := make([]string, 0, len(envs))
			for _, env := range envs {
				parts = append(parts, fmt.Sprintf("%s=%d", env, a.ByEnvironment[env]))
			}
			fmt.Printf("  By environment: %s\n", strings.Join(parts, ", "))
		}
		n := snap.Notification
		fmt.Printf("  Notifications: %d total, error ratio %.2f, avg %.0fms, p95~%dms\n", n.Total, n.ErrorRatio(), n.AvgLatencyMs(), n.P95ProxyLatencyMs)
		fmt.Printf("  Channel sends: %d attempts, failure ratio %.2f\n", snap.Channel.SendAttempts, snap.Channel.FailureRatio())
		fmt.Printf("  Updated: %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}
