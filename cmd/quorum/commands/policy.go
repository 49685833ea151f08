package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/policy"
	"github.com/MEKXH/quorum/internal/render"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect approval policy",
	}

	cmd.AddCommand(
		newPolicyResolveCmd(),
		newPolicyListCmd(),
	)

	return cmd
}

func newPolicyResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the approvers a request would need, without creating one",
		RunE:  runPolicyResolve,
	}
	cmd.Flags().String("env", "", "Target environment")
	cmd.Flags().String("type", "", "Approval type")
	cmd.Flags().Bool("emergency", false, "Resolve the emergency bypass")
	cmd.Flags().StringP("output", "o", outputText, "Output format (text|json|yaml)")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured environments and approval types",
		RunE:  runPolicyList,
	}
}

// policyView is the printable form of a resolution.
type policyView struct {
	Environment    string                    `json:"environment"`
	Type           string                    `json:"type"`
	Emergency      bool                      `json:"emergency"`
	AutoApproved   bool                      `json:"auto_approved"`
	Reason         string                    `json:"reason,omitempty"`
	Required       *policy.RequiredApprovers `json:"required,omitempty"`
	TimeoutMinutes int                       `json:"timeout_minutes,omitempty"`
	Escalation     []tierView                `json:"escalation,omitempty"`
}

type tierView struct {
	AfterMinutes int      `json:"after_minutes"`
	Groups       []string `json:"groups,omitempty"`
}

func runPolicyResolve(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	if err := validateOutput(format); err != nil {
		return err
	}
	env, _ := cmd.Flags().GetString("env")
	typ, _ := cmd.Flags().GetString("type")
	emergency, _ := cmd.Flags().GetBool("emergency")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dir, err := directory.FromConfig(cfg.Directory)
	if err != nil {
		return fmt.Errorf("invalid approver directory: %w", err)
	}
	res, err := policy.NewResolver(policy.FromConfig(cfg.Approval), dir).Resolve(env, typ, emergency)
	if err != nil {
		return err
	}

	view := policyView{
		Environment:  env,
		Type:         typ,
		Emergency:    emergency,
		AutoApproved: res.AutoApproved,
		Reason:       res.Reason,
	}
	if !res.AutoApproved {
		required := res.Required
		view.Required = &required
		view.TimeoutMinutes = int(res.Timeout.Minutes())
		for _, tier := range res.Escalation {
			view.Escalation = append(view.Escalation, tierView{AfterMinutes: int(tier.After.Minutes()), Groups: tier.Groups})
		}
	}
	if format != outputText {
		return printStructured(format, view)
	}

	fmt.Printf("Environment: %s\nType: %s\nEmergency: %v\n", env, typ, emergency)
	if res.AutoApproved {
		fmt.Printf("Auto-approved (%s)\n", res.Reason)
		return nil
	}
	fmt.Printf("Needs: %s\n", render.Requirement(res.Required))
	fmt.Printf("Timeout: %dm\n", view.TimeoutMinutes)
	for i, tier := range view.Escalation {
		groups := "candidate groups"
		if len(tier.Groups) > 0 {
			groups = strings.Join(tier.Groups, ", ")
		}
		fmt.Printf("Escalation %d: after %dm to %s\n", i+1, tier.AfterMinutes, groups)
	}
	for _, group := range res.Required.Groups {
		members := dir.Members(group)
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		if len(ids) == 0 {
			fmt.Printf("Group %s: no members\n", group)
			continue
		}
		fmt.Printf("Group %s: %s\n", group, strings.Join(ids, ", "))
	}
	return nil
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	envs := make([]string, 0, len(cfg.Approval.Environments))
	for name := range cfg.Approval.Environments {
		envs = append(envs, name)
	}
	sort.Strings(envs)

	fmt.Println("Environments:")
	fmt.Printf("  %-14s %-9s %-8s %s\n", "NAME", "APPROVAL", "TIMEOUT", "GROUPS")
	for _, name := range envs {
		env := cfg.Approval.Environments[name]
		approval := "none"
		switch {
		case env.RequireApproval && env.AutoApprove:
			approval = "auto"
		case env.RequireApproval && env.RequireAllGroups:
			approval = "all"
		case env.RequireApproval:
			approval = fmt.Sprintf("%d", max(env.RequiredApprovals, 1))
		}
		timeout := "-"
		if env.TimeoutMinutes > 0 {
			timeout = fmt.Sprintf("%dm", env.TimeoutMinutes)
		}
		fmt.Printf("  %-14s %-9s %-8s %s\n", name, approval, timeout, strings.Join(env.ApproverGroups, ","))
	}

	types := make([]string, 0, len(cfg.Approval.Types))
	for name := range cfg.Approval.Types {
		types = append(types, name)
	}
	sort.Strings(types)
	fmt.Printf("\nTypes: %s\n", strings.Join(types, ", "))
	return nil
}
