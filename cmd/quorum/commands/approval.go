package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/audit"
)

type requestEnvelope struct {
	Request *approval.Request `json:"request"`
}

type listEnvelope struct {
	Requests []*approval.Request `json:"requests"`
	Count    int                 `json:"count"`
}

func NewApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Manage approval requests through a running gateway",
	}
	cmd.PersistentFlags().String("server", "", "Gateway address (default from config gateway.host:port)")
	cmd.PersistentFlags().String("token", "", "Gateway bearer token (default from config gateway.token)")
	cmd.PersistentFlags().StringP("output", "o", outputText, "Output format (text|json|yaml)")

	cmd.AddCommand(
		newApprovalCreateCmd(),
		newApprovalListCmd(),
		newApprovalHistoryCmd(),
		newApprovalShowCmd(),
		newApprovalDecisionCmd("approve", approval.VerdictApprove),
		newApprovalDecisionCmd("reject", approval.VerdictReject),
		newApprovalCancelCmd(),
		newApprovalAuditCmd(),
	)
	return cmd
}

func newApprovalCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an approval request",
		RunE:  runApprovalCreate,
	}
	cmd.Flags().String("type", "", "Approval type (e.g. deployment)")
	cmd.Flags().String("env", "", "Target environment")
	cmd.Flags().String("title", "", "Short title")
	cmd.Flags().String("description", "", "Longer description")
	cmd.Flags().String("requester", "", "Who asks")
	cmd.Flags().Bool("emergency", false, "Use the environment's emergency bypass approvers")
	cmd.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	for _, name := range []string{"type", "env", "title", "requester"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newApprovalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE:  runApprovalList,
	}
}

func newApprovalHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List resolved approval requests, newest first",
		RunE:  runApprovalHistory,
	}
	cmd.Flags().Int("limit", 20, "Maximum number of requests")
	return cmd
}

func newApprovalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one approval request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalShow,
	}
}

func newApprovalDecisionCmd(use string, verdict approval.Verdict) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalDecision(cmd, args[0], verdict)
		},
	}
	cmd.Flags().String("by", "", "Approver id")
	cmd.Flags().String("comment", "", "Decision comment")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newApprovalCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalCancel,
	}
	cmd.Flags().String("reason", "", "Cancellation reason")
	return cmd
}

func newApprovalAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [id]",
		Short: "Show the local audit trail, optionally for one request",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runApprovalAudit,
	}
}

func approvalClient(cmd *cobra.Command) (*gatewayClient, string, error) {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	if err := validateOutput(format); err != nil {
		return nil, "", err
	}
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if strings.TrimSpace(server) == "" || strings.TrimSpace(token) == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		if strings.TrimSpace(server) == "" {
			host := strings.TrimSpace(cfg.Gateway.Host)
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			server = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
		}
		if strings.TrimSpace(token) == "" {
			token = cfg.Gateway.Token
		}
	}
	return newGatewayClient(server, token), format, nil
}

func runApprovalCreate(cmd *cobra.Command, args []string) error {
	client, format, err := approvalClient(cmd)
	if err != nil {
		return err
	}
	typ, _ := cmd.Flags().GetString("type")
	env, _ := cmd.Flags().GetString("env")
	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	requester, _ := cmd.Flags().GetString("requester")
	emergency, _ := cmd.Flags().GetBool("emergency")
	meta, _ := cmd.Flags().GetStringToString("meta")

	body := map[string]any{
		"type":        typ,
		"environment": env,
		"title":       title,
		"description": description,
		"requester":   requester,
		"emergency":   emergency,
	}
	if len(meta) > 0 {
		body["metadata"] = meta
	}

	var out requestEnvelope
	if err := client.do(cmd.Context(), "POST", "/approvals", body, &out); err != nil {
		return err
	}
	return printRequest(format, out.Request)
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	client, format, err := approvalClient(cmd)
	if err != nil {
		return err
	}
	var out listEnvelope
	if err := client.do(cmd.Context(), "GET", "/approvals", nil, &out); err != nil {
		return err
	}
	if format != outputText {
		return printStructured(format, out.Requests)
	}
	if len(out.Requests) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	printRequestTable("Pending Approvals", out.Requests)
	return nil
}

func runApprovalHistory(cmd *cobra.Command, args []string) error {
	client, format, err := approvalClient(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	var out listEnvelope
	if err := client.do(cmd.Context(), "GET", "/approvals/history?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return err
	}
	if format != outputText {
		return printStructured(format, out.Requests)
	}
	printRequestTable("Approval History", out.Requests)
	return nil
}

func runApprovalShow(cmd *cobra.Command, args []string) error {
	client, format, err := approvalClient(cmd)
	if err != nil {
		return err
	}
	var out requestEnvelope
	if err := client.do(cmd.Context(), "GET", "/approvals/"+url.PathEscape(args[0]), nil, &out); err != nil {
		return err
	}
	return printRequest(format, out.Request)
}

func runApprovalDecision(cmd *cobra.Command, id string, verdict approval.Verdict) error {
	client, format, err := approvalClient(cmd)
	if err != nil {
		return err
	}
	by, _ := cmd.Flags().GetString("by")
	comment, _ := cmd.Flags().GetString("comment")
	if strings.TrimSpace(by) == "" {
		return fmt.Errorf("--by is required")
	}

	body := map[string]string{
		"approver_id": strings.TrimSpace(by),
		"verdict":     string(verdict),
		"comment":     strings.TrimSpace(comment),
	}
	var out requestEnvelope
	if err := client.do(cmd.Context(), "POST", "/approvals/"+url.PathEscape(id)+"/decisions", body, &out); err != nil {
		return err
	}
	return printRequest(format, out.Request)
}

func runApprovalCancel(cmd *cobra.Command, args []string) error {
	client, format, err := approvalClient(cmd)
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")
	var out requestEnvelope
	body := map[string]string{"reason": strings.TrimSpace(reason)}
	if err := client.do(cmd.Context(), "POST", "/approvals/"+url.PathEscape(args[0])+"/cancel", body, &out); err != nil {
		return err
	}
	return printRequest(format, out.Request)
}

func printRequest(format string, req *approval.Request) error {
	if req == nil {
		return fmt.Errorf("gateway returned no request")
	}
	if format != outputText {
		return printStructured(format, req)
	}
	printRequestDetail(req)
	return nil
}

// runApprovalAudit reads the audit log from the workspace of the local config,
// so it works without a running gateway.
func runApprovalAudit(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	if err := validateOutput(format); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspace, err := cfg.WorkspacePathChecked()
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}
	id := ""
	if len(args) == 1 {
		id = strings.TrimSpace(args[0])
	}
	events, err := audit.ReadEvents(workspace, id)
	if err != nil {
		return err
	}
	if format != outputText {
		if events == nil {
			events = []audit.Event{}
		}
		return printStructured(format, events)
	}
	if len(events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-20s %s", ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Type, ev.ApprovalID)
		if ev.Status != "" {
			line += " " + ev.Status
		}
		if ev.Actor != "" {
			line += " by " + ev.Actor
		}
		if ev.Detail != "" {
			line += " (" + ev.Detail + ")"
		}
		fmt.Println(line)
	}
	return nil
}
