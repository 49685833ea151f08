// Package render formats approval requests as short chat messages using
// **bold** and `code` markers that channels translate to their own markup.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/policy"
)

// Created announces a new request to its candidate approvers.
func Created(req *approval.Request, candidates []directory.Approver) string {
	var sb strings.Builder
	if req.Status == approval.StatusApproved && req.AutoApproved {
		fmt.Fprintf(&sb, "**Auto-approved** `%s`\n", req.ID)
		writeHeader(&sb, req)
		fmt.Fprintf(&sb, "Basis: %s\n", req.AutoApproveBasis)
		return strings.TrimRight(sb.String(), "\n")
	}

	label := "Approval requested"
	if req.Emergency {
		label = "EMERGENCY approval requested"
	}
	fmt.Fprintf(&sb, "**%s** `%s`\n", label, req.ID)
	writeHeader(&sb, req)
	fmt.Fprintf(&sb, "Needs: %s\n", Requirement(req.Required))
	fmt.Fprintf(&sb, "Expires: %s\n", req.ExpiresAt.UTC().Format(time.RFC3339))
	if len(candidates) > 0 {
		fmt.Fprintf(&sb, "Approvers: %s\n", approverList(candidates))
	}
	fmt.Fprintf(&sb, "Reply `/approve %s` or `/reject %s <reason>`", req.ID, req.ID)
	return sb.String()
}

// Resolved announces a terminal transition.
func Resolved(req *approval.Request, decision *approval.Decision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** `%s`\n", StatusLabel(req.Status), req.ID)
	writeHeader(&sb, req)
	switch req.Status {
	case approval.StatusApproved:
		if len(req.Approvals) > 0 {
			fmt.Fprintf(&sb, "Approved by: %s\n", deciders(req.Approvals))
		}
	case approval.StatusRejected:
		if decision != nil {
			fmt.Fprintf(&sb, "Rejected by: %s\n", decision.ApproverID)
			if decision.Comment != "" {
				fmt.Fprintf(&sb, "Reason: %s\n", decision.Comment)
			}
		}
	case approval.StatusExpired:
		fmt.Fprintf(&sb, "Approvals at expiry: %d (%s)\n", len(req.Approvals), Requirement(req.Required))
	case approval.StatusCancelled:
		if req.CancelReason != "" {
			fmt.Fprintf(&sb, "Reason: %s\n", req.CancelReason)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Escalation reminds approvers that a request is still waiting.
func Escalation(req *approval.Request, notice approval.EscalationNotice) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Reminder (tier %d)** `%s` pending for %s\n", notice.Tier, req.ID, notice.Elapsed.Round(time.Minute))
	writeHeader(&sb, req)
	fmt.Fprintf(&sb, "Progress: %s\n", Progress(req))
	if len(notice.Approvers) > 0 {
		fmt.Fprintf(&sb, "Waiting on: %s\n", approverList(notice.Approvers))
	}
	fmt.Fprintf(&sb, "Expires: %s", req.ExpiresAt.UTC().Format(time.RFC3339))
	return sb.String()
}

// Detail is the full status view of one request.
func Detail(req *approval.Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** `%s`\n", StatusLabel(req.Status), req.ID)
	writeHeader(&sb, req)
	if req.Description != "" {
		fmt.Fprintf(&sb, "%s\n", req.Description)
	}
	if !req.AutoApproved {
		fmt.Fprintf(&sb, "Needs: %s\n", Requirement(req.Required))
		fmt.Fprintf(&sb, "Progress: %s\n", Progress(req))
	}
	for _, d := range req.Approvals {
		fmt.Fprintf(&sb, "+ %s (%s)%s\n", d.ApproverID, d.Group, comment(d.Comment))
	}
	for _, d := range req.Rejections {
		fmt.Fprintf(&sb, "- %s (%s)%s\n", d.ApproverID, d.Group, comment(d.Comment))
	}
	if req.Status == approval.StatusPending {
		fmt.Fprintf(&sb, "Expires: %s\n", req.ExpiresAt.UTC().Format(time.RFC3339))
	}
	for _, ref := range req.ExternalRefs {
		fmt.Fprintf(&sb, "Ref: %s\n", ref)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Line is a one-line list entry.
func Line(req *approval.Request) string {
	return fmt.Sprintf("`%s` %s [%s] %s", req.ID, req.Title, StatusLabel(req.Status), Progress(req))
}

// Requirement describes the quorum rule.
func Requirement(r policy.RequiredApprovers) string {
	groups := strings.Join(r.Groups, ", ")
	if r.Mode == policy.QuorumAllGroups {
		return fmt.Sprintf("one approval from each of %s", groups)
	}
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	return fmt.Sprintf("%d approval(s) from %s", threshold, groups)
}

// Progress summarizes approvals against the quorum rule.
func Progress(req *approval.Request) string {
	if req.Required.Mode == policy.QuorumAllGroups {
		covered := approval.CoveredGroups(req, nil)
		return fmt.Sprintf("%d/%d groups", covered.Cardinality(), len(req.Required.Groups))
	}
	threshold := req.Required.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	return fmt.Sprintf("%d/%d approvals", len(req.Approvals), threshold)
}

// StatusLabel is the human label for a status.
func StatusLabel(s approval.Status) string {
	switch s {
	case approval.StatusPending:
		return "Pending"
	case approval.StatusApproved:
		return "Approved"
	case approval.StatusRejected:
		return "Rejected"
	case approval.StatusExpired:
		return "Expired"
	case approval.StatusCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}

func writeHeader(sb *strings.Builder, req *approval.Request) {
	fmt.Fprintf(sb, "%s\n", req.Title)
	fmt.Fprintf(sb, "Type: %s  Env: %s  By: %s\n", req.Type, req.Environment, req.Requester)
}

func approverList(approvers []directory.Approver) string {
	names := make([]string, 0, len(approvers))
	for _, a := range approvers {
		if a.Name != "" {
			names = append(names, fmt.Sprintf("%s (%s)", a.Name, a.ID))
			continue
		}
		names = append(names, a.ID)
	}
	return strings.Join(names, ", ")
}

func deciders(decisions []approval.Decision) string {
	ids := make([]string, 0, len(decisions))
	for _, d := range decisions {
		ids = append(ids, d.ApproverID)
	}
	return strings.Join(ids, ", ")
}

func comment(c string) string {
	if c == "" {
		return ""
	}
	return ": " + c
}
