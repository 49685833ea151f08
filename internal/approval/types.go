package approval

import (
	"time"

	"github.com/MEKXH/quorum/internal/policy"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Verdict is an approver's answer.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Decision is one approver's recorded verdict.
type Decision struct {
	ApproverID string    `json:"approver_id"`
	Group      string    `json:"group"`
	Verdict    Verdict   `json:"verdict"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Request is an approval request. Values returned by the engine are copies;
// mutating them has no effect on engine state.
type Request struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Environment string         `json:"environment"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Requester   string         `json:"requester"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Emergency   bool           `json:"emergency"`

	Required   policy.RequiredApprovers `json:"required"`
	Escalation []policy.EscalationTier  `json:"escalation,omitempty"`

	Approvals  []Decision `json:"approvals"`
	Rejections []Decision `json:"rejections"`

	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	AutoApproved     bool   `json:"auto_approved,omitempty"`
	AutoApproveBasis string `json:"auto_approve_basis,omitempty"`

	// ExternalRefs are advisory links (tickets, issues) added after the fact.
	ExternalRefs []string `json:"external_refs,omitempty"`
}

// ResolvedAt returns the terminal timestamp matching the status, if any.
func (r *Request) ResolvedAt() *time.Time {
	switch r.Status {
	case StatusApproved:
		return r.ApprovedAt
	case StatusRejected:
		return r.RejectedAt
	case StatusExpired:
		return r.ExpiredAt
	case StatusCancelled:
		return r.CancelledAt
	default:
		return nil
	}
}

// HasDecisionFrom reports whether approverID already approved or rejected.
func (r *Request) HasDecisionFrom(approverID string) bool {
	for _, d := range r.Approvals {
		if d.ApproverID == approverID {
			return true
		}
	}
	for _, d := range r.Rejections {
		if d.ApproverID == approverID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Required = r.Required.Clone()
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.Escalation != nil {
		cp.Escalation = make([]policy.EscalationTier, len(r.Escalation))
		for i, tier := range r.Escalation {
			tier.Groups = append([]string(nil), tier.Groups...)
			cp.Escalation[i] = tier
		}
	}
	cp.Approvals = append([]Decision(nil), r.Approvals...)
	cp.Rejections = append([]Decision(nil), r.Rejections...)
	cp.ApprovedAt = copyTime(r.ApprovedAt)
	cp.RejectedAt = copyTime(r.RejectedAt)
	cp.ExpiredAt = copyTime(r.ExpiredAt)
	cp.CancelledAt = copyTime(r.CancelledAt)
	cp.ExternalRefs = append([]string(nil), r.ExternalRefs...)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateInput contains fields needed to create an approval request.
type CreateInput struct {
	Type        string
	Environment string
	Title       string
	Description string
	Requester   string
	Metadata    map[string]any
	Emergency   bool
}

// DecisionInput contains fields needed to record a decision.
type DecisionInput struct {
	RequestID  string
	ApproverID string
	Verdict    Verdict
	Comment    string
}
