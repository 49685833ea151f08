package policy

import (
	"errors"
	"time"
)

// ErrConfiguration marks resolution failures caused by configuration:
// unknown environment, unknown approval type, unknown or missing groups.
// These are fatal to the caller and never retried.
var ErrConfiguration = errors.New("configuration error")

// QuorumMode is the rule deciding when enough approvals exist.
type QuorumMode string

const (
	// QuorumCount requires at least Threshold individual approvals.
	QuorumCount QuorumMode = "COUNT"
	// QuorumAllGroups requires approvals covering every candidate group.
	QuorumAllGroups QuorumMode = "ALL_GROUPS"
)

// RequiredApprovers is computed once at request creation and never mutated.
type RequiredApprovers struct {
	Groups    []string   `json:"groups"`
	Mode      QuorumMode `json:"mode"`
	Threshold int        `json:"threshold"`
	Emergency bool       `json:"emergency"`
}

// Clone returns a deep copy.
func (r RequiredApprovers) Clone() RequiredApprovers {
	r.Groups = append([]string(nil), r.Groups...)
	return r
}

// EscalationTier is a reminder fired After a request has been pending.
// Empty Groups means the request's own candidate groups.
type EscalationTier struct {
	After  time.Duration `json:"after"`
	Groups []string      `json:"groups,omitempty"`
}

// BypassPolicy replaces the normal groups and threshold for emergency requests.
type BypassPolicy struct {
	Approvers         []string
	RequiredApprovals int
	RequireAllGroups  bool
}

// EnvironmentPolicy is the approval policy of one environment.
type EnvironmentPolicy struct {
	RequireApproval   bool
	AutoApprove       bool
	Timeout           time.Duration
	RequiredApprovals int
	ApproverGroups    []string
	RequireAllGroups  bool
	EmergencyBypass   *BypassPolicy
	Escalation        []EscalationTier
}

// TypePolicy holds per-approval-type overrides.
type TypePolicy struct {
	Timeout             time.Duration
	RequiredApprovals   int
	AdditionalApprovers []string
}

// Config contains everything the resolver reads.
type Config struct {
	Environments   map[string]EnvironmentPolicy
	Types          map[string]TypePolicy
	DefaultTimeout time.Duration
}

// Bypass reasons reported on auto-approved resolutions.
const (
	ReasonApprovalNotRequired = "approval_not_required"
	ReasonAutoApprove         = "auto_approve"
)

// Resolution is the deterministic resolver result.
type Resolution struct {
	AutoApproved bool
	Reason       string
	Required     RequiredApprovers
	Timeout      time.Duration
	Escalation   []EscalationTier
}

// GroupChecker reports whether an approver group exists.
type GroupChecker interface {
	HasGroup(id string) bool
}
