package policy

import (
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/MEKXH/quorum/internal/config"
)

const fallbackTimeout = 24 * time.Hour

// Resolver performs pure policy resolution.
type Resolver struct {
	cfg    Config
	groups GroupChecker
}

// NewResolver builds a side-effect free resolver. Names in cfg are normalized.
func NewResolver(cfg Config, groups GroupChecker) *Resolver {
	normalized := Config{
		Environments:   make(map[string]EnvironmentPolicy, len(cfg.Environments)),
		Types:          make(map[string]TypePolicy, len(cfg.Types)),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	for name, env := range cfg.Environments {
		normalized.Environments[config.NormalizeName(name)] = env
	}
	for name, typ := range cfg.Types {
		normalized.Types[config.NormalizeName(name)] = typ
	}
	return &Resolver{cfg: normalized, groups: groups}
}

// FromConfig converts the approval section of the config into resolver input.
func FromConfig(cfg config.ApprovalConfig) Config {
	out := Config{
		Environments:   make(map[string]EnvironmentPolicy, len(cfg.Environments)),
		Types:          make(map[string]TypePolicy, len(cfg.Types)),
		DefaultTimeout: minutes(cfg.DefaultTimeoutMinutes),
	}
	for name, env := range cfg.Environments {
		ep := EnvironmentPolicy{
			RequireApproval:   env.RequireApproval,
			AutoApprove:       env.AutoApprove,
			Timeout:           minutes(env.TimeoutMinutes),
			RequiredApprovals: env.RequiredApprovals,
			ApproverGroups:    append([]string(nil), env.ApproverGroups...),
			RequireAllGroups:  env.RequireAllGroups,
		}
		if env.EmergencyBypass != nil {
			ep.EmergencyBypass = &BypassPolicy{
				Approvers:         append([]string(nil), env.EmergencyBypass.Approvers...),
				RequiredApprovals: env.EmergencyBypass.RequiredApprovals,
				RequireAllGroups:  env.EmergencyBypass.RequireAllGroups,
			}
		}
		for _, tier := range env.Escalation {
			ep.Escalation = append(ep.Escalation, EscalationTier{
				After:  minutes(tier.AfterMinutes),
				Groups: append([]string(nil), tier.Groups...),
			})
		}
		out.Environments[name] = ep
	}
	for name, typ := range cfg.Types {
		out.Types[name] = TypePolicy{
			Timeout:             minutes(typ.TimeoutMinutes),
			RequiredApprovals:   typ.RequiredApprovals,
			AdditionalApprovers: append([]string(nil), typ.AdditionalApprovers...),
		}
	}
	return out
}

// Resolve returns the approvers required for a request of approvalType in environment.
func (r *Resolver) Resolve(environment, approvalType string, emergency bool) (Resolution, error) {
	envName := config.NormalizeName(environment)
	typeName := config.NormalizeName(approvalType)

	env, ok := r.cfg.Environments[envName]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: unknown environment %q", ErrConfiguration, environment)
	}
	typ, ok := r.cfg.Types[typeName]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: unknown approval type %q", ErrConfiguration, approvalType)
	}

	if !emergency && (!env.RequireApproval || env.AutoApprove) {
		reason := ReasonApprovalNotRequired
		if env.RequireApproval {
			reason = ReasonAutoApprove
		}
		return Resolution{AutoApproved: true, Reason: reason}, nil
	}

	var required RequiredApprovers
	if emergency && env.EmergencyBypass != nil {
		required = RequiredApprovers{
			Groups:    unionGroups(env.EmergencyBypass.Approvers),
			Mode:      modeFor(env.EmergencyBypass.RequireAllGroups),
			Threshold: firstPositive(env.EmergencyBypass.RequiredApprovals, 1),
			Emergency: true,
		}
	} else {
		required = RequiredApprovers{
			Groups:    unionGroups(env.ApproverGroups, typ.AdditionalApprovers),
			Mode:      modeFor(env.RequireAllGroups),
			Threshold: firstPositive(typ.RequiredApprovals, env.RequiredApprovals, 1),
			Emergency: emergency,
		}
	}

	if len(required.Groups) == 0 {
		return Resolution{}, fmt.Errorf("%w: environment %q has no approver groups", ErrConfiguration, environment)
	}
	if r.groups != nil {
		for _, g := range required.Groups {
			if !r.groups.HasGroup(g) {
				return Resolution{}, fmt.Errorf("%w: unknown approver group %q", ErrConfiguration, g)
			}
		}
	}

	timeout := firstPositiveDuration(typ.Timeout, env.Timeout, r.cfg.DefaultTimeout, fallbackTimeout)

	return Resolution{
		Required:   required,
		Timeout:    timeout,
		Escalation: tiersBefore(env.Escalation, timeout),
	}, nil
}

// unionGroups merges group lists keeping first-seen order.
func unionGroups(lists ...[]string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	for _, list := range lists {
		for _, g := range list {
			name := config.NormalizeName(g)
			if name == "" {
				continue
			}
			if seen.Add(name) {
				out = append(out, name)
			}
		}
	}
	return out
}

func tiersBefore(tiers []EscalationTier, timeout time.Duration) []EscalationTier {
	var out []EscalationTier
	for _, tier := range tiers {
		if tier.After <= 0 || tier.After >= timeout {
			continue
		}
		out = append(out, EscalationTier{After: tier.After, Groups: unionGroups(tier.Groups)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].After < out[j].After })
	return out
}

func modeFor(requireAll bool) QuorumMode {
	if requireAll {
		return QuorumAllGroups
	}
	return QuorumCount
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
