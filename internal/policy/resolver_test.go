package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/MEKXH/quorum/internal/config"
)

type groupSet map[string]bool

func (g groupSet) HasGroup(id string) bool { return g[id] }

func testResolver() *Resolver {
	cfg := Config{
		Environments: map[string]EnvironmentPolicy{
			"production": {
				RequireApproval:   true,
				Timeout:           2 * time.Hour,
				RequiredApprovals: 2,
				ApproverGroups:    []string{"leads"},
				EmergencyBypass:   &BypassPolicy{Approvers: []string{"cto"}, RequiredApprovals: 1},
				Escalation: []EscalationTier{
					{After: 4 * time.Hour},
					{After: time.Hour, Groups: []string{"CTO"}},
					{After: 30 * time.Minute},
				},
			},
			"Secure": {
				RequireApproval:  true,
				ApproverGroups:   []string{"leads", "security"},
				RequireAllGroups: true,
			},
			"development": {RequireApproval: false},
			"sandbox":     {RequireApproval: true, AutoApprove: true, ApproverGroups: []string{"leads"}},
		},
		Types: map[string]TypePolicy{
			"deployment":    {},
			"hotfix":        {Timeout: 15 * time.Minute, RequiredApprovals: 1},
			"config_change": {AdditionalApprovers: []string{"security", "leads"}},
		},
		DefaultTimeout: 24 * time.Hour,
	}
	return NewResolver(cfg, groupSet{"leads": true, "security": true, "cto": true})
}

func TestResolve_UnknownEnvironmentIsConfigurationError(t *testing.T) {
	_, err := testResolver().Resolve("mars", "deployment", false)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestResolve_UnknownTypeIsConfigurationError(t *testing.T) {
	_, err := testResolver().Resolve("production", "teleport", false)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestResolve_BaseGroupsAndEnvironmentThreshold(t *testing.T) {
	res, err := testResolver().Resolve("production", "deployment", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.AutoApproved {
		t.Fatal("did not expect auto approval")
	}
	req := res.Required
	if len(req.Groups) != 1 || req.Groups[0] != "leads" {
		t.Fatalf("unexpected groups: %v", req.Groups)
	}
	if req.Mode != QuorumCount || req.Threshold != 2 || req.Emergency {
		t.Fatalf("unexpected required approvers: %+v", req)
	}
	if res.Timeout != 2*time.Hour {
		t.Fatalf("expected environment timeout, got %s", res.Timeout)
	}
}

func TestResolve_TypeOverridesThresholdAndTimeout(t *testing.T) {
	res, err := testResolver().Resolve("production", "hotfix", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Required.Threshold != 1 {
		t.Fatalf("expected type threshold 1, got %d", res.Required.Threshold)
	}
	if res.Timeout != 15*time.Minute {
		t.Fatalf("expected type timeout, got %s", res.Timeout)
	}
	if len(res.Escalation) != 0 {
		t.Fatalf("expected tiers past the deadline to be dropped, got %+v", res.Escalation)
	}
}

func TestResolve_AdditionalApproversAreUnioned(t *testing.T) {
	res, err := testResolver().Resolve("production", "config_change", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := res.Required.Groups
	if len(got) != 2 || got[0] != "leads" || got[1] != "security" {
		t.Fatalf("expected [leads security], got %v", got)
	}
}

func TestResolve_EmergencyBypassReplacesGroups(t *testing.T) {
	res, err := testResolver().Resolve("production", "config_change", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	req := res.Required
	if len(req.Groups) != 1 || req.Groups[0] != "cto" {
		t.Fatalf("expected bypass groups [cto], got %v", req.Groups)
	}
	if req.Threshold != 1 || req.Mode != QuorumCount || !req.Emergency {
		t.Fatalf("unexpected bypass requirement: %+v", req)
	}
}

func TestResolve_EmergencyWithoutBypassKeepsNormalGroups(t *testing.T) {
	res, err := testResolver().Resolve("secure", "deployment", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Required.Emergency || res.Required.Mode != QuorumAllGroups {
		t.Fatalf("unexpected requirement: %+v", res.Required)
	}
	if res.Required.Threshold != 1 {
		t.Fatalf("expected fallback threshold 1, got %d", res.Required.Threshold)
	}
	if res.Timeout != 24*time.Hour {
		t.Fatalf("expected default timeout, got %s", res.Timeout)
	}
}

func TestResolve_AutoApprovalPaths(t *testing.T) {
	res, err := testResolver().Resolve("development", "deployment", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.AutoApproved || res.Reason != ReasonApprovalNotRequired {
		t.Fatalf("expected approval_not_required, got %+v", res)
	}

	res, err = testResolver().Resolve("sandbox", "deployment", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.AutoApproved || res.Reason != ReasonAutoApprove {
		t.Fatalf("expected auto_approve, got %+v", res)
	}

	if _, err := testResolver().Resolve("development", "deployment", true); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected emergency without groups to be a configuration error, got %v", err)
	}
}

func TestResolve_EscalationTiersSortedAndBounded(t *testing.T) {
	res, err := testResolver().Resolve("production", "deployment", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Escalation) != 2 {
		t.Fatalf("expected 2 tiers before the 2h deadline, got %+v", res.Escalation)
	}
	if res.Escalation[0].After != 30*time.Minute || res.Escalation[1].After != time.Hour {
		t.Fatalf("expected sorted tiers, got %+v", res.Escalation)
	}
	if res.Escalation[1].Groups[0] != "cto" {
		t.Fatalf("expected normalized tier group, got %v", res.Escalation[1].Groups)
	}
}

func TestResolve_UnknownGroupIsConfigurationError(t *testing.T) {
	r := NewResolver(Config{
		Environments: map[string]EnvironmentPolicy{"prod": {RequireApproval: true, ApproverGroups: []string{"ghosts"}}},
		Types:        map[string]TypePolicy{"deployment": {}},
	}, groupSet{})
	if _, err := r.Resolve("prod", "deployment", false); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestFromConfig_ConvertsMinutes(t *testing.T) {
	cfg := FromConfig(config.DefaultConfig().Approval)

	prod := cfg.Environments["production"]
	if prod.Timeout != 24*time.Hour {
		t.Fatalf("expected 24h timeout, got %s", prod.Timeout)
	}
	if prod.EmergencyBypass == nil || prod.EmergencyBypass.RequiredApprovals != 1 {
		t.Fatalf("unexpected bypass: %+v", prod.EmergencyBypass)
	}
	if len(prod.Escalation) != 2 || prod.Escalation[0].After != time.Hour {
		t.Fatalf("unexpected escalation tiers: %+v", prod.Escalation)
	}
	if cfg.Types["rollback"].Timeout != 30*time.Minute {
		t.Fatalf("unexpected rollback timeout: %s", cfg.Types["rollback"].Timeout)
	}
}
