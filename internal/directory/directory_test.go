package directory

import (
	"testing"

	"github.com/MEKXH/quorum/internal/config"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := New([]GroupSpec{
		{ID: "leads", Members: []Approver{{ID: "L1", Name: "Lee"}, {ID: "L2", Handles: []string{"Telegram:200"}}}},
		{ID: "Security", MinApprovals: 2, Members: []Approver{{ID: "S1", Handles: []string{"slack:@U01"}}}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestLookup(t *testing.T) {
	d := testDirectory(t)

	a, ok := d.Lookup("L1")
	if !ok {
		t.Fatal("expected L1 to be found")
	}
	if a.Group != "leads" || a.Name != "Lee" {
		t.Fatalf("unexpected approver: %+v", a)
	}
	if _, ok := d.Lookup("nobody"); ok {
		t.Fatal("expected unknown approver to be missing")
	}
}

func TestGroupNamesAreNormalized(t *testing.T) {
	d := testDirectory(t)

	if !d.HasGroup(" SECURITY ") {
		t.Fatal("expected case-insensitive group lookup")
	}
	s1, _ := d.Lookup("S1")
	if s1.Group != "security" {
		t.Fatalf("expected normalized group id, got %q", s1.Group)
	}
	if d.MinApprovals("security") != 2 {
		t.Fatalf("expected min approvals 2, got %d", d.MinApprovals("security"))
	}
	if d.MinApprovals("leads") != 1 {
		t.Fatalf("expected default min approvals 1, got %d", d.MinApprovals("leads"))
	}
}

func TestNew_RejectsApproverInTwoGroups(t *testing.T) {
	_, err := New([]GroupSpec{
		{ID: "a", Members: []Approver{{ID: "X"}}},
		{ID: "b", Members: []Approver{{ID: "X"}}},
	})
	if err == nil {
		t.Fatal("expected error for approver in two groups")
	}
}

func TestNew_RejectsSharedHandle(t *testing.T) {
	_, err := New([]GroupSpec{
		{ID: "a", Members: []Approver{{ID: "X", Handles: []string{"slack:U1"}}, {ID: "Y", Handles: []string{"slack:U1"}}}},
	})
	if err == nil {
		t.Fatal("expected error for duplicated handle")
	}
}

func TestLookupHandle(t *testing.T) {
	d := testDirectory(t)

	a, ok := d.LookupHandle("telegram", "200")
	if !ok || a.ID != "L2" {
		t.Fatalf("expected L2 via telegram handle, got %+v ok=%v", a, ok)
	}
	a, ok = d.LookupHandle("slack", "U01")
	if !ok || a.ID != "S1" {
		t.Fatalf("expected S1 via slack handle, got %+v ok=%v", a, ok)
	}
	if _, ok := d.LookupHandle("slack", "U99"); ok {
		t.Fatal("expected unknown handle to be missing")
	}
}

func TestMembers_DeduplicatesAndSkipsUnknownGroups(t *testing.T) {
	d := testDirectory(t)

	members := d.Members("leads", "ghosts", "leads", "security")
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	if members[0].ID != "L1" || members[2].ID != "S1" {
		t.Fatalf("unexpected member order: %+v", members)
	}
}

func TestFromConfig(t *testing.T) {
	d, err := FromConfig(config.DirectoryConfig{
		Groups: map[string]config.GroupConfig{
			"cto": {Name: "CTO", Members: []config.MemberConfig{{ID: "C1", Handles: []string{"telegram:1"}}}},
		},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	g, ok := d.Group("cto")
	if !ok || len(g.Members) != 1 || g.MinApprovals != 1 {
		t.Fatalf("unexpected cto group: %+v", g)
	}
	if got := d.Groups(); len(got) != 1 || got[0] != "cto" {
		t.Fatalf("unexpected groups: %v", got)
	}
}
