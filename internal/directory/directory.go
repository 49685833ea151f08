// Package directory holds the process-wide approver directory: who may
// approve, and which group each approver belongs to.
package directory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MEKXH/quorum/internal/config"
)

const defaultMinApprovals = 1

// Approver is one directory entry. Immutable once loaded.
type Approver struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Group   string   `json:"group"`
	Handles []string `json:"handles,omitempty"`
}

// Group is an ordered set of approvers.
type Group struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	MinApprovals int        `json:"min_approvals"`
	Members      []Approver `json:"members"`
}

// GroupSpec describes a group to load.
type GroupSpec struct {
	ID           string
	Name         string
	MinApprovals int
	Members      []Approver
}

// Directory maps approver identities to their primary group.
// It is read-only after New returns and safe for concurrent use.
type Directory struct {
	groups    map[string]*Group
	approvers map[string]Approver
	handles   map[string]string
}

// New builds a directory. Every approver must belong to exactly one group.
func New(specs []GroupSpec) (*Directory, error) {
	d := &Directory{
		groups:    make(map[string]*Group, len(specs)),
		approvers: make(map[string]Approver),
		handles:   make(map[string]string),
	}

	for _, spec := range specs {
		groupID := config.NormalizeName(spec.ID)
		if groupID == "" {
			return nil, fmt.Errorf("group id is required")
		}
		if _, dup := d.groups[groupID]; dup {
			return nil, fmt.Errorf("duplicate group %q", groupID)
		}
		minApprovals := spec.MinApprovals
		if minApprovals <= 0 {
			minApprovals = defaultMinApprovals
		}

		group := &Group{
			ID:           groupID,
			Name:         strings.TrimSpace(spec.Name),
			MinApprovals: minApprovals,
			Members:      make([]Approver, 0, len(spec.Members)),
		}
		for _, member := range spec.Members {
			id := strings.TrimSpace(member.ID)
			if id == "" {
				return nil, fmt.Errorf("group %q has a member without id", groupID)
			}
			if existing, dup := d.approvers[id]; dup {
				return nil, fmt.Errorf("approver %q is in groups %q and %q; each approver has exactly one primary group", id, existing.Group, groupID)
			}
			approver := Approver{
				ID:      id,
				Name:    strings.TrimSpace(member.Name),
				Group:   groupID,
				Handles: normalizeHandles(member.Handles),
			}
			for _, h := range approver.Handles {
				if owner, taken := d.handles[h]; taken {
					return nil, fmt.Errorf("handle %q is claimed by both %q and %q", h, owner, id)
				}
				d.handles[h] = id
			}
			d.approvers[id] = approver
			group.Members = append(group.Members, approver)
		}
		d.groups[groupID] = group
	}

	return d, nil
}

// FromConfig builds a directory from the directory section of the config.
func FromConfig(cfg config.DirectoryConfig) (*Directory, error) {
	ids := make([]string, 0, len(cfg.Groups))
	for id := range cfg.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	specs := make([]GroupSpec, 0, len(ids))
	for _, id := range ids {
		g := cfg.Groups[id]
		members := make([]Approver, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, Approver{ID: m.ID, Name: m.Name, Handles: m.Handles})
		}
		specs = append(specs, GroupSpec{
			ID:           id,
			Name:         g.Name,
			MinApprovals: g.MinApprovals,
			Members:      members,
		})
	}
	return New(specs)
}

// Lookup returns the approver with the given identity.
func (d *Directory) Lookup(id string) (Approver, bool) {
	a, ok := d.approvers[strings.TrimSpace(id)]
	return cloneApprover(a), ok
}

// LookupHandle resolves a chat handle such as "telegram:12345" to an approver.
func (d *Directory) LookupHandle(channel, senderID string) (Approver, bool) {
	id, ok := d.handles[normalizeHandle(channel+":"+senderID)]
	if !ok {
		return Approver{}, false
	}
	return d.Lookup(id)
}

// HasGroup reports whether a group with the given id exists.
func (d *Directory) HasGroup(id string) bool {
	_, ok := d.groups[config.NormalizeName(id)]
	return ok
}

// Group returns a copy of the group with the given id.
func (d *Directory) Group(id string) (Group, bool) {
	g, ok := d.groups[config.NormalizeName(id)]
	if !ok {
		return Group{}, false
	}
	cp := *g
	cp.Members = make([]Approver, 0, len(g.Members))
	for _, m := range g.Members {
		cp.Members = append(cp.Members, cloneApprover(m))
	}
	return cp, true
}

// MinApprovals returns the group's minimum approvals, or 1 for unknown groups.
func (d *Directory) MinApprovals(groupID string) int {
	g, ok := d.groups[config.NormalizeName(groupID)]
	if !ok {
		return defaultMinApprovals
	}
	return g.MinApprovals
}

// Members returns the approvers of the given groups, in group then member order.
func (d *Directory) Members(groupIDs ...string) []Approver {
	var out []Approver
	seen := make(map[string]bool)
	for _, id := range groupIDs {
		g, ok := d.groups[config.NormalizeName(id)]
		if !ok {
			continue
		}
		for _, m := range g.Members {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, cloneApprover(m))
		}
	}
	return out
}

// Groups returns all group ids sorted.
func (d *Directory) Groups() []string {
	out := make([]string, 0, len(d.groups))
	for id := range d.groups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneApprover(a Approver) Approver {
	if a.Handles != nil {
		a.Handles = append([]string(nil), a.Handles...)
	}
	return a
}

func normalizeHandles(handles []string) []string {
	if len(handles) == 0 {
		return nil
	}
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if n := normalizeHandle(h); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func normalizeHandle(h string) string {
	h = strings.TrimSpace(h)
	channel, sender, ok := strings.Cut(h, ":")
	if !ok {
		return ""
	}
	channel = strings.ToLower(strings.TrimSpace(channel))
	sender = strings.TrimPrefix(strings.TrimSpace(sender), "@")
	if channel == "" || sender == "" {
		return ""
	}
	return channel + ":" + sender
}
