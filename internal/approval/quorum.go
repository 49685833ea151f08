package approval

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/MEKXH/quorum/internal/policy"
)

// GroupMinimums reports how many approvals a group needs to count as covered
// in ALL_GROUPS mode.
type GroupMinimums interface {
	MinApprovals(groupID string) int
}

// Evaluate computes the status a pending request should have at now.
//
// Rejection dominates everything. A satisfied quorum wins over an elapsed
// deadline, so a decision that lands before the expiration check runs still
// resolves the request; expiration is the backstop.
func Evaluate(req *Request, now time.Time, minimums GroupMinimums) Status {
	if len(req.Rejections) > 0 {
		return StatusRejected
	}
	if QuorumMet(req, minimums) {
		return StatusApproved
	}
	if !now.Before(req.ExpiresAt) {
		return StatusExpired
	}
	return StatusPending
}

// QuorumMet reports whether the approvals satisfy the request's quorum rule.
func QuorumMet(req *Request, minimums GroupMinimums) bool {
	switch req.Required.Mode {
	case policy.QuorumAllGroups:
		if len(req.Required.Groups) == 0 {
			return false
		}
		return CoveredGroups(req, minimums).IsSuperset(mapset.NewThreadUnsafeSet(req.Required.Groups...))
	default:
		threshold := req.Required.Threshold
		if threshold <= 0 {
			threshold = 1
		}
		return len(req.Approvals) >= threshold
	}
}

// CoveredGroups returns the candidate groups whose approvals reached the
// group's minimum.
func CoveredGroups(req *Request, minimums GroupMinimums) mapset.Set[string] {
	counts := make(map[string]int)
	for _, d := range req.Approvals {
		counts[d.Group]++
	}
	covered := mapset.NewThreadUnsafeSet[string]()
	for group, n := range counts {
		need := 1
		if minimums != nil {
			if m := minimums.MinApprovals(group); m > 0 {
				need = m
			}
		}
		if n >= need {
			covered.Add(group)
		}
	}
	return covered
}
