package approval

import (
	"testing"
	"time"

	"github.com/MEKXH/quorum/internal/policy"
)

type minimums map[string]int

func (m minimums) MinApprovals(group string) int { return m[group] }

func approvals(groups ...string) []Decision {
	out := make([]Decision, len(groups))
	for i, g := range groups {
		out[i] = Decision{ApproverID: g + "-" + string(rune('a'+i)), Group: g, Verdict: VerdictApprove}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	deadline := baseTime.Add(time.Hour)
	before := baseTime
	after := deadline

	cases := []struct {
		name     string
		req      Request
		now      time.Time
		minimums GroupMinimums
		want     Status
	}{
		{
			name: "count below threshold",
			req:  Request{Required: policy.RequiredApprovers{Groups: []string{"leads"}, Mode: policy.QuorumCount, Threshold: 2}, Approvals: approvals("leads")},
			now:  before,
			want: StatusPending,
		},
		{
			name: "count met",
			req:  Request{Required: policy.RequiredApprovers{Groups: []string{"leads"}, Mode: policy.QuorumCount, Threshold: 2}, Approvals: approvals("leads", "leads")},
			now:  before,
			want: StatusApproved,
		},
		{
			name: "zero threshold needs one approval",
			req:  Request{Required: policy.RequiredApprovers{Groups: []string{"leads"}, Mode: policy.QuorumCount}},
			now:  before,
			want: StatusPending,
		},
		{
			name: "rejection beats met quorum",
			req: Request{
				Required:   policy.RequiredApprovers{Groups: []string{"leads"}, Mode: policy.QuorumCount, Threshold: 1},
				Approvals:  approvals("leads"),
				Rejections: []Decision{{ApproverID: "x", Group: "leads", Verdict: VerdictReject}},
			},
			now:  before,
			want: StatusRejected,
		},
		{
			name: "quorum beats deadline",
			req:  Request{Required: policy.RequiredApprovers{Groups: []string{"leads"}, Mode: policy.QuorumCount, Threshold: 1}, Approvals: approvals("leads")},
			now:  after,
			want: StatusApproved,
		},
		{
			name: "deadline reached",
			req:  Request{Required: policy.RequiredApprovers{Groups: []string{"leads"}, Mode: policy.QuorumCount, Threshold: 1}},
			now:  after,
			want: StatusExpired,
		},
		{
			name: "all groups partial",
			req:  Request{Required: policy.RequiredApprovers{Groups: []string{"leads", "security"}, Mode: policy.QuorumAllGroups}, Approvals: approvals("leads", "leads")},
			now:  before,
			want: StatusPending,
		},
		{
			name: "all groups covered",
			req:  Request{Required: policy.RequiredApprovers{Groups: []string{"leads", "security"}, Mode: policy.QuorumAllGroups}, Approvals: approvals("leads", "security")},
			now:  before,
			want: StatusApproved,
		},
		{
			name:     "all groups honours group minimum",
			req:      Request{Required: policy.RequiredApprovers{Groups: []string{"leads", "security"}, Mode: policy.QuorumAllGroups}, Approvals: approvals("leads", "security")},
			now:      before,
			minimums: minimums{"security": 2},
			want:     StatusPending,
		},
		{
			name: "all groups without groups never approves",
			req:  Request{Required: policy.RequiredApprovers{Mode: policy.QuorumAllGroups}, Approvals: approvals("leads")},
			now:  before,
			want: StatusPending,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.ExpiresAt = deadline
			if got := Evaluate(&req, tc.now, tc.minimums); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
