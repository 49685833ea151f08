// Package notify turns approval lifecycle effects into chat messages,
// audit records and metrics.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/config"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/render"
)

// Target is one chat that receives approval notifications.
type Target struct {
	Channel string
	ChatID  string
}

// TargetsFromConfig collects notify targets of the enabled channels.
func TargetsFromConfig(cfg config.ChannelsConfig) []Target {
	var targets []Target
	if cfg.Telegram.Enabled {
		for _, id := range cfg.Telegram.NotifyChatIDs {
			if id = strings.TrimSpace(id); id != "" {
				targets = append(targets, Target{Channel: "telegram", ChatID: id})
			}
		}
	}
	if cfg.Slack.Enabled {
		for _, id := range cfg.Slack.NotifyChannels {
			if id = strings.TrimSpace(id); id != "" {
				targets = append(targets, Target{Channel: "slack", ChatID: id})
			}
		}
	}
	return targets
}

// ChannelNotifier publishes rendered lifecycle messages on the bus. The
// channel manager delivers them; a deterministic request id per event lets
// its dedup window drop repeats.
type ChannelNotifier struct {
	bus     *bus.MessageBus
	targets []Target
	// direct enables messaging escalation approvers on their own handles
	// for these channels.
	direct map[string]bool
}

// NewChannelNotifier creates a notifier for the given targets.
func NewChannelNotifier(msgBus *bus.MessageBus, targets []Target) *ChannelNotifier {
	return &ChannelNotifier{bus: msgBus, targets: targets, direct: make(map[string]bool)}
}

// EnableDirect makes escalation notices also go to each approver's handle on
// the named channel.
func (n *ChannelNotifier) EnableDirect(channel string) {
	n.direct[strings.ToLower(strings.TrimSpace(channel))] = true
}

func (n *ChannelNotifier) NotifyCreated(ctx context.Context, req *approval.Request, candidates []directory.Approver) error {
	return n.broadcast(ctx, req, string(approval.EffectCreated), render.Created(req, candidates), nil)
}

func (n *ChannelNotifier) NotifyResolved(ctx context.Context, req *approval.Request, decision *approval.Decision) error {
	return n.broadcast(ctx, req, string(approval.EffectResolved), render.Resolved(req, decision), nil)
}

func (n *ChannelNotifier) NotifyEscalation(ctx context.Context, req *approval.Request, notice approval.EscalationNotice) error {
	kind := fmt.Sprintf("%s/%d", approval.EffectEscalation, notice.Tier)
	return n.broadcast(ctx, req, kind, render.Escalation(req, notice), notice.Approvers)
}

// MirrorExternalState is handled by the tracker.
func (n *ChannelNotifier) MirrorExternalState(context.Context, *approval.Request) error {
	return nil
}

func (n *ChannelNotifier) broadcast(ctx context.Context, req *approval.Request, kind, content string, direct []directory.Approver) error {
	if n.bus == nil {
		return nil
	}
	targets := append([]Target(nil), n.targets...)
	targets = append(targets, n.directTargets(direct)...)

	for _, t := range targets {
		err := n.bus.PublishOutboundContext(ctx, &bus.OutboundMessage{
			Channel:   t.Channel,
			ChatID:    t.ChatID,
			Content:   content,
			RequestID: req.ID + "/" + kind,
			Metadata: map[string]any{
				bus.MetaApprovalID: req.ID,
				bus.MetaEventKind:  kind,
			},
		})
		if err != nil {
			return fmt.Errorf("publish %s notification for %s: %w", kind, req.ID, err)
		}
	}
	return nil
}

func (n *ChannelNotifier) directTargets(approvers []directory.Approver) []Target {
	if len(n.direct) == 0 {
		return nil
	}
	var out []Target
	for _, a := range approvers {
		for _, h := range a.Handles {
			channel, id, ok := strings.Cut(h, ":")
			// Usernames cannot be addressed directly.
			if !ok || !n.direct[channel] || strings.HasPrefix(id, "@") {
				continue
			}
			out = append(out, Target{Channel: channel, ChatID: id})
		}
	}
	return out
}
