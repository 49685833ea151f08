package channel

import (
	"context"
	"strings"
	"time"

	"github.com/MEKXH/quorum/internal/bus"
)

// Channel interface for chat platforms
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg *bus.OutboundMessage) error
	IsAllowed(senderID string) bool
}

// BaseChannel holds the allow list and bus shared by every chat channel.
type BaseChannel struct {
	Bus       *bus.MessageBus
	AllowList map[string]bool
}

// NewBaseChannel builds a BaseChannel from configured allow_from entries.
// Entries are matched without a leading "@" and case-insensitively.
func NewBaseChannel(msgBus *bus.MessageBus, allowFrom []string) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, entry := range allowFrom {
		if key := allowKey(entry); key != "" {
			allow[key] = true
		}
	}
	return BaseChannel{Bus: msgBus, AllowList: allow}
}

// IsAllowed reports whether a sender may talk to the bot. senderID is either
// a bare id or "id|username". An empty allow list admits everyone; the approver
// directory still decides who may decide.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowList) == 0 {
		return true
	}
	id, username, _ := strings.Cut(senderID, "|")
	for _, candidate := range []string{senderID, id, username} {
		if key := allowKey(candidate); key != "" && b.AllowList[key] {
			return true
		}
	}
	return false
}

// PublishInbound stamps defaults and hands msg to the bus.
func (b *BaseChannel) PublishInbound(msg *bus.InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.RequestID == "" {
		msg.RequestID = bus.NewRequestID()
	}
	b.Bus.PublishInbound(msg)
}

func allowKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// Decision buttons.
//
// Notifications that ask for a decision carry approve/reject buttons. The
// button payload is "<a|r>:<approval id>", kept short because Telegram caps
// callback data at 64 bytes. Pressing a button is turned into the matching
// slash command so it goes through the same router as typed commands.

const (
	ActionApprove = "a"
	ActionReject  = "r"
)

var actionCommands = map[string]string{
	ActionApprove: "/approve",
	ActionReject:  "/reject",
}

// DecisionTarget returns the approval id when msg asks approvers to decide.
func DecisionTarget(msg *bus.OutboundMessage) (string, bool) {
	if msg == nil {
		return "", false
	}
	id, kind := msg.ApprovalID(), msg.EventKind()
	if id == "" {
		return "", false
	}
	if kind == "created" || strings.HasPrefix(kind, "escalation") {
		return id, true
	}
	return "", false
}

// EncodeAction builds a button payload.
func EncodeAction(action, approvalID string) string {
	return action + ":" + approvalID
}

// ActionCommand turns a button payload into a slash command. It reports false
// for payloads this package did not produce.
func ActionCommand(payload string) (string, bool) {
	action, id, ok := strings.Cut(strings.TrimSpace(payload), ":")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", false
	}
	cmd, ok := actionCommands[action]
	if !ok {
		return "", false
	}
	return cmd + " " + id, true
}
