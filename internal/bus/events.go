package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// Metadata keys attached to outbound approval notifications.
const (
	MetaApprovalID = "approval_id"
	MetaEventKind  = "event_kind"
)

// InboundMessage received from a channel
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
	RequestID string
}

// SenderHandles lists the directory handles the sender may be registered
// under on m.Channel: the platform id first, then "@username" when the
// channel reported one.
func (m *InboundMessage) SenderHandles() []string {
	handles := make([]string, 0, 2)
	if id := strings.TrimSpace(m.SenderID); id != "" {
		handles = append(handles, id)
	}
	if username, _ := m.Metadata["username"].(string); username != "" {
		handles = append(handles, "@"+strings.TrimPrefix(strings.TrimSpace(username), "@"))
	}
	return handles
}

// Reply builds an outbound message answering m in the same chat.
func (m *InboundMessage) Reply(content string) *OutboundMessage {
	return &OutboundMessage{
		Channel:   m.Channel,
		ChatID:    m.ChatID,
		Content:   content,
		RequestID: m.RequestID,
	}
}

// OutboundMessage to send to a channel
type OutboundMessage struct {
	Channel   string
	ChatID    string
	Content   string
	Metadata  map[string]any
	RequestID string
}

// ApprovalID returns the approval request id carried in metadata, if any.
func (m *OutboundMessage) ApprovalID() string {
	if m.Metadata == nil {
		return ""
	}
	id, _ := m.Metadata[MetaApprovalID].(string)
	return id
}

// EventKind returns the lifecycle event the message announces: "created",
// "resolved" or "escalation/<tier>". Plain replies return "".
func (m *OutboundMessage) EventKind() string {
	if m.Metadata == nil {
		return ""
	}
	kind, _ := m.Metadata[MetaEventKind].(string)
	return kind
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
