package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/metrics"
)

// HandleResolver maps a chat sender to a directory entry.
type HandleResolver interface {
	LookupHandle(channel, senderID string) (directory.Approver, bool)
}

// Router consumes inbound chat messages and answers slash commands.
type Router struct {
	bus       *bus.MessageBus
	commands  *Registry
	approvals Approvals
	handles   HandleResolver
	metrics   *metrics.RuntimeMetrics
}

// NewRouter wires a router to the bus. handles may be nil, in which case
// every sender is treated as unknown.
func NewRouter(msgBus *bus.MessageBus, commands *Registry, approvals Approvals, handles HandleResolver) *Router {
	if commands == nil {
		commands = NewDefaultRegistry()
	}
	return &Router{bus: msgBus, commands: commands, approvals: approvals, handles: handles}
}

// SetRuntimeMetrics attaches the recorder shown by /status.
func (r *Router) SetRuntimeMetrics(recorder *metrics.RuntimeMetrics) {
	r.metrics = recorder
}

// Run processes inbound messages until ctx ends or the bus closes.
func (r *Router) Run(ctx context.Context) error {
	slog.Info("command router started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.bus.Inbound():
			if !ok {
				return fmt.Errorf("inbound channel closed")
			}
			if msg == nil {
				slog.Warn("received nil inbound message")
				continue
			}
			if strings.TrimSpace(msg.RequestID) == "" {
				msg.RequestID = bus.NewRequestID()
			}
			if resp := r.Handle(bus.WithRequestID(ctx, msg.RequestID), msg); resp != nil {
				r.bus.PublishOutbound(resp)
			}
		}
	}
}

// Handle answers one message. Plain text is ignored; an unknown command gets
// a pointer to /help.
func (r *Router) Handle(ctx context.Context, msg *bus.InboundMessage) *bus.OutboundMessage {
	slog.Info("processing message", "request_id", msg.RequestID, "channel", msg.Channel, "chat_id", msg.ChatID, "sender", msg.SenderID)

	cmd, args, ok := r.commands.Lookup(msg.Content)
	if !ok {
		if name, _, isCmd := splitCommand(msg.Content); isCmd {
			return msg.Reply(fmt.Sprintf("Unknown command `/%s`. Try /help.", name))
		}
		return nil
	}

	result := cmd.Execute(ctx, args, Env{
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		SenderID:     msg.SenderID,
		Approver:     r.resolveSender(msg),
		Approvals:    r.approvals,
		Metrics:      r.metrics,
		ListCommands: r.commands.List,
	})
	if strings.TrimSpace(result.Content) == "" {
		return nil
	}
	return msg.Reply(result.Content)
}

func (r *Router) resolveSender(msg *bus.InboundMessage) *directory.Approver {
	if r.handles == nil {
		return nil
	}
	for _, handle := range msg.SenderHandles() {
		if a, ok := r.handles.LookupHandle(msg.Channel, handle); ok {
			return &a
		}
	}
	return nil
}
