// Package slack connects approvers on Slack over Socket Mode. Notifications
// asking for a decision carry Block Kit approve/reject buttons; messages,
// mentions, "/quorum" slash commands and button presses reach the bus as
// chat commands.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/channel"
	"github.com/MEKXH/quorum/internal/config"
)

// Channel implements Slack Socket Mode channel.
type Channel struct {
	channel.BaseChannel
	cfg          *config.SlackConfig
	api          *slack.Client
	socketClient *socketmode.Client
	botUserID    string

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Slack channel.
func New(cfg *config.SlackConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channel.NewBaseChannel(msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (c *Channel) Name() string { return "slack" }

func (c *Channel) Start(ctx context.Context) error {
	if c.cfg == nil {
		return fmt.Errorf("missing slack config")
	}
	if strings.TrimSpace(c.cfg.BotToken) == "" || strings.TrimSpace(c.cfg.AppToken) == "" {
		return fmt.Errorf("slack bot_token and app_token are required")
	}

	api := slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	socketClient := socketmode.New(api)

	c.mu.Lock()
	c.api = api
	c.socketClient = socketClient
	c.botUserID = authResp.UserID
	c.running = true
	c.ctx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	go c.eventLoop()
	go func() {
		if err := socketClient.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode exited", "error", err)
		}
	}()

	slog.Info("slack channel connected", "team", authResp.Team, "bot_user_id", authResp.UserID)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.socketClient = nil
	c.api = nil
	c.mu.Unlock()
	return nil
}

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.RLock()
	api := c.api
	running := c.running
	c.mu.RUnlock()
	if !running || api == nil {
		return fmt.Errorf("slack channel not running")
	}

	channelID, threadTS := parseChatID(msg.ChatID)
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("invalid slack chat id: %q", msg.ChatID)
	}

	text := toMrkdwn(msg.Content)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if blocks := decisionBlocks(msg, text); blocks != nil {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, _, err := api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	return nil
}

func (c *Channel) eventLoop() {
	for {
		c.mu.RLock()
		runCtx := c.ctx
		socketClient := c.socketClient
		c.mu.RUnlock()
		if runCtx == nil || socketClient == nil {
			return
		}

		select {
		case <-runCtx.Done():
			return
		case evt, ok := <-socketClient.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				c.handleEventsAPI(evt)
			case socketmode.EventTypeInteractive:
				c.handleInteractive(evt)
			case socketmode.EventTypeSlashCommand:
				c.handleSlashCommand(evt)
			}
		}
	}
}

func (c *Channel) ack(evt socketmode.Event) {
	c.mu.RLock()
	socketClient := c.socketClient
	c.mu.RUnlock()
	if socketClient != nil && evt.Request != nil {
		socketClient.Ack(*evt.Request)
	}
}

func (c *Channel) handleEventsAPI(evt socketmode.Event) {
	c.ack(evt)

	eventData, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	switch inner := eventData.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessageEvent(inner)
	case *slackevents.AppMentionEvent:
		c.handleMentionEvent(inner)
	}
}

func (c *Channel) handleMessageEvent(ev *slackevents.MessageEvent) {
	if ev == nil {
		return
	}
	if ev.User == "" || ev.BotID != "" || ev.SubType == "bot_message" {
		return
	}
	if !c.IsAllowed(ev.User) {
		return
	}

	content := strings.TrimSpace(c.stripMention(ev.Text))
	if content == "" {
		return
	}

	chatID := ev.Channel
	if ev.ThreadTimeStamp != "" {
		chatID = ev.Channel + "/" + ev.ThreadTimeStamp
	}

	c.PublishInbound(&bus.InboundMessage{
		Channel:  c.Name(),
		SenderID: ev.User,
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]any{
			"message_ts": ev.TimeStamp,
			"channel_id": ev.Channel,
			"thread_ts":  ev.ThreadTimeStamp,
		},
	})
}

func (c *Channel) handleMentionEvent(ev *slackevents.AppMentionEvent) {
	if ev == nil || ev.User == "" {
		return
	}
	if !c.IsAllowed(ev.User) {
		return
	}

	content := strings.TrimSpace(c.stripMention(ev.Text))
	if content == "" {
		return
	}

	chatID := ev.Channel
	if ev.ThreadTimeStamp != "" {
		chatID = ev.Channel + "/" + ev.ThreadTimeStamp
	} else if ev.TimeStamp != "" {
		chatID = ev.Channel + "/" + ev.TimeStamp
	}

	c.PublishInbound(&bus.InboundMessage{
		Channel:  c.Name(),
		SenderID: ev.User,
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]any{
			"message_ts": ev.TimeStamp,
			"channel_id": ev.Channel,
			"thread_ts":  ev.ThreadTimeStamp,
			"is_mention": true,
		},
	})
}

// handleSlashCommand turns "/quorum approve <id>" into "/approve <id>".
func (c *Channel) handleSlashCommand(evt socketmode.Event) {
	c.ack(evt)
	cmd, ok := evt.Data.(slack.SlashCommand)
	if !ok {
		return
	}
	c.publishSlashCommand(cmd)
}

func (c *Channel) publishSlashCommand(cmd slack.SlashCommand) {
	if cmd.UserID == "" || !c.IsAllowed(cmd.UserID) {
		return
	}

	content := strings.TrimSpace(cmd.Text)
	if content == "" {
		content = "help"
	}
	if !strings.HasPrefix(content, "/") {
		content = "/" + content
	}
	c.PublishInbound(&bus.InboundMessage{
		Channel:  c.Name(),
		SenderID: cmd.UserID,
		ChatID:   cmd.ChannelID,
		Content:  content,
		Metadata: map[string]any{
			"is_command": true,
			"command":    cmd.Command,
			"trigger_id": cmd.TriggerID,
			"username":   cmd.UserName,
		},
	})
}

func (c *Channel) handleInteractive(evt socketmode.Event) {
	c.ack(evt)
	callback, ok := evt.Data.(slack.InteractionCallback)
	if !ok {
		return
	}
	c.publishBlockActions(callback)
}

// publishBlockActions turns approve/reject button presses into commands.
// Replies go to the thread of the message holding the buttons.
func (c *Channel) publishBlockActions(callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions || callback.User.ID == "" {
		return
	}
	if !c.IsAllowed(callback.User.ID) {
		slog.Debug("unauthorized slack button press", "user", callback.User.ID)
		return
	}
	channelID := callback.Channel.ID
	if channelID == "" {
		channelID = callback.Container.ChannelID
	}
	if channelID == "" {
		return
	}
	chatID := channelID
	if ts := callback.Container.MessageTs; ts != "" {
		chatID = channelID + "/" + ts
	}

	for _, action := range callback.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		content, ok := channel.ActionCommand(action.Value)
		if !ok {
			continue
		}
		c.PublishInbound(&bus.InboundMessage{
			Channel:  c.Name(),
			SenderID: callback.User.ID,
			ChatID:   chatID,
			Content:  content,
			Metadata: map[string]any{
				"action_id": action.ActionID,
				"username":  callback.User.Name,
				"button":    true,
			},
		})
	}
}

// decisionBlocks renders text plus approve/reject buttons for messages that
// ask for a decision. It returns nil for everything else.
func decisionBlocks(msg *bus.OutboundMessage, text string) []slack.Block {
	id, ok := channel.DecisionTarget(msg)
	if !ok {
		return nil
	}
	approve := slack.NewButtonBlockElement("quorum_approve",
		channel.EncodeAction(channel.ActionApprove, id),
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false),
	).WithStyle(slack.StylePrimary)
	reject := slack.NewButtonBlockElement("quorum_reject",
		channel.EncodeAction(channel.ActionReject, id),
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false),
	).WithStyle(slack.StyleDanger)
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewActionBlock("quorum_decision", approve, reject),
	}
}

func (c *Channel) stripMention(text string) string {
	c.mu.RLock()
	botUserID := c.botUserID
	c.mu.RUnlock()
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	mention := fmt.Sprintf("<@%s>", botUserID)
	text = strings.ReplaceAll(text, mention, "")
	return strings.TrimSpace(text)
}

func parseChatID(chatID string) (channelID, threadTS string) {
	parts := strings.SplitN(chatID, "/", 2)
	channelID = parts[0]
	if len(parts) > 1 {
		threadTS = parts[1]
	}
	return
}

// toMrkdwn converts the **bold** markers used in notifications to Slack's *bold*.
func toMrkdwn(text string) string {
	return strings.ReplaceAll(text, "**", "*")
}
