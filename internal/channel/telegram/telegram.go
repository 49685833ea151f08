// Package telegram connects approvers on Telegram to the engine: it posts
// notifications with approve/reject buttons and forwards commands and button
// presses to the bus.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/channel"
	"github.com/MEKXH/quorum/internal/config"
)

// maxCallbackData is Telegram's limit on inline button payloads.
const maxCallbackData = 64

var (
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	codeInlineRe = regexp.MustCompile("`([^`]+)`")
)

// Channel implements Telegram bot
type Channel struct {
	channel.BaseChannel
	cfg *config.TelegramConfig
	bot *tgbotapi.BotAPI
}

// New creates a Telegram channel
func New(cfg *config.TelegramConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channel.NewBaseChannel(msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	c.bot = bot

	slog.Info("telegram bot connected", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case update.CallbackQuery != nil:
				c.handleCallback(update.CallbackQuery)
			case update.Message != nil:
				c.handleMessage(update.Message)
			}
		}
	}
}

func (c *Channel) handleMessage(msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	c.publish(msg.From, msg.Chat.ID, content, map[string]any{
		"message_id": msg.MessageID,
	})
}

// handleCallback turns an approve/reject button press into the matching command.
func (c *Channel) handleCallback(cb *tgbotapi.CallbackQuery) {
	if cb == nil || cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	content, ok := channel.ActionCommand(cb.Data)
	if !ok {
		slog.Debug("ignoring unknown telegram callback", "data", cb.Data)
		c.answerCallback(cb.ID, "")
		return
	}
	if !c.publish(cb.From, cb.Message.Chat.ID, content, map[string]any{
		"message_id": cb.Message.MessageID,
		"callback":   true,
	}) {
		c.answerCallback(cb.ID, "You are not allowed to decide here.")
		return
	}
	c.answerCallback(cb.ID, "Decision submitted")
}

func (c *Channel) publish(from *tgbotapi.User, chatID int64, content string, meta map[string]any) bool {
	senderID := strconv.FormatInt(from.ID, 10)
	if !c.IsAllowed(senderID + "|" + from.UserName) {
		slog.Debug("unauthorized telegram sender", "id", senderID)
		return false
	}
	meta["username"] = from.UserName
	c.PublishInbound(&bus.InboundMessage{
		Channel:  c.Name(),
		SenderID: senderID,
		ChatID:   strconv.FormatInt(chatID, 10),
		Content:  content,
		Metadata: meta,
	})
	return true
}

func (c *Channel) answerCallback(id, text string) {
	if c.bot == nil {
		return
	}
	if _, err := c.bot.Request(tgbotapi.NewCallback(id, text)); err != nil {
		slog.Debug("answer telegram callback failed", "error", err)
	}
}

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.bot == nil {
		return fmt.Errorf("bot not initialized")
	}

	chatID, err := parseInt64(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	tgMsg := tgbotapi.NewMessage(chatID, markdownToHTML(msg.Content))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	if markup, ok := decisionKeyboard(msg); ok {
		tgMsg.ReplyMarkup = markup
	}

	if _, err = c.bot.Send(tgMsg); err != nil {
		// Retry as plain text in case the HTML was rejected.
		tgMsg.ParseMode = ""
		tgMsg.Text = msg.Content
		_, err = c.bot.Send(tgMsg)
	}
	return err
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

// decisionKeyboard returns approve/reject buttons for messages that ask for a decision.
func decisionKeyboard(msg *bus.OutboundMessage) (tgbotapi.InlineKeyboardMarkup, bool) {
	id, ok := channel.DecisionTarget(msg)
	if !ok {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	approve := channel.EncodeAction(channel.ActionApprove, id)
	reject := channel.EncodeAction(channel.ActionReject, id)
	if len(approve) > maxCallbackData || len(reject) > maxCallbackData {
		slog.Debug("approval id too long for telegram buttons", "approval_id", id)
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", approve),
		tgbotapi.NewInlineKeyboardButtonData("Reject", reject),
	)), true
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func markdownToHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = codeInlineRe.ReplaceAllString(text, "<code>$1</code>")
	return text
}
