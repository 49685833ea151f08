package telegram

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/config"
)

func TestMarkdownToHTML_RendersBoldAndCode(t *testing.T) {
	out := markdownToHTML("**b** `c`")
	if strings.Contains(out, "&lt;b&gt;") {
		t.Fatalf("expected bold tags to be real HTML, got: %s", out)
	}
	if !strings.Contains(out, "<b>b</b>") {
		t.Fatalf("expected bold to render, got: %s", out)
	}
	if !strings.Contains(out, "<code>c</code>") {
		t.Fatalf("expected code to render, got: %s", out)
	}
}

func TestMarkdownToHTML_EscapesMarkup(t *testing.T) {
	out := markdownToHTML("a <script> & b")
	if out != "a &lt;script&gt; &amp; b" {
		t.Fatalf("expected escaped html, got: %s", out)
	}
}

func TestParseInt64_Valid(t *testing.T) {
	got, err := parseInt64("12345")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got != 12345 {
		t.Fatalf("expected 12345, got %d", got)
	}
}

func TestParseInt64_Invalid(t *testing.T) {
	if _, err := parseInt64("not-a-number"); err == nil {
		t.Fatal("expected error for invalid chat id")
	}
}

func TestHandleMessage_PublishesCommand(t *testing.T) {
	msgBus := bus.NewMessageBus(1)
	ch := New(&config.TelegramConfig{}, msgBus)

	ch.handleMessage(&tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 123, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 42},
		Text:      " /approve deployment-production-1 ",
	})

	select {
	case in := <-msgBus.Inbound():
		if in.Content != "/approve deployment-production-1" {
			t.Fatalf("unexpected content %q", in.Content)
		}
		if in.SenderID != "123" || in.ChatID != "42" || in.Channel != "telegram" {
			t.Fatalf("unexpected routing fields %+v", in)
		}
		if in.Metadata["username"] != "alice" {
			t.Fatalf("expected username metadata, got %+v", in.Metadata)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestHandleMessage_AllowListByUsername(t *testing.T) {
	msgBus := bus.NewMessageBus(2)
	ch := New(&config.TelegramConfig{AllowFrom: []string{"@alice"}}, msgBus)

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 999, UserName: "mallory"},
		Chat: &tgbotapi.Chat{ID: 1},
		Text: "/pending",
	})
	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, UserName: "alice"},
		Chat: &tgbotapi.Chat{ID: 1},
		Text: "/pending",
	})

	select {
	case in := <-msgBus.Inbound():
		if in.SenderID != "123" {
			t.Fatalf("expected only alice to pass, got sender %q", in.SenderID)
		}
	default:
		t.Fatal("expected inbound message from allowed sender")
	}
	select {
	case in := <-msgBus.Inbound():
		t.Fatalf("unexpected second message %+v", in)
	default:
	}
}

func TestSend_WithoutBotFails(t *testing.T) {
	ch := New(&config.TelegramConfig{}, bus.NewMessageBus(1))
	if err := ch.Send(context.Background(), &bus.OutboundMessage{ChatID: "1", Content: "x"}); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestHandleCallback_PublishesDecisionCommand(t *testing.T) {
	msgBus := bus.NewMessageBus(1)
	ch := New(&config.TelegramConfig{}, msgBus)

	ch.handleCallback(&tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 123, UserName: "alice"},
		Message: &tgbotapi.Message{MessageID: 9, Chat: &tgbotapi.Chat{ID: -100}},
		Data:    "a:deployment-production-1",
	})

	select {
	case in := <-msgBus.Inbound():
		if in.Content != "/approve deployment-production-1" {
			t.Fatalf("unexpected content %q", in.Content)
		}
		if in.SenderID != "123" || in.ChatID != "-100" {
			t.Fatalf("unexpected routing fields %+v", in)
		}
		if in.Metadata["callback"] != true {
			t.Fatalf("expected callback metadata, got %+v", in.Metadata)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestHandleCallback_IgnoresForeignPayload(t *testing.T) {
	msgBus := bus.NewMessageBus(1)
	ch := New(&config.TelegramConfig{}, msgBus)

	ch.handleCallback(&tgbotapi.CallbackQuery{
		ID:      "cb2",
		From:    &tgbotapi.User{ID: 123},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}},
		Data:    "delete:everything",
	})

	select {
	case in := <-msgBus.Inbound():
		t.Fatalf("unexpected inbound %+v", in)
	default:
	}
}

func TestDecisionKeyboard(t *testing.T) {
	msg := &bus.OutboundMessage{Metadata: map[string]any{
		bus.MetaApprovalID: "hotfix-staging-1",
		bus.MetaEventKind:  "created",
	}}
	markup, ok := decisionKeyboard(msg)
	if !ok {
		t.Fatal("expected keyboard for created notification")
	}
	row := markup.InlineKeyboard[0]
	if len(row) != 2 || *row[0].CallbackData != "a:hotfix-staging-1" || *row[1].CallbackData != "r:hotfix-staging-1" {
		t.Fatalf("unexpected buttons %+v", row)
	}

	msg.Metadata[bus.MetaEventKind] = "resolved"
	if _, ok := decisionKeyboard(msg); ok {
		t.Fatal("resolved notifications carry no buttons")
	}

	msg.Metadata[bus.MetaEventKind] = "created"
	msg.Metadata[bus.MetaApprovalID] = strings.Repeat("x", 70)
	if _, ok := decisionKeyboard(msg); ok {
		t.Fatal("expected no keyboard when the payload exceeds telegram's limit")
	}
}
