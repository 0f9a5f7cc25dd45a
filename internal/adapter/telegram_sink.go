package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/types"
)

// TelegramSink delivers alerts to a chat through the Bot API
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

const defaultTelegramTimeout = 10 * time.Second

// NewTelegramSink authenticates the bot against the public Bot API and returns a sink for chatID
func NewTelegramSink(token string, chatID int64, timeout time.Duration) (*TelegramSink, error) {
	return NewTelegramSinkWithEndpoint(token, tgbotapi.APIEndpoint, chatID, timeout)
}

// NewTelegramSinkWithEndpoint authenticates the bot against endpoint. Every
// Bot API request, the startup getMe included, is bounded by timeout.
func NewTelegramSinkWithEndpoint(token, endpoint string, chatID int64, timeout time.Duration) (*TelegramSink, error) {
	if timeout <= 0 {
		timeout = defaultTelegramTimeout
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return NewTelegramSinkWithBot(bot, chatID), nil
}

// NewTelegramSinkWithBot wraps an existing bot
func NewTelegramSinkWithBot(bot *tgbotapi.BotAPI, chatID int64) *TelegramSink {
	return &TelegramSink{bot: bot, chatID: chatID}
}

// Name implements AlertSink
func (s *TelegramSink) Name() string { return "telegram" }

// Send implements AlertSink. The Bot API client takes no context, so a
// request abandoned on ctx runs on until the client timeout ends it.
func (s *TelegramSink) Send(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(s.chatID, formatTelegram(alert))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(msg)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return apperrors.NewSinkError(s.Name(), 0, ctx.Err())
	case err := <-done:
		if err != nil {
			status := 0
			if apiErr, ok := err.(*tgbotapi.Error); ok {
				status = apiErr.Code
			}
			return apperrors.NewSinkError(s.Name(), status, err)
		}
		return nil
	}
}

func formatTelegram(alert *models.Alert) string {
	icon := "🔔"
	switch alert.Priority {
	case types.AlertPriorityHigh:
		icon = "🚨"
	case types.AlertPriorityMedium:
		icon = "⚠️"
	}

	var b strings.Builder
	title := alert.Title
	if title == "" {
		title = string(alert.Type)
	}
	fmt.Fprintf(&b, "%s *%s*\n\n", icon, escapeMarkdownV2(title))
	b.WriteString(escapeMarkdownV2(alert.Message))
	if alert.RelatedRef != "" {
		fmt.Fprintf(&b, "\n\n`%s`", escapeMarkdownV2(alert.RelatedRef))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
