package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"stackmon/internal/config"
	"stackmon/internal/domain"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot client, chat id, and parse mode.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client    *tgbot.Bot
	chatID    any
	parseMode tgmodels.ParseMode
}

// NewTelegramSender creates Telegram sender.
// Params: Telegram notifier config.
// Returns: initialized sender or credential/client error.
func NewTelegramSender(cfg config.TelegramNotifier) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat_id is required")
	}

	botClient, err := tgbot.New(cfg.BotToken,
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{
		client:    botClient,
		chatID:    normalizeChatID(cfg.ChatID),
		parseMode: tgmodels.ParseMode(cfg.ParseMode),
	}, nil
}

// Channel returns sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one notification message to Telegram chat.
// Params: context and rendered notification.
// Returns: transport or API error.
func (s *TelegramSender) Send(ctx context.Context, notification domain.Notification) error {
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      notification.Message,
		ParseMode: s.parseMode,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel usernames as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
