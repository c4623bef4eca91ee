package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramAlerter sends operator alerts to one chat.
type TelegramAlerter struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	prefix string
	logger *zap.Logger
}

// NewTelegramAlerter checks the token against getMe. An empty endpoint
// means the public Bot API.
func NewTelegramAlerter(token string, chatID int64, prefix, endpoint string, logger *zap.Logger) (*TelegramAlerter, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramAlerter{
		bot:    bot,
		chatID: chatID,
		prefix: prefix,
		logger: logger.Named("telegram"),
	}, nil
}

func (a *TelegramAlerter) Alert(ctx context.Context, msg string) error {
	text := msg
	if a.prefix != "" {
		text = "[" + a.prefix + "] " + msg
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(tgbotapi.NewMessage(a.chatID, text))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			a.logger.Error("Failed to send alert", zap.Error(err))
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogAlerter stands in when no chat is configured.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.Named("alert")}
}

func (a *LogAlerter) Alert(_ context.Context, msg string) error {
	a.logger.Warn("ALERT", zap.String("message", msg))
	return nil
}
