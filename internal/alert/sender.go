package alert

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Sender delivers one alert text to its destination.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// TelegramSender is a send-only Telegram client. It never polls for
// updates; construction validates the token against the API once.
type TelegramSender struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, chatID: chatID}, nil
}

func (s *TelegramSender) SendText(ctx context.Context, text string) error {
	// telebot bounds the call through its HTTP client timeout.
	_ = ctx
	_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return err
}
