package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts notifications to a chat through the Bot API. Text is
// sent without a parse mode so symbols like BTC_USDT arrive unchanged.
type TelegramSender struct {
	api    string
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a sender for a bot token and chat id.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{api: telegramAPI, token: token, chatID: chatID, client: &http.Client{Timeout: 10 * time.Second}}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts "title\nmessage" as plain text.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(telegramMessage{ChatID: t.chatID, Text: title + "\n" + message, DisableWebPagePreview: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.api+"/bot"+t.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	var reply telegramReply
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&reply)
	switch {
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, reply.Description)
	case decodeErr != nil:
		return fmt.Errorf("telegram: bad reply: %w", decodeErr)
	case !reply.OK:
		return fmt.Errorf("telegram: rejected: %s", reply.Description)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }

// LogSender writes notifications to the structured log. It is the default
// channel when nothing else is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender wraps logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("notification")}
}

// Send logs the message.
func (s *LogSender) Send(_ context.Context, title, message string) error {
	s.logger.Info(message, zap.String("kind", title))
	return nil
}

// Name returns the sender identifier.
func (s *LogSender) Name() string { return "log" }
