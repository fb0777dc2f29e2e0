package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"example.com/healthsync/internal/events"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures a TelegramSink.
type TelegramConfig struct {
	APIURL   string
	BotToken string
	ChatID   string
	Client   *http.Client
}

// TelegramSink posts a short summary message to a chat via the Bot API.
type TelegramSink struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegramSink constructs a TelegramSink. Without a client it uses one with a
// traced transport; the per-delivery context carries the deadline.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram: bot token and chat id are required")
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = DefaultTelegramAPI
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &TelegramSink{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", base, cfg.BotToken),
		chatID:   cfg.ChatID,
		client:   client,
	}, nil
}

// Name implements Sink.
func (s *TelegramSink) Name() string { return "telegram" }

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send implements Sink.
func (s *TelegramSink) Send(ctx context.Context, event events.SyncCompleted) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    s.chatID,
		Text:      FormatMessage(event),
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// the URL embeds the bot token
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("telegram: %s: %w", urlErr.Op, urlErr.Err)
		}
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var decoded sendMessageResponse
	_ = json.Unmarshal(raw, &decoded)
	if resp.StatusCode/100 != 2 || !decoded.OK {
		detail := decoded.Description
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
