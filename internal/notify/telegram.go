package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

// TelegramSender delivers deal alerts to an operator chat via the Telegram
// Bot API.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. It uses a default HTTP client with a 10-second timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// outcomeMarker prefixes the alert with a glance-able marker for the deal
// outcomes operators care about most.
func outcomeMarker(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "won"):
		return "✅ " // check mark
	case strings.Contains(lower, "lost"):
		return "❌ " // cross mark
	case strings.Contains(lower, "handed"):
		return "\U0001f91d " // handshake
	case strings.Contains(lower, "warm"):
		return "\U0001f525 " // fire
	default:
		return ""
	}
}

// Send posts the alert to the configured chat with sendMessage. The title is
// rendered bold in HTML mode, which tolerates deal IDs and product names
// that would need escaping under Markdown.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)

	text := fmt.Sprintf("%s<b>%s</b>\n%s",
		outcomeMarker(title), html.EscapeString(title), html.EscapeString(message))

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
