// Package telegram implements the counterparty transport over the Telegram
// Bot API with raw HTTP calls: sendMessage for outbound and getUpdates long
// polling for inbound.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
)

const defaultBaseURL = "https://api.telegram.org"

// Config holds transport tuning.
type Config struct {
	Token string
	// BaseURL overrides the API root, for tests.
	BaseURL string
	// SendInterval is the minimum gap between messages to the same chat.
	// The Bot API throttles around one message per second per chat.
	SendInterval time.Duration
	// PollTimeout is the getUpdates long-poll timeout.
	PollTimeout time.Duration
}

// Client is a Telegram Bot API transport. Send is safe for concurrent use;
// outbound messages to the same chat are paced by SendInterval.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	lastSend map[int64]time.Time
	handler  func(chatID, senderID int64, text string)
	offset   int64
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// Must outlast the long-poll timeout.
			Timeout: cfg.PollTimeout + 10*time.Second,
		},
		logger:   logger.With(slog.String("component", "telegram")),
		lastSend: make(map[int64]time.Time),
	}
}

// SetIncomingHandler registers the inbound message callback. Must be called
// before Run.
func (c *Client) SetIncomingHandler(fn func(chatID, senderID int64, text string)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Send delivers text to a chat via sendMessage, honoring per-chat pacing.
func (c *Client) Send(ctx context.Context, chatID, senderID int64, text string) error {
	if err := c.pace(ctx, chatID); err != nil {
		return err
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.cfg.BaseURL, c.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
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

// pace blocks until the per-chat send interval has elapsed.
func (c *Client) pace(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	now := time.Now()
	next := c.lastSend[chatID].Add(c.cfg.SendInterval)
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	c.lastSend[chatID] = now.Add(wait)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID    int64 `json:"id"`
			IsBot bool  `json:"is_bot"`
		} `json:"from"`
	} `json:"message"`
}

type updatesResponse struct {
	OK          bool     `json:"ok"`
	Result      []update `json:"result"`
	Description string   `json:"description"`
}

// Run long-polls getUpdates and dispatches messages to the registered
// handler until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "poller started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WarnContext(ctx, "poll failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			c.dispatch(u)
		}
	}
}

func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=%d&offset=%d&allowed_updates=%s",
		c.cfg.BaseURL, c.cfg.Token, int(c.cfg.PollTimeout.Seconds()), offset, `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: get updates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram: read updates: %w", err)
	}
	var parsed updatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram: api error: %s", parsed.Description)
	}

	if n := len(parsed.Result); n > 0 {
		c.mu.Lock()
		c.offset = parsed.Result[n-1].UpdateID + 1
		c.mu.Unlock()
	}
	return parsed.Result, nil
}

func (c *Client) dispatch(u update) {
	if u.Message == nil || u.Message.Text == "" || u.Message.From.IsBot {
		return
	}
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	handler(u.Message.Chat.ID, u.Message.From.ID, u.Message.Text)
}

var _ domain.Transport = (*Client)(nil)
