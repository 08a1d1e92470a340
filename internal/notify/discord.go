package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Embed side-stripe colors per deal outcome.
const (
	colorWon     = 0x2ecc71 // green
	colorLost    = 0xe74c3c // red
	colorHanded  = 0x9b59b6 // purple
	colorWarm    = 0xe67e22 // orange
	colorNeutral = 0x3498db // blue
)

// DiscordSender delivers deal alerts via a Discord webhook, rendered as an
// embed colored by outcome so a channel scan shows wins and losses at a
// glance.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL. It uses a
// default HTTP client with a 10-second timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func outcomeColor(text string) int {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "won"):
		return colorWon
	case strings.Contains(lower, "lost"):
		return colorLost
	case strings.Contains(lower, "handed"):
		return colorHanded
	case strings.Contains(lower, "warm"):
		return colorWarm
	default:
		return colorNeutral
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

// Send posts the alert to the Discord webhook as a single embed.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]any{
		"embeds": []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       outcomeColor(title),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	// Discord returns 204 No Content on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
