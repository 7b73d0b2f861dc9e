// Package telegram provides a delivery client that sends notifications
// through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/polizaops/scheduled-notifier/internal/delivery"
)

// Client sends notification payloads to Telegram chats.
type Client struct {
	token  string       // bot token for authentication
	client *http.Client // HTTP client used to make requests
}

// NewClient creates a new Telegram Client instance with the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token:  token,
		client: &http.Client{},
	}
}

// sendMessageRequest represents the payload for the Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send posts the flattened payload to the chat identified by address.
//
// Server-side errors and throttling are tagged transient so the backoff
// policy retries them; any other API rejection (bad chat id, revoked token)
// is fatal.
func (c *Client) Send(ctx context.Context, address string, payload map[string]string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.token)

	body, err := json.Marshal(sendMessageRequest{
		ChatID: address,
		Text:   delivery.FormatText(payload),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return delivery.Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return delivery.Transient(fmt.Errorf("telegram API error: %s", resp.Status))
	default:
		return delivery.Fatal(fmt.Errorf("telegram API error: %s", resp.Status))
	}
}
