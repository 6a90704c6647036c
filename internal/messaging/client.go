package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crm-automation/internal/config"
)

// Client talks to the messaging platform's send API. It is the outbound half
// of the send_message action; inbound traffic arrives through the webhook.
type Client struct {
	apiURL string
	token  string
	http   *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		apiURL: cfg.MessagingAPIURL,
		token:  cfg.MessagingToken,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

type outboundText struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

// StatusError carries the HTTP status of a rejected send so callers can tell
// client errors from server errors.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("messaging API returned %d: %s", e.StatusCode, e.Body)
}

// SendText delivers a plain text message to the given JID.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if c.apiURL == "" {
		return fmt.Errorf("messaging API URL is not configured")
	}

	msg := outboundText{To: to, Type: "text"}
	msg.Text.Body = body
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}
