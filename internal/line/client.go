// Package line talks to a LINE-style bot messaging API: push, broadcast and
// reply message endpoints outbound, plus signature verification for the
// inbound webhook.
//
// Only the fields the gateway needs are modeled; the channel's full wire
// format is out of scope.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "gaswatch/pkg/logx"
)

const defaultBaseURL = "https://api.line.me/v2/bot/message"

type Config struct {
	BaseURL       string
	ChannelToken  string
	ChannelSecret string
	Timeout       time.Duration
}

// Client is a thin HTTP client for the outbound message endpoints.
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// ChannelSecret exposes the webhook signing secret for inbound verification.
func (c *Client) ChannelSecret() string { return c.cfg.ChannelSecret }

// Push sends text to a single recipient.
func (c *Client) Push(ctx context.Context, to, text string) error {
	return c.post(ctx, "/push", pushPayload{To: to, Messages: textMessages(text)})
}

// Broadcast sends text to every recipient of the channel.
func (c *Client) Broadcast(ctx context.Context, text string) error {
	return c.post(ctx, "/broadcast", broadcastPayload{Messages: textMessages(text)})
}

// Reply answers an inbound event using its reply token. The channel accepts a
// token once and only within its validity window.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	return c.post(ctx, "/reply", replyPayload{ReplyToken: replyToken, Messages: textMessages(text)})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChannelToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("channel API %s returned HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	c.log.Debug("message delivered", logx.String("endpoint", path))
	return nil
}
