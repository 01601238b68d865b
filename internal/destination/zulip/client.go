// Package zulip sends stream messages through the Zulip REST API.
package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"campbridge/internal/destination"
)

// Config identifies the bot account and the target stream.
type Config struct {
	Site   string
	Email  string
	APIKey string
	Stream string
}

// Client implements destination.Sender.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg.Site = strings.TrimRight(cfg.Site, "/")
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Stream is the destination identifier messages are addressed to.
func (c *Client) Stream() string { return c.cfg.Stream }

type sendResponse struct {
	Result string          `json:"result"`
	Msg    string          `json:"msg"`
	ID     json.RawMessage `json:"id"`
}

func (c *Client) Send(ctx context.Context, msg destination.OutboundMessage) (destination.Result, error) {
	to := msg.To
	if to == "" {
		to = c.cfg.Stream
	}
	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", to)
	form.Set("topic", msg.Topic)
	form.Set("content", msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Site+"/api/v1/messages", strings.NewReader(form.Encode()))
	if err != nil {
		return destination.Result{}, err
	}
	req.SetBasicAuth(c.cfg.Email, c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return destination.Result{}, fmt.Errorf("zulip send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return destination.Result{}, fmt.Errorf("zulip send: read body: %w", err)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		// Gateways in front of Zulip answer with HTML on outages.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return destination.Result{}, fmt.Errorf("zulip send: HTTP %d", resp.StatusCode)
		}
		return destination.Result{OK: false, Msg: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body))}, nil
	}
	if sr.Result != "success" {
		m := sr.Msg
		if m == "" {
			m = fmt.Sprintf("HTTP %d: result %q", resp.StatusCode, sr.Result)
		}
		return destination.Result{OK: false, Msg: m}, nil
	}
	return destination.Result{OK: true, ID: idString(sr.ID)}, nil
}

func idString(raw json.RawMessage) string {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
