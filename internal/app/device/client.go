package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/todo-1m/taskbridge/internal/contracts"
)

// Client talks to the bridge's device-facing endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Register(ctx context.Context, userID, pushAddress string) error {
	return c.do(ctx, http.MethodPost, "/device/register", contracts.RegisterRequest{UserID: userID, PushAddress: pushAddress}, nil)
}

func (c *Client) Poll(ctx context.Context, userID string) ([]contracts.PolledCommand, error) {
	var resp contracts.PollResponse
	if err := c.do(ctx, http.MethodGet, "/device/commands/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

func (c *Client) ReportResult(ctx context.Context, req contracts.ReportRequest) error {
	return c.do(ctx, http.MethodPost, "/device/result", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status=%d body=%s", method, path, resp.StatusCode, truncate(string(raw), 240))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
