// Package toolclient is the caller side of the bridge: it dispatches a
// command and waits a bounded time for the device's result.
package toolclient

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
	"time"

	"github.com/todo-1m/taskbridge/internal/contracts"
)

const (
	DefaultPollInterval = time.Second
	DefaultPollAttempts = 15
)

var (
	// ErrResultTimeout means the wait gave up. The device may still report.
	ErrResultTimeout  = errors.New("timed out waiting for device result")
	ErrNotReady       = errors.New("result not available yet")
	ErrNotRegistered  = errors.New("no registered device")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("unauthorized")
)

// CommandFailedError is a terminal failure reported by the device.
type CommandFailedError struct {
	CommandID string
	Message   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.CommandID, e.Message)
}

// APIError carries the bridge's error body for non-2xx responses.
type APIError struct {
	Status  int
	Message string
	Hint    string
	kind    error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("bridge returned %d: %s", e.Status, e.Message)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.kind }

type Client struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	PollInterval time.Duration
	PollAttempts int
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		PollInterval: DefaultPollInterval,
		PollAttempts: DefaultPollAttempts,
	}
}

func (c *Client) Dispatch(ctx context.Context, userID string, op contracts.Kind, args json.RawMessage) (contracts.DispatchResponse, error) {
	var resp contracts.DispatchResponse
	err := c.do(ctx, http.MethodPost, "/tool/tasks", contracts.DispatchRequest{UserID: userID, Op: op, Args: args}, &resp)
	return resp, err
}

// GetResult returns ErrNotReady while the device has not reported.
func (c *Client) GetResult(ctx context.Context, commandID string) (contracts.CommandResult, error) {
	var result contracts.CommandResult
	err := c.do(ctx, http.MethodGet, "/tool/result/"+url.PathEscape(commandID), nil, &result)
	return result, err
}

// WaitForResult polls GetResult every PollInterval, at most PollAttempts
// times. A failure result is returned as *CommandFailedError; exhaustion is
// ErrResultTimeout.
func (c *Client) WaitForResult(ctx context.Context, commandID string) (contracts.CommandResult, error) {
	attempts := c.PollAttempts
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return contracts.CommandResult{}, ctx.Err()
			case <-time.After(interval):
			}
		}
		result, err := c.GetResult(ctx, commandID)
		if errors.Is(err, ErrNotReady) {
			continue
		}
		if err != nil {
			return contracts.CommandResult{}, err
		}
		if !result.Success {
			return result, &CommandFailedError{CommandID: commandID, Message: result.Error}
		}
		return result, nil
	}
	return contracts.CommandResult{}, fmt.Errorf("%w: %s after %d attempts", ErrResultTimeout, commandID, attempts)
}

// Call dispatches and waits. The dispatch response is returned even when the
// wait fails so callers can report the command id.
func (c *Client) Call(ctx context.Context, userID string, op contracts.Kind, args json.RawMessage) (contracts.DispatchResponse, contracts.CommandResult, error) {
	dispatched, err := c.Dispatch(ctx, userID, op, args)
	if err != nil {
		return contracts.DispatchResponse{}, contracts.CommandResult{}, err
	}
	result, err := c.WaitForResult(ctx, dispatched.CommandID)
	return dispatched, result, err
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
	if key := strings.TrimSpace(c.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
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

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out != nil && len(raw) > 0 {
			return json.Unmarshal(raw, out)
		}
		return nil
	}
	return decodeAPIError(resp.StatusCode, raw)
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error  string `json:"error"`
		Hint   string `json:"hint"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(raw, &body)
	apiErr := &APIError{Status: status, Message: body.Error, Hint: body.Hint}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	switch {
	case status == http.StatusNotFound && body.Status == "pending":
		apiErr.kind = ErrNotReady
	case status == http.StatusNotFound && body.Hint != "":
		apiErr.kind = ErrNotRegistered
	case status == http.StatusBadRequest:
		apiErr.kind = ErrInvalidRequest
	case status == http.StatusUnauthorized:
		apiErr.kind = ErrUnauthorized
	}
	return apiErr
}
