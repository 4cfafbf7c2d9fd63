package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/todo-1m/taskbridge/internal/contracts"
)

func pendingThen(after int32, result contracts.CommandResult, hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n <= after {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Result not available yet", "status": "pending"})
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}

func newTestClient(url string) *Client {
	c := New(url, "")
	c.PollInterval = time.Millisecond
	return c
}

func TestWaitForResult_EventuallyReturns(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(pendingThen(3, contracts.CommandResult{
		CommandID: "C1",
		Success:   true,
		Result:    json.RawMessage(`{"id":"t1","title":"Buy milk"}`),
	}, &hits))
	defer srv.Close()

	got, err := newTestClient(srv.URL).WaitForResult(context.Background(), "C1")
	if err != nil {
		t.Fatalf("WaitForResult error: %v", err)
	}
	if string(got.Result) != `{"id":"t1","title":"Buy milk"}` {
		t.Fatalf("unexpected result: %s", got.Result)
	}
	if hits.Load() != 4 {
		t.Fatalf("expected 4 requests, got %d", hits.Load())
	}
}

func TestWaitForResult_TimeoutIsNotFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(pendingThen(1000, contracts.CommandResult{}, &hits))
	defer srv.Close()

	_, err := newTestClient(srv.URL).WaitForResult(context.Background(), "C1")
	if !errors.Is(err, ErrResultTimeout) {
		t.Fatalf("expected ErrResultTimeout, got %v", err)
	}
	var failed *CommandFailedError
	if errors.As(err, &failed) {
		t.Fatal("timeout must not look like a command failure")
	}
	if hits.Load() != DefaultPollAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultPollAttempts, hits.Load())
	}
}

func TestWaitForResult_DeviceFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(pendingThen(0, contracts.CommandResult{CommandID: "C1", Error: "task not found: t9"}, &hits))
	defer srv.Close()

	_, err := newTestClient(srv.URL).WaitForResult(context.Background(), "C1")
	var failed *CommandFailedError
	if !errors.As(err, &failed) || failed.Message != "task not found: t9" {
		t.Fatalf("expected CommandFailedError, got %v", err)
	}
	if errors.Is(err, ErrResultTimeout) {
		t.Fatal("failure must not look like a timeout")
	}
}

func TestWaitForResult_ContextCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(pendingThen(1000, contracts.CommandResult{}, &hits))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.PollInterval = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.WaitForResult(ctx, "C1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatch_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing bearer token"}`))
			return
		}
		var req contracts.DispatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.UserID {
		case "ghost":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"No registered device","hint":"register first"}`))
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid request: invalid operation: nope"}`))
		default:
			_ = json.NewEncoder(w).Encode(contracts.DispatchResponse{OK: true, CommandID: "C1", DeliveryMethod: contracts.DeliveryPolling})
		}
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "").Dispatch(context.Background(), "U1", contracts.KindListLists, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	c := New(srv.URL, "secret")
	_, err := c.Dispatch(context.Background(), "ghost", contracts.KindListLists, nil)
	var apiErr *APIError
	if !errors.Is(err, ErrNotRegistered) || !errors.As(err, &apiErr) || apiErr.Hint != "register first" {
		t.Fatalf("expected ErrNotRegistered with hint, got %v", err)
	}
	if _, err := c.Dispatch(context.Background(), "bad", "nope", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	resp, err := c.Dispatch(context.Background(), "U1", contracts.KindListLists, nil)
	if err != nil || resp.CommandID != "C1" {
		t.Fatalf("unexpected dispatch: %+v %v", resp, err)
	}
}
