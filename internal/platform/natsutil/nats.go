package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/taskbridge/internal/contracts"
	"github.com/todo-1m/taskbridge/internal/messaging"
	"github.com/todo-1m/taskbridge/internal/sharding"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string, streamTTL time.Duration) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js, streamTTL); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(url string, streamTTL, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url, streamTTL)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// Ready reports whether the connection is usable.
func (c *Client) Ready() error {
	if c == nil || c.Conn == nil {
		return errors.New("nats connection is nil")
	}
	if c.Conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", c.Conn.Status().String())
	}
	return nil
}

// PushPublisher delivers push payloads on the address's push subject. A
// successful publish only means JetStream stored the message.
type PushPublisher struct {
	JS nats.JetStreamContext
}

func (p PushPublisher) Push(ctx context.Context, address string, payload contracts.PushPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = p.JS.Publish(sharding.PushSubject(address), data, nats.Context(ctx))
	return err
}

// SubscribePush delivers every push payload addressed to address to fn. It
// uses a core subscription, so only messages published while subscribed
// arrive.
func SubscribePush(conn *nats.Conn, address string, fn func(contracts.PushPayload)) (*nats.Subscription, error) {
	return conn.Subscribe(sharding.PushSubject(address), func(msg *nats.Msg) {
		var payload contracts.PushPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Envelope == "" {
			return
		}
		fn(payload)
	})
}
