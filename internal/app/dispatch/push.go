package dispatch

import (
	"context"
	"errors"

	"github.com/todo-1m/taskbridge/internal/contracts"
)

var ErrPushDisabled = errors.New("push channel not configured")

// PushChannel fires a payload at a push address. A nil error means the
// channel accepted the payload, not that the device received it.
type PushChannel interface {
	Push(ctx context.Context, address string, payload contracts.PushPayload) error
}

// DeliveryAttempt is the outcome of one push attempt. Both outcomes leave the
// command pollable.
type DeliveryAttempt int

const (
	DeliveredProbably DeliveryAttempt = iota
	DeliveryFailed
)

func (a DeliveryAttempt) Method() contracts.DeliveryMethod {
	if a == DeliveredProbably {
		return contracts.DeliveryPush
	}
	return contracts.DeliveryPolling
}

// NoopPush is used when no push transport is configured.
type NoopPush struct{}

func (NoopPush) Push(context.Context, string, contracts.PushPayload) error {
	return ErrPushDisabled
}

// PushFunc adapts a plain function to PushChannel.
type PushFunc func(ctx context.Context, address string, payload contracts.PushPayload) error

func (f PushFunc) Push(ctx context.Context, address string, payload contracts.PushPayload) error {
	return f(ctx, address, payload)
}
