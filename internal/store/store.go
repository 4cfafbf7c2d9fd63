// Package store holds the bridge's volatile state: the device registry, the
// pending-command set and the result table, behind one interface with
// memory, Redis and Postgres backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/todo-1m/taskbridge/internal/contracts"
)

var ErrNotFound = errors.New("not found")

type DeviceRegistry interface {
	// PutDevice overwrites any registration for the same user id.
	PutDevice(ctx context.Context, device contracts.Device) error
	GetDevice(ctx context.Context, userID string) (contracts.Device, error)
	ListDevices(ctx context.Context) ([]contracts.Device, error)
}

type PendingStore interface {
	AddPending(ctx context.Context, cmd contracts.PendingCommand) error
	// TakePending returns and removes every pending command for userID in one
	// atomic step, oldest first. Concurrent callers never receive the same
	// command.
	TakePending(ctx context.Context, userID string) ([]contracts.PendingCommand, error)
	CountPending(ctx context.Context) (int, error)
	// PrunePending drops records whose envelope expired before cutoff.
	PrunePending(ctx context.Context, cutoff time.Time) (int, error)
}

type ResultStore interface {
	// PutResult is last-write-wins per command id.
	PutResult(ctx context.Context, result contracts.CommandResult) error
	GetResult(ctx context.Context, commandID string) (contracts.CommandResult, error)
	CountResults(ctx context.Context) (int, error)
}

type Store interface {
	DeviceRegistry
	PendingStore
	ResultStore
	Ping(ctx context.Context) error
	Close() error
}
