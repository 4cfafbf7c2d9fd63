package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/todo-1m/taskbridge/internal/contracts"
)

type pendingEntry struct {
	seq uint64
	cmd contracts.PendingCommand
}

// Memory keeps everything in process maps guarded by one mutex.
type Memory struct {
	mu      sync.Mutex
	devices map[string]contracts.Device
	pending map[string]map[string]pendingEntry
	results map[string]contracts.CommandResult
	seq     uint64
}

func NewMemory() *Memory {
	return &Memory{
		devices: map[string]contracts.Device{},
		pending: map[string]map[string]pendingEntry{},
		results: map[string]contracts.CommandResult{},
	}
}

func (m *Memory) PutDevice(_ context.Context, device contracts.Device) error {
	m.mu.Lock()
	m.devices[device.UserID] = device
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDevice(_ context.Context, userID string) (contracts.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[userID]
	if !ok {
		return contracts.Device{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) ListDevices(_ context.Context) ([]contracts.Device, error) {
	m.mu.Lock()
	out := make([]contracts.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) AddPending(_ context.Context, cmd contracts.PendingCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.pending[cmd.UserID]
	if byID == nil {
		byID = map[string]pendingEntry{}
		m.pending[cmd.UserID] = byID
	}
	m.seq++
	byID[cmd.CommandID] = pendingEntry{seq: m.seq, cmd: cmd}
	return nil
}

func (m *Memory) TakePending(_ context.Context, userID string) ([]contracts.PendingCommand, error) {
	m.mu.Lock()
	byID := m.pending[userID]
	delete(m.pending, userID)
	m.mu.Unlock()

	entries := make([]pendingEntry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]contracts.PendingCommand, len(entries))
	for i, e := range entries {
		out[i] = e.cmd
	}
	return out, nil
}

func (m *Memory) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byID := range m.pending {
		n += len(byID)
	}
	return n, nil
}

func (m *Memory) PrunePending(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for userID, byID := range m.pending {
		for id, e := range byID {
			if e.cmd.ExpiresAt.Before(cutoff) {
				delete(byID, id)
				pruned++
			}
		}
		if len(byID) == 0 {
			delete(m.pending, userID)
		}
	}
	return pruned, nil
}

func (m *Memory) PutResult(_ context.Context, result contracts.CommandResult) error {
	m.mu.Lock()
	m.results[result.CommandID] = result
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetResult(_ context.Context, commandID string) (contracts.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[commandID]
	if !ok {
		return contracts.CommandResult{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) CountResults(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results), nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
