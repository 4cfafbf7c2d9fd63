package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/todo-1m/taskbridge/internal/contracts"
)

var base = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func pending(id, user string, expires time.Time) contracts.PendingCommand {
	return contracts.PendingCommand{CommandID: id, UserID: user, Envelope: "tok-" + id, IssuedAt: expires.Add(-time.Minute), ExpiresAt: expires}
}

// runBackendSuite checks the behaviour every backend shares. newStore must
// return an empty store.
func runBackendSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DeviceOverwrite", func(t *testing.T) { testDeviceOverwrite(t, newStore(t)) })
	t.Run("TakePendingReadAndRemove", func(t *testing.T) { testTakePendingReadAndRemove(t, newStore(t)) })
	t.Run("ConcurrentTakeHandsEachCommandOnce", func(t *testing.T) { testConcurrentTake(t, newStore(t)) })
	t.Run("PrunePending", func(t *testing.T) { testPrunePending(t, newStore(t)) })
	t.Run("ResultsLastWriteWins", func(t *testing.T) { testResultsLastWriteWins(t, newStore(t)) })
}

func testDeviceOverwrite(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetDevice(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutDevice(ctx, contracts.Device{UserID: "u1", PushAddress: "a", RegisteredAt: base}); err != nil {
		t.Fatalf("PutDevice error: %v", err)
	}
	if err := s.PutDevice(ctx, contracts.Device{UserID: "u1", PushAddress: "b", RegisteredAt: base.Add(time.Second)}); err != nil {
		t.Fatalf("PutDevice error: %v", err)
	}

	got, err := s.GetDevice(ctx, "u1")
	if err != nil {
		t.Fatalf("GetDevice error: %v", err)
	}
	if got.PushAddress != "b" || !got.RegisteredAt.Equal(base.Add(time.Second)) {
		t.Fatalf("expected re-registration to overwrite, got %+v", got)
	}
	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one registration, got %d", len(devices))
	}
}

func testTakePendingReadAndRemove(t *testing.T, s Store) {
	ctx := context.Background()
	for _, cmd := range []contracts.PendingCommand{pending("c1", "u1", base), pending("c2", "u2", base), pending("c3", "u1", base)} {
		if err := s.AddPending(ctx, cmd); err != nil {
			t.Fatalf("AddPending error: %v", err)
		}
	}

	got, err := s.TakePending(ctx, "u1")
	if err != nil {
		t.Fatalf("TakePending error: %v", err)
	}
	ids := []string{}
	for _, c := range got {
		ids = append(ids, c.CommandID)
	}
	if diff := cmp.Diff([]string{"c1", "c3"}, ids); diff != "" {
		t.Fatalf("unexpected ids (-want +got):\n%s", diff)
	}
	if got[0].Envelope != "tok-c1" || !got[0].ExpiresAt.Equal(base) {
		t.Fatalf("record not returned intact: %+v", got[0])
	}

	again, err := s.TakePending(ctx, "u1")
	if err != nil {
		t.Fatalf("TakePending error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected second take to be empty, got %+v", again)
	}
	if n, _ := s.CountPending(ctx); n != 1 {
		t.Fatalf("expected other user's command to remain, count=%d", n)
	}
}

func testConcurrentTake(t *testing.T, s Store) {
	ctx := context.Background()
	const total = 200
	for i := 0; i < total; i++ {
		if err := s.AddPending(ctx, pending(fmt.Sprintf("c%03d", i), "u1", base)); err != nil {
			t.Fatalf("AddPending error: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmds, err := s.TakePending(ctx, "u1")
			if err != nil {
				t.Errorf("TakePending error: %v", err)
				return
			}
			mu.Lock()
			for _, c := range cmds {
				seen[c.CommandID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct commands, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("command %s returned %d times", id, n)
		}
	}
}

func testPrunePending(t *testing.T, s Store) {
	ctx := context.Background()
	_ = s.AddPending(ctx, pending("old", "u1", base))
	_ = s.AddPending(ctx, pending("live", "u1", base.Add(time.Hour)))

	n, err := s.PrunePending(ctx, base.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned, got %d err=%v", n, err)
	}
	left, _ := s.TakePending(ctx, "u1")
	if len(left) != 1 || left[0].CommandID != "live" {
		t.Fatalf("unexpected remaining commands: %+v", left)
	}
}

func testResultsLastWriteWins(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetResult(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutResult(ctx, contracts.CommandResult{CommandID: "c1", Success: false, Error: "boom", Timestamp: 1}); err != nil {
		t.Fatalf("PutResult error: %v", err)
	}
	if err := s.PutResult(ctx, contracts.CommandResult{CommandID: "c1", Success: true, Result: []byte(`{"ok":true}`), Timestamp: 2}); err != nil {
		t.Fatalf("PutResult error: %v", err)
	}

	got, err := s.GetResult(ctx, "c1")
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if !got.Success || got.Error != "" || got.Timestamp != 2 {
		t.Fatalf("expected second report to win, got %+v", got)
	}
	if n, _ := s.CountResults(ctx); n != 1 {
		t.Fatalf("expected one result, got %d", n)
	}
}
