package device

import (
	"sync"
	"time"
)

// ReplayGuard remembers executed command ids until their envelope expires.
type ReplayGuard struct {
	Now func() time.Time

	mu   sync.Mutex
	seen map[string]int64
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		Now:  func() time.Time { return time.Now().UTC() },
		seen: map[string]int64{},
	}
}

// Admit records id and reports whether it was not already recorded.
// Entries past their expiry are dropped on each call.
func (g *ReplayGuard) Admit(id string, expiresAt int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.Now().Unix()
	for k, exp := range g.seen {
		if exp < now {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[id]; ok {
		return false
	}
	g.seen[id] = expiresAt
	return true
}

func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
