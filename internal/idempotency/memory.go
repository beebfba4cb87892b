package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard keeps records in process memory. Records are lost on restart
// and not shared between replicas.
type MemoryGuard struct {
	mu      sync.Mutex
	window  time.Duration
	records map[string]time.Time
	now     func() time.Time
}

// NewMemory creates an in-process guard
func NewMemory(window time.Duration) *MemoryGuard {
	return &MemoryGuard{
		window:  window,
		records: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen reports whether key was marked less than window ago
func (g *MemoryGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiresAt, ok := g.records[key]
	if !ok {
		return false, nil
	}
	if !g.now().Before(expiresAt) {
		delete(g.records, key)
		return false, nil
	}
	return true, nil
}

// Mark records key unless an unexpired record already anchors its window
func (g *MemoryGuard) Mark(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiresAt, ok := g.records[key]; ok && now.Before(expiresAt) {
		return nil
	}
	g.records[key] = now.Add(g.window)
	return nil
}

// Sweep removes expired records
func (g *MemoryGuard) Sweep(_ context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for key, expiresAt := range g.records {
		if !now.Before(expiresAt) {
			delete(g.records, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of records held, expired or not
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
