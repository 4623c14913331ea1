package worker

import (
	"context"
	"fmt"
	"sync"
)

// Gate is a counting semaphore whose limit can change at runtime. Lowering
// the limit never interrupts holders; new acquisitions wait until the number
// of holders drops below the new limit.
type Gate struct {
	mu    sync.Mutex
	limit int
	inUse int
	wake  chan struct{}
}

// NewGate returns a gate admitting limit concurrent holders (minimum 1).
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{limit: limit, wake: make(chan struct{})}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.inUse < g.limit {
			g.inUse++
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire worker slot: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.broadcastLocked()
}

// Resize changes the limit (minimum 1).
func (g *Gate) Resize(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	g.broadcastLocked()
}

// Limit returns the current limit.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InUse returns the number of current holders.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

func (g *Gate) broadcastLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}
