package processing

import (
	"sync"
	"time"
)

// Corners accumulates checkerboard detections between the processing
// thread, which adds to it, and the dispatcher, which clears and reads it.
type Corners struct {
	mu     sync.RWMutex
	boards [][][2]float64
}

// NewCorners returns an empty collection.
func NewCorners() *Corners {
	return &Corners{}
}

// Add appends one board and returns the new count.
func (c *Corners) Add(board [][2]float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards = append(c.boards, board)
	return len(c.boards)
}

// Clear removes every board.
func (c *Corners) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards = nil
}

// Len returns the number of collected boards.
func (c *Corners) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.boards)
}

// Snapshot returns a copy of the collected boards.
func (c *Corners) Snapshot() [][][2]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][][2]float64, len(c.boards))
	copy(out, c.boards)
	return out
}

// InitialCooldown is the minimum spacing between corner searches.
const InitialCooldown = 500 * time.Millisecond

// cooldown grows to the duration of the slowest search so far, so a slow
// corner finder cannot build a backlog.
type cooldown struct {
	interval time.Duration
	last     time.Time
}

func newCooldown() *cooldown {
	return &cooldown{interval: InitialCooldown}
}

func (c *cooldown) ready(now time.Time) bool {
	return now.Sub(c.last) > c.interval
}

func (c *cooldown) done(work time.Duration, now time.Time) {
	if work > c.interval {
		c.interval = work + 5*time.Millisecond
	}
	c.last = now
}
