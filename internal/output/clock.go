package output

import (
	"sync"
	"time"
)

// MediaClock measures recorded time. Time spent paused does not count.
type MediaClock struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	elapsed time.Duration
	running bool
}

// NewMediaClock creates a stopped clock. A nil now uses time.Now.
func NewMediaClock(now func() time.Time) *MediaClock {
	if now == nil {
		now = time.Now
	}
	return &MediaClock{now: now}
}

// StartMediaClock resets the clock to zero and starts it
func (c *MediaClock) StartMediaClock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed = 0
	c.started = c.now()
	c.running = true
}

// MediaTimestamp returns the recorded time so far
func (c *MediaClock) MediaTimestamp() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return c.elapsed
	}
	return c.elapsed + c.now().Sub(c.started)
}

// PauseMediaClock stops the clock. Pausing a paused clock is a no-op.
func (c *MediaClock) PauseMediaClock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.elapsed += c.now().Sub(c.started)
	c.running = false
}

// ResumeMediaClock continues a paused clock
func (c *MediaClock) ResumeMediaClock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.started = c.now()
	c.running = true
}

// IsMediaClockRunning reports whether the clock advances
func (c *MediaClock) IsMediaClockRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
