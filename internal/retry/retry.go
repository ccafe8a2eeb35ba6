// Package retry decides whether a failed capture source can be brought
// back and drives the restart when it can.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// ErrRetryBudgetExceeded is wrapped by the FatalError returned once a
// source used up its restarts
var ErrRetryBudgetExceeded = errors.New("retry budget exceeded")

// Class is the recovery class of a capture error
type Class int

const (
	// Fatal errors end the session
	Fatal Class = iota
	// RecoverableSurface errors need the capture restarted
	RecoverableSurface
	// RecoverableDevice errors need the graphics device recreated as well
	RecoverableDevice
)

func (c Class) String() string {
	switch c {
	case RecoverableSurface:
		return "recoverable_surface"
	case RecoverableDevice:
		return "recoverable_device"
	default:
		return "fatal"
	}
}

// Recoverable reports whether a restart may help
func (c Class) Recoverable() bool {
	return c == RecoverableSurface || c == RecoverableDevice
}

// Classify maps a capture error to its recovery class. Unknown errors
// are fatal.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Fatal
	case errors.Is(err, gfx.ErrDeviceRemoved), errors.Is(err, gfx.ErrDeviceReset):
		return RecoverableDevice
	case errors.Is(err, capture.ErrAccessLost),
		errors.Is(err, capture.ErrModeChanged),
		errors.Is(err, capture.ErrSessionDisconnected),
		errors.Is(err, capture.ErrInvalidCall):
		return RecoverableSurface
	default:
		return Fatal
	}
}

// FatalError ends a session
type FatalError struct {
	// Source is the index of the source that failed, -1 if unknown
	Source int
	Class  Class
	Err    error
}

func (e *FatalError) Error() string {
	if e.Source < 0 {
		return fmt.Sprintf("fatal capture error: %v", e.Err)
	}
	return fmt.Sprintf("fatal capture error on source %d: %v", e.Source, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Failure describes one failed source handed to the controller
type Failure struct {
	Source int
	Err    error
	Class  Class
	// Budget is the permitted restart count, negative means unlimited
	Budget int
}

// Rebuilder is what the controller drives to bring capture back
type Rebuilder interface {
	StopCapture() error
	RecreateDevice(ctx context.Context) error
	RestartCapture(ctx context.Context) error
}

// Backoff doubles the delay on every attempt up to Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay for the next attempt
func (b *Backoff) Next() time.Duration {
	b.attempt++
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < b.attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Wait sleeps for the next delay or until ctx is done
func (b *Backoff) Wait(ctx context.Context) error {
	return sleep(ctx, b.Next())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reset starts the sequence over
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays were handed out since the last reset
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Controller tracks restarts per source
type Controller struct {
	mu      sync.Mutex
	backoff Backoff
	counts  map[int]int
	log     *zerolog.Logger
}

// NewController creates a controller with the configured backoff
func NewController(opts config.RetryOptions) *Controller {
	return &Controller{
		backoff: Backoff{Initial: opts.InitialDelay, Max: opts.MaxDelay},
		counts:  make(map[int]int),
		log:     logger.WithComponent("retry"),
	}
}

// NoteFrame resets the restart counts and the backoff once capture
// produces real updates again
func (c *Controller) NoteFrame(updateCount int) {
	if updateCount <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.counts) == 0 && c.backoff.Attempt() == 0 {
		return
	}
	c.counts = make(map[int]int)
	c.backoff.Reset()
}

// Count returns the restarts used by source since the last reset
func (c *Controller) Count(source int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[source]
}

// Recover restarts capture after f, or returns a *FatalError when f
// cannot be recovered. Other errors come from the rebuilder or ctx.
func (c *Controller) Recover(ctx context.Context, f Failure, r Rebuilder) error {
	if !f.Class.Recoverable() {
		return &FatalError{Source: f.Source, Class: f.Class, Err: f.Err}
	}

	c.mu.Lock()
	count := c.counts[f.Source]
	if f.Budget >= 0 && count >= f.Budget {
		c.mu.Unlock()
		c.log.Error().Int("source", f.Source).Int("budget", f.Budget).Err(f.Err).Msg("Retry budget exhausted")
		return &FatalError{
			Source: f.Source,
			Class:  Fatal,
			Err:    fmt.Errorf("%w after %d restarts: %w", ErrRetryBudgetExceeded, count, f.Err),
		}
	}
	if f.Budget > 0 {
		c.counts[f.Source] = count + 1
	}
	c.mu.Unlock()

	c.log.Warn().
		Int("source", f.Source).
		Str("class", f.Class.String()).
		Int("attempt", count+1).
		Err(f.Err).
		Msg("Restarting capture")

	if err := r.StopCapture(); err != nil {
		c.log.Warn().Err(err).Msg("Stopping capture before restart failed")
	}

	c.mu.Lock()
	delay := c.backoff.Next()
	c.mu.Unlock()
	if err := sleep(ctx, delay); err != nil {
		return err
	}

	if f.Class == RecoverableDevice {
		if err := r.RecreateDevice(ctx); err != nil {
			return fmt.Errorf("recreate device: %w", err)
		}
	}
	if err := r.RestartCapture(ctx); err != nil {
		return fmt.Errorf("restart capture: %w", err)
	}
	return nil
}
