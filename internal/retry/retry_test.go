package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

type fakeRebuilder struct {
	calls      []string
	restartErr error
}

func (f *fakeRebuilder) StopCapture() error {
	f.calls = append(f.calls, "stop")
	return nil
}

func (f *fakeRebuilder) RecreateDevice(context.Context) error {
	f.calls = append(f.calls, "device")
	return nil
}

func (f *fakeRebuilder) RestartCapture(context.Context) error {
	f.calls = append(f.calls, "restart")
	return f.restartErr
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Fatal},
		{"unknown", errors.New("boom"), Fatal},
		{"source gone", capture.ErrSourceUnavailable, Fatal},
		{"access lost", capture.ErrAccessLost, RecoverableSurface},
		{"wrapped mode change", fmt.Errorf("acquire: %w", capture.ErrModeChanged), RecoverableSurface},
		{"disconnected", capture.ErrSessionDisconnected, RecoverableSurface},
		{"device removed", fmt.Errorf("%w: driver update", gfx.ErrDeviceRemoved), RecoverableDevice},
		{"device reset", gfx.ErrDeviceReset, RecoverableDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 500 * time.Millisecond}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Errorf("attempt %d = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("after Reset() = %v", got)
	}
}

func TestBackoffWaitCancelled(t *testing.T) {
	b := Backoff{Initial: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestRecoverFatal(t *testing.T) {
	c := NewController(config.RetryOptions{})
	r := &fakeRebuilder{}
	err := c.Recover(context.Background(), Failure{Source: 2, Err: capture.ErrSourceUnavailable, Class: Fatal, Budget: 3}, r)

	var fe *FatalError
	if !errors.As(err, &fe) || fe.Source != 2 {
		t.Fatalf("Recover() error = %v, want *FatalError for source 2", err)
	}
	if len(r.calls) != 0 {
		t.Errorf("fatal failure touched the rebuilder: %v", r.calls)
	}
}

func TestRecoverSequence(t *testing.T) {
	tests := []struct {
		name  string
		class Class
		want  []string
	}{
		{"surface", RecoverableSurface, []string{"stop", "restart"}},
		{"device", RecoverableDevice, []string{"stop", "device", "restart"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(config.RetryOptions{})
			r := &fakeRebuilder{}
			if err := c.Recover(context.Background(), Failure{Err: errors.New("x"), Class: tt.class, Budget: 1}, r); err != nil {
				t.Fatalf("Recover() error = %v", err)
			}
			if fmt.Sprint(r.calls) != fmt.Sprint(tt.want) {
				t.Errorf("calls = %v, want %v", r.calls, tt.want)
			}
		})
	}
}

func TestRecoverBudget(t *testing.T) {
	ctx := context.Background()
	c := NewController(config.RetryOptions{})
	r := &fakeRebuilder{}
	f := Failure{Source: 0, Err: capture.ErrAccessLost, Class: RecoverableSurface, Budget: 2}

	for i := 0; i < 2; i++ {
		if err := c.Recover(ctx, f, r); err != nil {
			t.Fatalf("restart %d: %v", i+1, err)
		}
	}
	if got := c.Count(0); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	err := c.Recover(ctx, f, r)
	var fe *FatalError
	if !errors.As(err, &fe) || !errors.Is(err, ErrRetryBudgetExceeded) {
		t.Fatalf("Recover() past budget = %v, want a fatal budget error", err)
	}
	if !errors.Is(err, capture.ErrAccessLost) {
		t.Errorf("budget error lost the cause: %v", err)
	}

	// a real frame resets the count
	c.NoteFrame(0)
	if c.Count(0) != 2 {
		t.Error("NoteFrame(0) must not reset")
	}
	c.NoteFrame(3)
	if c.Count(0) != 0 {
		t.Errorf("Count() after NoteFrame = %d, want 0", c.Count(0))
	}
	if err := c.Recover(ctx, f, r); err != nil {
		t.Errorf("Recover() after reset = %v", err)
	}
}

func TestRecoverBudgetEdges(t *testing.T) {
	ctx := context.Background()

	t.Run("zero budget is fatal at once", func(t *testing.T) {
		c := NewController(config.RetryOptions{})
		r := &fakeRebuilder{}
		err := c.Recover(ctx, Failure{Err: capture.ErrAccessLost, Class: RecoverableSurface, Budget: 0}, r)
		if !errors.Is(err, ErrRetryBudgetExceeded) {
			t.Errorf("Recover() = %v", err)
		}
		if len(r.calls) != 0 {
			t.Errorf("calls = %v", r.calls)
		}
	})

	t.Run("negative budget is unlimited", func(t *testing.T) {
		c := NewController(config.RetryOptions{})
		r := &fakeRebuilder{}
		for i := 0; i < 20; i++ {
			if err := c.Recover(ctx, Failure{Err: capture.ErrAccessLost, Class: RecoverableSurface, Budget: -1}, r); err != nil {
				t.Fatalf("restart %d: %v", i, err)
			}
		}
	})

	t.Run("budgets are per source", func(t *testing.T) {
		c := NewController(config.RetryOptions{})
		r := &fakeRebuilder{}
		if err := c.Recover(ctx, Failure{Source: 0, Err: capture.ErrAccessLost, Class: RecoverableSurface, Budget: 1}, r); err != nil {
			t.Fatal(err)
		}
		if err := c.Recover(ctx, Failure{Source: 1, Err: capture.ErrAccessLost, Class: RecoverableSurface, Budget: 1}, r); err != nil {
			t.Errorf("source 1 was charged for source 0: %v", err)
		}
	})
}

func TestRecoverRestartFailure(t *testing.T) {
	c := NewController(config.RetryOptions{})
	r := &fakeRebuilder{restartErr: capture.ErrSourceUnavailable}
	err := c.Recover(context.Background(), Failure{Err: capture.ErrModeChanged, Class: RecoverableSurface, Budget: 3}, r)
	if !errors.Is(err, capture.ErrSourceUnavailable) {
		t.Fatalf("Recover() = %v", err)
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		t.Error("a failed restart is reported to the caller, not promoted to fatal")
	}
	if c.Count(0) != 1 {
		t.Errorf("failed restart must still count, got %d", c.Count(0))
	}
}
