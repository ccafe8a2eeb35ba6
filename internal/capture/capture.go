package capture

import (
	"errors"
	"image"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

var (
	// ErrWaitTimeout means no new data arrived within the timeout. It is
	// the normal answer when polled faster than the source refreshes.
	ErrWaitTimeout = errors.New("capture: wait timeout")

	// ErrAccessLost means the host revoked access to the captured surface,
	// e.g. on a desktop switch or screen lock
	ErrAccessLost = errors.New("capture: access lost")
	// ErrModeChanged means the captured output changed resolution or rotation
	ErrModeChanged = errors.New("capture: output mode changed")
	// ErrSessionDisconnected means the display server connection went away
	ErrSessionDisconnected = errors.New("capture: session disconnected")

	// ErrSourceUnavailable means the captured target no longer exists
	ErrSourceUnavailable = errors.New("capture: source unavailable")
	// ErrUnsupported means the host lacks a capability the source needs
	ErrUnsupported = errors.New("capture: unsupported")
	// ErrInvalidCall means a frame was acquired while the previous one was still held
	ErrInvalidCall = errors.New("capture: frame still held")
	// ErrNotStarted is returned when a source is used before StartCapture
	ErrNotStarted = errors.New("capture: not started")
)

// Source is one capture backend. A source is driven by a single worker
// goroutine and does not need to be safe for concurrent use, except for
// Invalidate.
type Source interface {
	// Name returns a human-readable name for this source
	Name() string

	// Initialize binds the source to the graphics device it allocates from
	Initialize(device *gfx.Device) error

	// StartCapture opens the underlying capture primitive
	StartCapture(src config.RecordingSource) error

	// NativeSize returns the size of the frames the source produces,
	// before any crop or resize
	NativeSize() (image.Point, error)

	// AcquireNextFrame returns the next raw frame. The caller owns the
	// returned surface and must Release the frame.
	AcquireNextFrame(timeout time.Duration) (*CapturedFrame, error)

	// WriteNextFrame acquires the next frame and draws it into dest of
	// dst, honouring the source's anchor, stretch and crop settings. The
	// returned frame lists the rectangles of dst that were touched.
	WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (*CapturedFrame, error)

	// Invalidate makes the next WriteNextFrame repaint the whole destination
	Invalidate()

	// StopCapture releases the capture primitive
	StopCapture() error
}

// CapturedFrame is the result of one acquisition
type CapturedFrame struct {
	// Surface is set by AcquireNextFrame and owned by the receiver
	Surface *gfx.Surface
	// Pointer is the cursor state at acquisition, if the source tracks it
	Pointer *PointerInfo
	// UpdateCount is the number of regions the backend reported as
	// changed. Zero means the frame repeats the previous one.
	UpdateCount int
	// Regions are the rectangles of the destination surface that
	// WriteNextFrame wrote to
	Regions []image.Rectangle
	// FullRefresh is set when the whole destination was repainted
	FullRefresh bool
	Timestamp   time.Time
}

// Release frees the frame surface. Safe to call on nil frames.
func (f *CapturedFrame) Release() {
	if f == nil {
		return
	}
	f.Surface.Release()
	f.Surface = nil
}

// PointerInfo is a snapshot of the mouse cursor
type PointerInfo struct {
	Position image.Point
	Visible  bool
	// Shape is the cursor image, nil if unchanged or unknown
	Shape   *image.RGBA
	Hotspot image.Point
	// Buttons is a bitmask, see ButtonLeft and ButtonRight
	Buttons   uint8
	Timestamp time.Time
}

const (
	ButtonLeft  uint8 = 1 << 0
	ButtonRight uint8 = 1 << 1
)

// Clone returns a copy sharing the immutable shape image
func (p *PointerInfo) Clone() *PointerInfo {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
