package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/display"
)

const (
	// x11PollInterval is how often the root window is re-read while waiting
	// for a change
	x11PollInterval = 16 * time.Millisecond
	// x11ModeCheckInterval bounds how stale the output geometry may get
	x11ModeCheckInterval = time.Second
)

// x11Duplicator mirrors one RandR output by reading the root window and
// diffing consecutive frames in tiles. The X server delivers pixels already
// rotated, so frames are reported in output space.
type x11Duplicator struct {
	x      *x11Conn
	output display.Output
	cursor bool

	prev      *image.RGBA
	lastPtr   image.Point
	held      bool
	lastCheck time.Time
}

// OpenX11Duplicator connects to the X server and selects the output named
// by src.Device
func OpenX11Duplicator(src config.RecordingSource) (Duplicator, error) {
	x, err := dialX11()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	out, err := x.findOutput(src.Device)
	if err != nil {
		x.Close()
		return nil, err
	}
	return &x11Duplicator{
		x:         x,
		output:    out,
		cursor:    src.IsCursorCaptureEnabled(),
		lastCheck: time.Now(),
	}, nil
}

func (c *x11Conn) outputs() ([]display.Output, error) {
	if !c.randr {
		return []display.Output{display.ScreenOutput(c.screen)}, nil
	}
	outs, err := display.ListOutputs(c.conn, c.root)
	if err != nil {
		return nil, mapX11Error(err)
	}
	if len(outs) == 0 {
		return []display.Output{display.ScreenOutput(c.screen)}, nil
	}
	return outs, nil
}

func (c *x11Conn) findOutput(name string) (display.Output, error) {
	outs, err := c.outputs()
	if err != nil {
		return display.Output{}, err
	}
	out, err := display.FindOutput(outs, name)
	if err != nil {
		return display.Output{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return out, nil
}

// Output describes the mirrored output
func (d *x11Duplicator) Output() OutputDesc {
	return OutputDesc{
		Name:      d.output.Name,
		Bounds:    d.output.Bounds,
		FrameSize: d.output.Bounds.Size(),
	}
}

// checkMode reports ErrModeChanged when the output was resized or moved
func (d *x11Duplicator) checkMode() error {
	if time.Since(d.lastCheck) < x11ModeCheckInterval {
		return nil
	}
	d.lastCheck = time.Now()
	out, err := d.x.findOutput(d.output.Name)
	if err != nil {
		return fmt.Errorf("%w: output %s gone", ErrModeChanged, d.output.Name)
	}
	if out.Bounds != d.output.Bounds {
		return fmt.Errorf("%w: %s is now %v", ErrModeChanged, out.Name, out.Bounds)
	}
	return nil
}

// AcquireFrame polls the output until its content or the pointer changes
func (d *x11Duplicator) AcquireFrame(timeout time.Duration) (*OSFrame, error) {
	if d.held {
		return nil, ErrInvalidCall
	}
	d.x.mu.Lock()
	defer d.x.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if err := d.checkMode(); err != nil {
			return nil, err
		}

		img, err := d.x.getImage(xproto.Drawable(d.x.root), d.output.Bounds)
		if err != nil {
			return nil, err
		}
		dirty := DetectDirtyTiles(d.prev, img, DefaultTileSize)

		var ptr *PointerInfo
		if d.cursor {
			if ptr, err = d.x.pointer(d.output.Bounds.Min); err != nil {
				return nil, err
			}
		}
		moved := ptr != nil && (ptr.Position != d.lastPtr || ptr.Shape != nil)

		if len(dirty) > 0 || moved {
			if ptr != nil {
				d.lastPtr = ptr.Position
			}
			d.prev = img
			d.held = true
			return &OSFrame{
				Image:     img,
				Dirty:     dirty,
				Pointer:   ptr,
				Timestamp: time.Now(),
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrWaitTimeout
		}
		time.Sleep(min(remaining, x11PollInterval))
	}
}

// ReleaseFrame returns the held frame
func (d *x11Duplicator) ReleaseFrame() error {
	if !d.held {
		return ErrInvalidCall
	}
	d.held = false
	return nil
}

// Close disconnects from the X server
func (d *x11Duplicator) Close() error {
	d.x.Close()
	d.prev = nil
	return nil
}
