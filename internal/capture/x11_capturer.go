package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

// WindowResolver maps a window source to an X11 window id
type WindowResolver func(src config.RecordingSource) (uint32, error)

// X11Capturer captures a single window through the Composite extension,
// or a fixed region of the root window. Both deliver full frames; changes
// are found by diffing consecutive frames.
type X11Capturer struct {
	baseSource
	resolve WindowResolver

	x        *x11Conn
	win      xproto.Window
	drawable xproto.Drawable
	pixmap   xproto.Pixmap
	rect     image.Rectangle
	cursor   bool

	prev *image.RGBA
}

// NewX11Capturer creates a window or region source
func NewX11Capturer(resolve WindowResolver, quality gfx.Interpolation) *X11Capturer {
	return &X11Capturer{
		baseSource: newBaseSource("x11", quality),
		resolve:    resolve,
	}
}

// StartCapture connects to the X server and locates the target
func (c *X11Capturer) StartCapture(src config.RecordingSource) error {
	if c.device == nil {
		return fmt.Errorf("%s: not initialized", c.name)
	}
	x, err := dialX11()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	c.x = x
	c.source = src
	c.cursor = src.IsCursorCaptureEnabled()
	c.invalidated.Store(true)

	switch src.Type {
	case config.SourceRegion:
		if src.Region == nil {
			return fmt.Errorf("region source without region")
		}
		c.rect = src.Region.Image().Intersect(image.Rectangle{Max: x.screenSize()})
		if c.rect.Empty() {
			return fmt.Errorf("%w: region %v outside the screen", ErrSourceUnavailable, src.Region.Image())
		}
		c.drawable = xproto.Drawable(x.root)
	case config.SourceWindow:
		if c.resolve == nil {
			return fmt.Errorf("window source without resolver")
		}
		id, err := c.resolve(src)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		win, err := c.findCapturable(xproto.Window(id))
		if err != nil {
			return err
		}
		c.win = win
		if err := c.bindWindow(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: x11 capturer cannot capture %s", ErrUnsupported, src.Type)
	}

	c.log.Info().
		Str("source", src.String()).
		Int("width", c.rect.Dx()).
		Int("height", c.rect.Dy()).
		Bool("composite", c.pixmap != 0).
		Msg("X11 capture started")
	return nil
}

// findCapturable returns win if it is viewable, else its first viewable
// descendant. Reparenting window managers often hand out the frame.
func (c *X11Capturer) findCapturable(win xproto.Window) (xproto.Window, error) {
	attrs, err := xproto.GetWindowAttributes(c.x.conn, win).Reply()
	if err != nil {
		return 0, mapX11Error(err)
	}
	if attrs.Class == xproto.WindowClassInputOutput && attrs.MapState == xproto.MapStateViewable {
		return win, nil
	}

	tree, err := xproto.QueryTree(c.x.conn, win).Reply()
	if err != nil {
		return 0, mapX11Error(err)
	}
	for _, child := range tree.Children {
		if found, err := c.findCapturable(child); err == nil {
			geom, err := xproto.GetGeometry(c.x.conn, xproto.Drawable(found)).Reply()
			if err == nil && geom.Width > 10 && geom.Height > 10 {
				return found, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: window 0x%x has no viewable content", ErrSourceUnavailable, uint32(win))
}

// bindWindow names the composite pixmap of the window and records its
// size. Called again whenever the window is resized.
func (c *X11Capturer) bindWindow() error {
	c.freePixmap()

	geom, err := xproto.GetGeometry(c.x.conn, xproto.Drawable(c.win)).Reply()
	if err != nil {
		return mapX11Error(err)
	}
	c.rect = image.Rect(0, 0, int(geom.Width), int(geom.Height))
	c.drawable = xproto.Drawable(c.win)

	if !c.x.composite {
		return nil
	}
	if err := composite.RedirectWindowChecked(c.x.conn, c.win, composite.RedirectAutomatic).Check(); err != nil {
		c.log.Warn().Err(err).Uint32("window_id", uint32(c.win)).Msg("Composite redirect failed, capturing the window directly")
		return nil
	}
	pixmap, err := xproto.NewPixmapId(c.x.conn)
	if err != nil {
		return nil
	}
	if err := composite.NameWindowPixmapChecked(c.x.conn, c.win, pixmap).Check(); err != nil {
		c.log.Warn().Err(err).Msg("NameWindowPixmap failed, capturing the window directly")
		return nil
	}
	c.pixmap = pixmap
	c.drawable = xproto.Drawable(pixmap)
	return nil
}

func (c *X11Capturer) freePixmap() {
	if c.pixmap != 0 {
		xproto.FreePixmap(c.x.conn, c.pixmap)
		c.pixmap = 0
	}
}

// NativeSize returns the window or region size
func (c *X11Capturer) NativeSize() (image.Point, error) {
	if c.x == nil {
		return image.Point{}, ErrNotStarted
	}
	return c.rect.Size(), nil
}

// checkResize rebinds the pixmap when the window size changed
func (c *X11Capturer) checkResize() error {
	if c.win == 0 {
		return nil
	}
	geom, err := xproto.GetGeometry(c.x.conn, xproto.Drawable(c.win)).Reply()
	if err != nil {
		return mapX11Error(err)
	}
	if geom == nil {
		return ErrSessionDisconnected
	}
	if int(geom.Width) == c.rect.Dx() && int(geom.Height) == c.rect.Dy() {
		return nil
	}
	c.log.Debug().Uint16("width", geom.Width).Uint16("height", geom.Height).Msg("Window resized")
	c.prev = nil
	return c.bindWindow()
}

// origin is the root position of the captured area, used for the pointer
func (c *X11Capturer) origin() image.Point {
	if c.win == 0 {
		return c.rect.Min
	}
	tr, err := xproto.TranslateCoordinates(c.x.conn, c.win, c.x.root, 0, 0).Reply()
	if err != nil || tr == nil {
		return image.Point{}
	}
	return image.Pt(int(tr.DstX), int(tr.DstY))
}

// AcquireNextFrame polls until the content changes, a repaint was
// requested, or timeout elapses
func (c *X11Capturer) AcquireNextFrame(timeout time.Duration) (*CapturedFrame, error) {
	if c.x == nil {
		return nil, ErrNotStarted
	}
	c.x.mu.Lock()
	defer c.x.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if err := c.checkResize(); err != nil {
			return nil, err
		}

		img, err := c.x.getImage(c.drawable, c.rect)
		if err != nil {
			return nil, err
		}
		dirty := DetectDirtyTiles(c.prev, img, DefaultTileSize)

		if len(dirty) > 0 || c.invalidated.Load() {
			c.prev = img
			frame := &CapturedFrame{
				UpdateCount: max(len(dirty), 1),
				Timestamp:   time.Now(),
			}
			if frame.Surface, err = c.device.Wrap(img); err != nil {
				return nil, err
			}
			if c.cursor {
				if frame.Pointer, err = c.x.pointer(c.origin()); err != nil {
					frame.Release()
					return nil, err
				}
			}
			return frame, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrWaitTimeout
		}
		c.waitIdle(min(remaining, x11PollInterval))
	}
}

// WriteNextFrame draws the next changed frame into dest
func (c *X11Capturer) WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (*CapturedFrame, error) {
	frame, err := c.AcquireNextFrame(timeout)
	if err != nil {
		return nil, err
	}
	return c.writeFull(frame, dst, dest)
}

// StopCapture releases the pixmap and the connection
func (c *X11Capturer) StopCapture() error {
	if c.x == nil {
		return nil
	}
	c.freePixmap()
	if c.win != 0 && c.x.composite {
		composite.UnredirectWindow(c.x.conn, c.win, composite.RedirectAutomatic)
	}
	c.x.Close()
	c.x = nil
	c.win = 0
	c.prev = nil
	return nil
}
