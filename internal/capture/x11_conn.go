package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// x11Conn is one X server connection with the extensions capture relies on
type x11Conn struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo

	composite bool
	xfixes    bool
	randr     bool

	mu  sync.Mutex
	log *zerolog.Logger

	cursorSerial uint32
}

// dialX11 connects to $DISPLAY and initializes the optional extensions
func dialX11() (*x11Conn, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	c := &x11Conn{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
		log:    logger.WithComponent("x11"),
	}

	if err := composite.Init(conn); err != nil {
		c.log.Warn().Err(err).Msg("Composite extension not available - obscured windows will not capture")
	} else {
		c.composite = true
	}
	if err := xfixes.Init(conn); err == nil {
		// the server only answers cursor requests after version negotiation
		if _, err := xfixes.QueryVersion(conn, 4, 0).Reply(); err == nil {
			c.xfixes = true
		}
	}
	if !c.xfixes {
		c.log.Warn().Msg("XFixes not available - cursor shape will not be captured")
	}
	if err := randr.Init(conn); err != nil {
		c.log.Warn().Err(err).Msg("RandR extension not available - only the whole screen can be duplicated")
	} else {
		c.randr = true
	}

	return c, nil
}

// Close closes the connection
func (c *x11Conn) Close() {
	c.conn.Close()
}

// getImage reads r of drawable as RGBA
func (c *x11Conn) getImage(d xproto.Drawable, r image.Rectangle) (*image.RGBA, error) {
	if r.Empty() {
		return nil, fmt.Errorf("%w: empty capture rectangle", ErrSourceUnavailable)
	}
	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		d,
		int16(r.Min.X), int16(r.Min.Y),
		uint16(r.Dx()), uint16(r.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, mapX11Error(err)
	}
	if reply == nil {
		return nil, ErrSessionDisconnected
	}
	if c.screen.RootDepth != 24 && c.screen.RootDepth != 32 {
		return nil, fmt.Errorf("%w: root depth %d", ErrUnsupported, c.screen.RootDepth)
	}
	return bgraToRGBA(reply.Data, r.Dx(), r.Dy()), nil
}

// screenSize returns the size of the root window
func (c *x11Conn) screenSize() image.Point {
	return image.Pt(int(c.screen.WidthInPixels), int(c.screen.HeightInPixels))
}

// pointer reads the cursor position relative to origin and, when the
// cursor changed since the last call, its shape
func (c *x11Conn) pointer(origin image.Point) (*PointerInfo, error) {
	q, err := xproto.QueryPointer(c.conn, c.root).Reply()
	if err != nil {
		return nil, mapX11Error(err)
	}
	if q == nil {
		return nil, ErrSessionDisconnected
	}

	p := &PointerInfo{
		Position: image.Pt(int(q.RootX), int(q.RootY)).Sub(origin),
		Visible:  q.SameScreen,
	}
	if q.Mask&xproto.KeyButMaskButton1 != 0 {
		p.Buttons |= ButtonLeft
	}
	if q.Mask&xproto.KeyButMaskButton3 != 0 {
		p.Buttons |= ButtonRight
	}

	if !c.xfixes {
		return p, nil
	}
	cur, err := xfixes.GetCursorImage(c.conn).Reply()
	if err != nil || cur == nil {
		// shape is optional
		return p, nil
	}
	p.Hotspot = image.Pt(int(cur.Xhot), int(cur.Yhot))
	if cur.CursorSerial != c.cursorSerial {
		c.cursorSerial = cur.CursorSerial
		p.Shape = argbToRGBA(cur.CursorImage, int(cur.Width), int(cur.Height))
	}
	return p, nil
}

// mapX11Error converts protocol errors into capture errors
func mapX11Error(err error) error {
	var (
		matchErr    xproto.MatchError
		windowErr   xproto.WindowError
		drawableErr xproto.DrawableError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &matchErr):
		// GetImage outside the drawable, typically after a mode switch
		return fmt.Errorf("%w: %v", ErrModeChanged, err)
	case errors.As(err, &windowErr), errors.As(err, &drawableErr):
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrSessionDisconnected, err)
	}
}

// bgraToRGBA converts a ZPixmap reply at depth 24/32 to opaque RGBA
func bgraToRGBA(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := min(len(data), len(img.Pix))
	for i := 0; i+3 < n; i += 4 {
		img.Pix[i+0] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i+0]
		img.Pix[i+3] = 0xff
	}
	return img
}

// argbToRGBA converts premultiplied ARGB cursor pixels
func argbToRGBA(pixels []uint32, width, height int) *image.RGBA {
	if width <= 0 || height <= 0 {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, px := range pixels {
		if i*4+3 >= len(img.Pix) {
			break
		}
		img.Pix[i*4+0] = byte(px >> 16)
		img.Pix[i*4+1] = byte(px >> 8)
		img.Pix[i*4+2] = byte(px)
		img.Pix[i*4+3] = byte(px >> 24)
	}
	return img
}
