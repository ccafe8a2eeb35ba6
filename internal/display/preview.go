package display

import (
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// maxPutImageBytes keeps a single PutImage request below the core
// protocol request limit of 256 KiB
const maxPutImageBytes = 256*1024 - 64

// PreviewWindow shows the recorded frames in an X11 window
type PreviewWindow struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	width  int
	height int
	title  string
	log    *zerolog.Logger

	mu      sync.Mutex
	window  xproto.Window
	gc      xproto.Gcontext
	format  pixmapFormat
	canvas  *image.RGBA
	running bool
}

// pixmapFormat is the server layout of ZPixmap data at the root depth
type pixmapFormat struct {
	depth         byte
	bytesPerPixel int
	scanlinePad   int
}

// NewPreviewWindow connects to the X server. The window is created by Start.
func NewPreviewWindow(width, height int, title string) (*PreviewWindow, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid preview size %dx%d", width, height)
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	setup := xproto.Setup(conn)
	return &PreviewWindow{
		conn:   conn,
		screen: setup.DefaultScreen(conn),
		width:  width,
		height: height,
		title:  title,
		log:    logger.WithComponent("preview"),
	}, nil
}

// Name identifies the sink
func (p *PreviewWindow) Name() string {
	return "x11-preview"
}

// Start creates and maps the window
func (p *PreviewWindow) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("preview window already running")
	}

	format, err := findPixmapFormat(xproto.Setup(p.conn), p.screen.RootDepth)
	if err != nil {
		return err
	}

	wid, err := xproto.NewWindowId(p.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		p.conn,
		p.screen.RootDepth,
		wid,
		p.screen.Root,
		0, 0,
		uint16(p.width), uint16(p.height),
		0,
		xproto.WindowClassInputOutput,
		p.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	p.window = wid

	if err := p.setProperty("_NET_WM_NAME", "UTF8_STRING", p.title); err != nil {
		p.log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := p.setProperty("WM_CLASS", "STRING", "screenrecorder\x00ScreenRecorder\x00"); err != nil {
		p.log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(p.conn, p.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(p.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(p.conn, gc, xproto.Drawable(p.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	p.gc = gc
	p.format = format
	p.canvas = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	p.running = true

	p.log.Info().
		Int("width", p.width).
		Int("height", p.height).
		Uint32("window_id", uint32(p.window)).
		Msg("Preview window created")
	return nil
}

// Stop destroys the window and closes the connection
func (p *PreviewWindow) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	if p.gc != 0 {
		xproto.FreeGC(p.conn, p.gc)
	}
	if p.window != 0 {
		xproto.DestroyWindow(p.conn, p.window)
	}
	p.conn.Sync()
	p.conn.Close()
	p.running = false
	p.log.Info().Msg("Preview window closed")
	return nil
}

// IsRunning reports whether the window is shown
func (p *PreviewWindow) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WindowID returns the X11 id of the window
func (p *PreviewWindow) WindowID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(p.window)
}

// WriteFrame letterboxes frame into the window
func (p *PreviewWindow) WriteFrame(frame image.Image) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("preview window not running")
	}
	letterbox(p.canvas, frame)
	data := toZPixmap(p.canvas, p.format)
	return p.putImage(data)
}

// putImage uploads data in bands of whole rows
func (p *PreviewWindow) putImage(data []byte) error {
	stride := p.format.stride(p.width)
	for y, rows := range bands(p.height, stride, maxPutImageBytes) {
		chunk := data[y*stride : (y+rows)*stride]
		err := xproto.PutImageChecked(
			p.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(p.window),
			p.gc,
			uint16(p.width), uint16(rows),
			0, int16(y),
			0,
			p.format.depth,
			chunk,
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

func (p *PreviewWindow) setProperty(name, typ, value string) error {
	prop, err := p.atom(name)
	if err != nil {
		return err
	}
	t, err := p.atom(typ)
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		p.conn,
		xproto.PropModeReplace,
		p.window,
		prop,
		t,
		8,
		uint32(len(value)),
		[]byte(value),
	).Check()
}

func (p *PreviewWindow) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(p.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

func findPixmapFormat(setup *xproto.SetupInfo, depth byte) (pixmapFormat, error) {
	for _, f := range setup.PixmapFormats {
		if f.Depth == depth {
			bpp := int(f.BitsPerPixel) / 8
			if bpp != 3 && bpp != 4 {
				return pixmapFormat{}, fmt.Errorf("unsupported pixmap format: %d bits per pixel", f.BitsPerPixel)
			}
			return pixmapFormat{depth: depth, bytesPerPixel: bpp, scanlinePad: int(f.ScanlinePad) / 8}, nil
		}
	}
	return pixmapFormat{}, fmt.Errorf("no pixmap format for depth %d", depth)
}

// stride is the padded length of one row of width pixels
func (f pixmapFormat) stride(width int) int {
	unpadded := width * f.bytesPerPixel
	if f.scanlinePad <= 1 {
		return unpadded
	}
	return (unpadded + f.scanlinePad - 1) / f.scanlinePad * f.scanlinePad
}

// letterbox scales src into dst keeping its aspect ratio, on black
func letterbox(dst *image.RGBA, src image.Image) {
	draw.Draw(dst, dst.Rect, image.Black, image.Point{}, draw.Src)
	size := dst.Rect.Size()
	content := geometry.ContentSize(src.Bounds().Size(), size, geometry.StretchUniform)
	if content.X <= 0 || content.Y <= 0 {
		return
	}
	off := geometry.ContentOffset(geometry.AnchorCenter, size, content)
	xdraw.ApproxBiLinear.Scale(dst, image.Rectangle{Min: off, Max: off.Add(content)}, src, src.Bounds(), xdraw.Src, nil)
}

// toZPixmap converts img to the BGRx byte order of TrueColor visuals
func toZPixmap(img *image.RGBA, f pixmapFormat) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	stride := f.stride(w)
	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		out := data[y*stride:]
		for x := 0; x < w; x++ {
			si, di := x*4, x*f.bytesPerPixel
			out[di] = row[si+2]
			out[di+1] = row[si+1]
			out[di+2] = row[si]
			if f.bytesPerPixel == 4 && f.depth == 32 {
				out[di+3] = row[si+3]
			}
		}
	}
	return data
}

// bands splits height rows of stride bytes into runs of at most limit
// bytes. It yields the first row and the row count of every band.
func bands(height, stride, limit int) func(yield func(int, int) bool) {
	per := 1
	if stride > 0 {
		per = max(1, limit/stride)
	}
	return func(yield func(int, int) bool) {
		for y := 0; y < height; y += per {
			if !yield(y, min(per, height-y)) {
				return
			}
		}
	}
}
