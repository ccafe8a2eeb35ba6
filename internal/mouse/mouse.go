// Package mouse draws the cursor and click highlights onto frames.
package mouse

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/overlay"
)

// clickOpacity is the opacity of the click highlight
const clickOpacity = 0.5

// Handler renders the pointer of a session. It remembers the last cursor
// shape, since sources report a shape only when it changes.
type Handler struct {
	opts  config.MouseOptions
	left  color.RGBA
	right color.RGBA
	now   func() time.Time
	log   *zerolog.Logger

	mu      sync.Mutex
	shape   *image.RGBA
	hotspot image.Point
	buttons uint8
	click   *click
}

type click struct {
	button uint8
	at     time.Time
}

// New creates a handler. A nil now uses time.Now.
func New(opts config.MouseOptions, now func() time.Time) (*Handler, error) {
	left, err := ParseColor(opts.LeftClickColor)
	if err != nil {
		return nil, fmt.Errorf("left click color: %w", err)
	}
	right, err := ParseColor(opts.RightClickColor)
	if err != nil {
		return nil, fmt.Errorf("right click color: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{
		opts:  opts,
		left:  left,
		right: right,
		now:   now,
		log:   logger.WithComponent("mouse"),
	}, nil
}

// ParseColor reads #RGB, #RRGGBB or #RRGGBBAA
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// Reset forgets the cursor shape and click state, e.g. after a restart
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shape = nil
	h.hotspot = image.Point{}
	h.buttons = 0
	h.click = nil
}

// Draw renders the click highlight and the cursor of p onto surface
func (h *Handler) Draw(surface *gfx.Surface, p *capture.PointerInfo) error {
	if p == nil || surface == nil {
		return nil
	}
	if err := surface.Device().Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if p.Shape != nil {
		h.shape = p.Shape
		h.hotspot = p.Hotspot
	}
	img := surface.Image()

	if h.opts.DetectClicks {
		h.trackClick(p.Buttons)
		if h.click != nil {
			h.drawClick(img, p.Position)
		}
	}
	if h.opts.ShowPointer && p.Visible {
		shape, hotspot := h.shape, h.hotspot
		if shape == nil {
			shape, hotspot = arrow, image.Point{}
		}
		pos := p.Position.Sub(hotspot)
		overlay.BlendImage(img, shape, pos.X, pos.Y, 1)
	}
	return nil
}

// trackClick starts a highlight on every button press. A highlight lasts
// while the button is held and ClickDuration after.
func (h *Handler) trackClick(buttons uint8) {
	now := h.now()
	pressed := buttons &^ h.buttons
	h.buttons = buttons
	switch {
	case pressed&capture.ButtonLeft != 0:
		h.click = &click{button: capture.ButtonLeft, at: now}
	case pressed&capture.ButtonRight != 0:
		h.click = &click{button: capture.ButtonRight, at: now}
	case h.click != nil && buttons&h.click.button != 0:
		h.click.at = now
	case h.click != nil && now.Sub(h.click.at) > h.opts.ClickDuration:
		h.click = nil
	}
}

func (h *Handler) drawClick(img *image.RGBA, center image.Point) {
	c := h.left
	if h.click.button == capture.ButtonRight {
		c = h.right
	}
	r := h.opts.ClickRadius
	if r <= 0 {
		return
	}
	dot := image.NewRGBA(image.Rect(0, 0, 2*r, 2*r))
	draw.DrawMask(dot, dot.Rect, image.NewUniform(c), image.Point{}, &circle{image.Pt(r, r), r}, image.Point{}, draw.Src)
	overlay.BlendImage(img, dot, center.X-r, center.Y-r, clickOpacity)
}

// circle is an alpha mask
type circle struct {
	p image.Point
	r int
}

func (c *circle) ColorModel() color.Model {
	return color.AlphaModel
}

func (c *circle) Bounds() image.Rectangle {
	return image.Rect(c.p.X-c.r, c.p.Y-c.r, c.p.X+c.r, c.p.Y+c.r)
}

func (c *circle) At(x, y int) color.Color {
	xx, yy, rr := float64(x-c.p.X)+0.5, float64(y-c.p.Y)+0.5, float64(c.r)
	if xx*xx+yy*yy < rr*rr {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}

// arrow is drawn when the source reports no cursor shape. Its hotspot is
// the top left pixel.
var arrow = buildArrow([]string{
	"X",
	"XX",
	"X.X",
	"X..X",
	"X...X",
	"X....X",
	"X.....X",
	"X......X",
	"X.......X",
	"X........X",
	"X.....XXXXX",
	"X..X..X",
	"X.X X..X",
	"XX  X..X",
	"X    X..X",
	"     X..X",
	"      XX",
})

func buildArrow(rows []string) *image.RGBA {
	w := 0
	for _, row := range rows {
		w = max(w, len(row))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, len(rows)))
	for y, row := range rows {
		for x, ch := range row {
			switch ch {
			case 'X':
				img.SetRGBA(x, y, color.RGBA{A: 255})
			case '.':
				img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	return img
}
