package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

// FrameInfo is what widgets may show about the frame being rendered
type FrameInfo struct {
	Number  int
	Time    time.Time
	Elapsed time.Duration
}

// Widget represents a renderable overlay widget
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget onto the provided image at the configured position
	Render(img *image.RGBA, info FrameInfo) error

	// GetConfig returns the widget's configuration as a map
	GetConfig() map[string]interface{}

	// UpdateConfig updates the widget's configuration
	UpdateConfig(config map[string]interface{}) error

	// IsEnabled returns whether the widget should be rendered
	IsEnabled() bool

	// SetEnabled sets whether the widget should be rendered
	SetEnabled(enabled bool)
}

// RGBA is a color as it appears in widget configs
type RGBA struct {
	R uint8 `mapstructure:"r"`
	G uint8 `mapstructure:"g"`
	B uint8 `mapstructure:"b"`
	A uint8 `mapstructure:"a"`
}

func (c RGBA) color() color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

func fromColor(c color.RGBA) map[string]interface{} {
	return map[string]interface{}{"r": c.R, "g": c.G, "b": c.B, "a": c.A}
}

// BaseConfig holds the settings every widget understands
type BaseConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	X       int             `mapstructure:"x"`
	Y       int             `mapstructure:"y"`
	Opacity float64         `mapstructure:"opacity"`
	Anchor  geometry.Anchor `mapstructure:"anchor"`
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
	anchor  geometry.Anchor
}

// NewBaseWidget creates a new base widget anchored to the top left corner
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	return &BaseWidget{
		id:      id,
		enabled: true,
		x:       x,
		y:       y,
		opacity: opacity,
		anchor:  geometry.AnchorTopLeft,
	}
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// GetPosition returns the widget's offset from its anchor
func (w *BaseWidget) GetPosition() (int, int) {
	return w.x, w.y
}

// SetPosition sets the widget's offset from its anchor
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// GetOpacity returns the widget's opacity
func (w *BaseWidget) GetOpacity() float64 {
	return w.opacity
}

// SetOpacity sets the widget's opacity (0.0 to 1.0)
func (w *BaseWidget) SetOpacity(opacity float64) {
	w.opacity = min(max(opacity, 0.0), 1.0)
}

// origin returns the top left corner of a widget of the given size inside
// frame. x and y move the widget away from its anchor edge.
func (w *BaseWidget) origin(frame image.Rectangle, size image.Point) image.Point {
	off := geometry.ContentOffset(w.anchor, frame.Size(), size)
	dx, dy := w.x, w.y
	switch w.anchor {
	case geometry.AnchorTopRight:
		dx = -dx
	case geometry.AnchorBottomLeft:
		dy = -dy
	case geometry.AnchorBottomRight:
		dx, dy = -dx, -dy
	}
	return frame.Min.Add(off).Add(image.Pt(dx, dy))
}

func (w *BaseWidget) settings() BaseConfig {
	return BaseConfig{Enabled: w.enabled, X: w.x, Y: w.y, Opacity: w.opacity, Anchor: w.anchor}
}

func (w *BaseWidget) applyBase(c BaseConfig) {
	w.enabled = c.Enabled
	w.x, w.y = c.X, c.Y
	w.SetOpacity(c.Opacity)
	w.anchor = c.Anchor
}

func (w *BaseWidget) exportBase(typ string) map[string]interface{} {
	return map[string]interface{}{
		"id":      w.id,
		"type":    typ,
		"enabled": w.enabled,
		"x":       w.x,
		"y":       w.y,
		"opacity": w.opacity,
		"anchor":  w.anchor.String(),
	}
}

// decodeConfig decodes a widget config map onto out, leaving fields that
// are absent from the map untouched. JSON numbers and YAML ints are both
// accepted.
func decodeConfig(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("invalid widget config: %w", err)
	}
	return nil
}

// BlendImage blends a source image onto a destination image at the given position
// with the specified opacity
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	srcBounds := src.Bounds()
	dstBounds := dst.Bounds()

	for sy := srcBounds.Min.Y; sy < srcBounds.Max.Y; sy++ {
		dy := y + (sy - srcBounds.Min.Y)
		if dy < dstBounds.Min.Y || dy >= dstBounds.Max.Y {
			continue
		}

		for sx := srcBounds.Min.X; sx < srcBounds.Max.X; sx++ {
			dx := x + (sx - srcBounds.Min.X)
			if dx < dstBounds.Min.X || dx >= dstBounds.Max.X {
				continue
			}

			sr, sg, sb, sa := src.At(sx, sy).RGBA()
			alpha := float64(sa) * opacity / 65535.0
			if alpha <= 0 {
				continue
			}

			// both sides are alpha-premultiplied
			d := dst.RGBAAt(dx, dy)
			blend := func(s uint32, d uint8) uint8 {
				v := float64(s)/65535.0*opacity + float64(d)/255.0*(1-alpha)
				return uint8(min(v, 1.0)*255 + 0.5)
			}
			dst.SetRGBA(dx, dy, color.RGBA{
				R: blend(sr, d.R),
				G: blend(sg, d.G),
				B: blend(sb, d.B),
				A: blend(sa, d.A),
			})
		}
	}
}

// DrawRectangle draws a filled rectangle with the specified color and opacity
func DrawRectangle(dst *image.RGBA, x, y, width, height int, fill image.Image, opacity float64) {
	rect := image.Rect(0, 0, width, height)
	tmp := image.NewRGBA(rect)
	draw.Draw(tmp, rect, fill, image.Point{}, draw.Src)
	BlendImage(dst, tmp, x, y, opacity)
}
