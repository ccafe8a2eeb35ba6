package overlay

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextWidget displays text on the overlay. The text may contain the
// placeholders {time}, {date}, {frame} and {elapsed}.
type TextWidget struct {
	*BaseWidget
	text      string
	fontSize  int
	textColor color.RGBA
	bgColor   *color.RGBA // Optional background color
	padding   int
}

type textConfig struct {
	BaseConfig `mapstructure:",squash"`
	Text       string `mapstructure:"text"`
	Padding    int    `mapstructure:"padding"`
	Color      RGBA   `mapstructure:"color"`
	Background *RGBA  `mapstructure:"background"`
}

// NewTextWidget creates a new text widget
func NewTextWidget(id string, config map[string]interface{}) (*TextWidget, error) {
	w := &TextWidget{
		BaseWidget: NewBaseWidget(id, 0, 0, 1.0),
		text:       "Text Widget",
		fontSize:   13, // basicfont size
		textColor:  color.RGBA{255, 255, 255, 255},
		padding:    5,
	}

	if err := w.UpdateConfig(config); err != nil {
		return nil, err
	}

	return w, nil
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// Expand replaces the placeholders in the widget text
func (w *TextWidget) Expand(info FrameInfo) string {
	if !strings.Contains(w.text, "{") {
		return w.text
	}
	now := info.Time
	if now.IsZero() {
		now = time.Now()
	}
	r := strings.NewReplacer(
		"{time}", now.Format("15:04:05"),
		"{date}", now.Format("2006-01-02"),
		"{frame}", strconv.Itoa(info.Number),
		"{elapsed}", formatElapsed(info.Elapsed),
	)
	return r.Replace(w.text)
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA, info FrameInfo) error {
	text := w.Expand(info)
	if !w.IsEnabled() || text == "" {
		return nil
	}

	face := basicfont.Face7x13

	d := &font.Drawer{Face: face}
	textWidthPx := d.MeasureString(text).Ceil()

	widgetWidth := textWidthPx + w.padding*2
	widgetHeight := w.fontSize + w.padding*2
	pos := w.origin(img.Bounds(), image.Pt(widgetWidth, widgetHeight))

	if w.bgColor != nil {
		DrawRectangle(img, pos.X, pos.Y, widgetWidth, widgetHeight, image.NewUniform(*w.bgColor), w.opacity)
	}

	// Render into a scratch image so opacity applies to the glyphs too
	textImg := image.NewRGBA(image.Rect(0, 0, textWidthPx, w.fontSize))
	textDrawer := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(w.textColor),
		Face: face,
		Dot:  fixed.Point26_6{X: 0, Y: fixed.I(w.fontSize - face.Descent)},
	}
	textDrawer.DrawString(text)

	BlendImage(img, textImg, pos.X+w.padding, pos.Y+w.padding, w.opacity)
	return nil
}

// GetConfig returns the widget configuration
func (w *TextWidget) GetConfig() map[string]interface{} {
	config := w.exportBase(w.Type())
	config["text"] = w.text
	config["padding"] = w.padding
	config["color"] = fromColor(w.textColor)
	if w.bgColor != nil {
		config["background"] = fromColor(*w.bgColor)
	}
	return config
}

// UpdateConfig updates the widget configuration. Keys absent from config
// keep their current value.
func (w *TextWidget) UpdateConfig(config map[string]interface{}) error {
	c := textConfig{
		BaseConfig: w.settings(),
		Text:       w.text,
		Padding:    w.padding,
		Color:      RGBA{R: w.textColor.R, G: w.textColor.G, B: w.textColor.B, A: w.textColor.A},
	}
	if w.bgColor != nil {
		c.Background = &RGBA{R: w.bgColor.R, G: w.bgColor.G, B: w.bgColor.B, A: w.bgColor.A}
	}
	if err := decodeConfig(config, &c); err != nil {
		return err
	}

	w.applyBase(c.BaseConfig)
	w.text = c.Text
	w.padding = max(c.Padding, 0)
	w.textColor = c.Color.color()
	if c.Background != nil {
		bg := c.Background.color()
		w.bgColor = &bg
	}
	return nil
}

// SetText updates the text content
func (w *TextWidget) SetText(text string) {
	w.text = text
}

// GetText returns the current text
func (w *TextWidget) GetText() string {
	return w.text
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.bgColor = c
}

// Validate ensures the widget configuration is valid
func (w *TextWidget) Validate() error {
	if w.text == "" {
		return fmt.Errorf("text widget requires non-empty text")
	}
	return nil
}
