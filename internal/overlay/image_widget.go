package overlay

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/spf13/afero"
	xdraw "golang.org/x/image/draw"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

// ImageWidget shows an image file, e.g. a logo or watermark
type ImageWidget struct {
	*BaseWidget
	fs      afero.Fs
	path    string
	size    image.Point
	stretch geometry.StretchMode

	img    image.Image
	scaled *image.RGBA
}

type imageConfig struct {
	BaseConfig `mapstructure:",squash"`
	Path       string               `mapstructure:"path"`
	Width      int                  `mapstructure:"width"`
	Height     int                  `mapstructure:"height"`
	Stretch    geometry.StretchMode `mapstructure:"stretch"`
}

// NewImageWidget creates an image widget reading its file from fs
func NewImageWidget(id string, fs afero.Fs, config map[string]interface{}) (*ImageWidget, error) {
	w := &ImageWidget{
		BaseWidget: NewBaseWidget(id, 0, 0, 1.0),
		fs:         fs,
		stretch:    geometry.StretchUniform,
	}
	if err := w.UpdateConfig(config); err != nil {
		return nil, err
	}
	return w, nil
}

// Type returns the widget type
func (w *ImageWidget) Type() string {
	return "image"
}

func (w *ImageWidget) load(path string) error {
	f, err := w.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open overlay image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode overlay image %s: %w", path, err)
	}
	w.img = img
	w.scaled = nil
	return nil
}

// rendered returns the image at its configured size. A single configured
// dimension keeps the aspect ratio.
func (w *ImageWidget) rendered() *image.RGBA {
	if w.scaled != nil {
		return w.scaled
	}
	src := w.img.Bounds()
	box := geometry.CompleteAspect(src.Size(), w.size)
	content := geometry.ContentSize(src.Size(), box, w.stretch)

	out := image.NewRGBA(image.Rectangle{Max: content})
	if content == src.Size() {
		draw.Draw(out, out.Rect, w.img, src.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(out, out.Rect, w.img, src, xdraw.Src, nil)
	}
	w.scaled = out
	return out
}

// Render draws the image at its anchored position
func (w *ImageWidget) Render(img *image.RGBA, _ FrameInfo) error {
	if !w.IsEnabled() || w.img == nil {
		return nil
	}
	scaled := w.rendered()
	pos := w.origin(img.Bounds(), scaled.Rect.Size())
	BlendImage(img, scaled, pos.X, pos.Y, w.opacity)
	return nil
}

// GetConfig returns the widget configuration
func (w *ImageWidget) GetConfig() map[string]interface{} {
	config := w.exportBase(w.Type())
	config["path"] = w.path
	config["width"] = w.size.X
	config["height"] = w.size.Y
	config["stretch"] = w.stretch.String()
	return config
}

// UpdateConfig updates the widget configuration, reloading the image
// when the path changes
func (w *ImageWidget) UpdateConfig(config map[string]interface{}) error {
	c := imageConfig{
		BaseConfig: w.settings(),
		Path:       w.path,
		Width:      w.size.X,
		Height:     w.size.Y,
		Stretch:    w.stretch,
	}
	if err := decodeConfig(config, &c); err != nil {
		return err
	}
	if c.Path == "" {
		return fmt.Errorf("image widget requires a path")
	}

	if c.Path != w.path || w.img == nil {
		if err := w.load(c.Path); err != nil {
			return err
		}
	}
	size := image.Pt(max(c.Width, 0), max(c.Height, 0))
	if size != w.size || c.Stretch != w.stretch {
		w.scaled = nil
	}

	w.applyBase(c.BaseConfig)
	w.path = c.Path
	w.size = size
	w.stretch = c.Stretch
	return nil
}
