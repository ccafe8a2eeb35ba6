package capture

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/spf13/afero"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

// ImageSource shows a still image. It produces one frame after start and
// after every Invalidate, and otherwise reports no change.
type ImageSource struct {
	baseSource
	fs  afero.Fs
	img *image.RGBA
}

// NewImageSource creates a source reading images from fs
func NewImageSource(fs afero.Fs, quality gfx.Interpolation) *ImageSource {
	return &ImageSource{
		baseSource: newBaseSource("image", quality),
		fs:         fs,
	}
}

// StartCapture decodes the image file
func (s *ImageSource) StartCapture(src config.RecordingSource) error {
	img, err := loadImage(s.fs, src.Path)
	if err != nil {
		return err
	}
	s.source = src
	s.img = img
	s.invalidated.Store(true)
	s.log.Info().Str("path", src.Path).Int("width", img.Rect.Dx()).Int("height", img.Rect.Dy()).Msg("Image loaded")
	return nil
}

func loadImage(fs afero.Fs, path string) (*image.RGBA, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return toRGBA(decoded), nil
}

// toRGBA converts img to an origin-anchored RGBA image
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rectangle{Max: b.Size()})
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	return rgba
}

// NativeSize returns the image size
func (s *ImageSource) NativeSize() (image.Point, error) {
	if s.img == nil {
		return image.Point{}, ErrNotStarted
	}
	return s.img.Rect.Size(), nil
}

// AcquireNextFrame returns the image when a repaint is due, otherwise it
// waits out the timeout
func (s *ImageSource) AcquireNextFrame(timeout time.Duration) (*CapturedFrame, error) {
	frame, _, err := s.acquire(timeout)
	return frame, err
}

// acquire consumes a pending repaint and reports whether one was due
func (s *ImageSource) acquire(timeout time.Duration) (*CapturedFrame, bool, error) {
	if s.img == nil {
		return nil, false, ErrNotStarted
	}
	if !s.invalidated.Swap(false) {
		s.waitIdle(timeout)
		if !s.invalidated.Swap(false) {
			return nil, false, ErrWaitTimeout
		}
	}
	surf, err := s.textures.FromImage(s.img)
	if err != nil {
		return nil, true, err
	}
	return &CapturedFrame{Surface: surf, UpdateCount: 1, Timestamp: time.Now()}, true, nil
}

// WriteNextFrame draws the image into dest when a repaint is due
func (s *ImageSource) WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (*CapturedFrame, error) {
	if dest != s.lastDest {
		s.invalidated.Store(true)
	}
	frame, due, err := s.acquire(timeout)
	if err != nil {
		return nil, err
	}
	if due {
		s.invalidated.Store(true)
	}
	return s.writeFull(frame, dst, dest)
}

// StopCapture drops the decoded image
func (s *ImageSource) StopCapture() error {
	s.img = nil
	return nil
}
