package output

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// ImageEncoder writes stills. In slideshow mode every frame becomes a
// numbered file in the target directory and its duration is recorded as a
// frame delay. In single mode only the first frame is written, to the
// target file.
type ImageEncoder struct {
	*MediaClock
	fs     afero.Fs
	format string
	single bool
	log    *zerolog.Logger

	target Target
	delays map[int]time.Duration
	files  []string
	active bool
}

// NewImageEncoder creates a still encoder writing format
func NewImageEncoder(fs afero.Fs, format string, single bool, now func() time.Time) *ImageEncoder {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &ImageEncoder{
		MediaClock: NewMediaClock(now),
		fs:         fs,
		format:     imageExtension(format),
		single:     single,
		log:        logger.WithComponent("stills"),
	}
}

// Initialize is a no-op
func (e *ImageEncoder) Initialize(*gfx.Device) error {
	return nil
}

// Begin prepares the target. A slideshow needs a directory path.
func (e *ImageEncoder) Begin(_ context.Context, target Target, _ image.Point) error {
	if !e.single && target.Writer != nil {
		return fmt.Errorf("slideshow output needs a directory")
	}
	if !e.single {
		if err := e.fs.MkdirAll(target.Path, 0755); err != nil {
			return fmt.Errorf("failed to create slideshow directory: %w", err)
		}
	}
	e.target = target
	e.delays = make(map[int]time.Duration)
	e.files = nil
	e.active = true
	e.StartMediaClock()
	return nil
}

// SlidePath returns the file frame n is written to
func (e *ImageEncoder) SlidePath(n int) string {
	return filepath.Join(e.target.Path, fmt.Sprintf("frame_%05d.%s", n, e.format))
}

// RenderFrame writes the frame as a still
func (e *ImageEncoder) RenderFrame(m FrameWriteModel) error {
	if !e.active {
		return ErrNotStarted
	}
	if e.single && len(e.files) > 0 {
		return nil
	}

	img := m.Frame.Image()
	var path string
	var err error
	switch {
	case e.single && e.target.Writer != nil:
		path = "stream"
		err = EncodeImage(e.target.Writer, e.format, img)
	case e.single:
		path = e.target.Path
		err = WriteImage(e.fs, path, img)
	default:
		path = e.SlidePath(m.Number)
		err = WriteImage(e.fs, path, img)
	}
	if err != nil {
		return err
	}

	e.files = append(e.files, path)
	e.delays[m.Number] = m.Duration
	e.log.Debug().Str("path", path).Int("frame", m.Number).Dur("delay", m.Duration).Msg("Still written")
	return nil
}

// FrameDelays maps every written frame to its duration
func (e *ImageEncoder) FrameDelays() map[int]time.Duration {
	out := make(map[int]time.Duration, len(e.delays))
	for k, v := range e.delays {
		out[k] = v
	}
	return out
}

// Files returns the written paths in order
func (e *ImageEncoder) Files() []string {
	return append([]string(nil), e.files...)
}

// Finalize stops the clock. A screenshot without a frame is an error.
func (e *ImageEncoder) Finalize() error {
	if !e.active {
		return ErrNotStarted
	}
	e.active = false
	e.PauseMediaClock()
	if e.single && len(e.files) == 0 {
		return fmt.Errorf("no frame was captured")
	}
	e.log.Info().Int("stills", len(e.files)).Str("target", e.target.String()).Msg("Stills finalized")
	return nil
}
