package capture

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"time"

	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

// minGIFDelay is what browsers substitute for delays under 20ms
const minGIFDelay = 100 * time.Millisecond

// AnimationSource plays an animated GIF in real time, honouring frame
// delays, disposal and the loop count
type AnimationSource struct {
	baseSource
	fs afero.Fs

	frames []*image.RGBA
	delays []time.Duration
	loops  int

	start time.Time
	shown int
}

// NewAnimationSource creates a source reading GIFs from fs
func NewAnimationSource(fs afero.Fs, quality gfx.Interpolation) *AnimationSource {
	return &AnimationSource{
		baseSource: newBaseSource("animation", quality),
		fs:         fs,
	}
}

// StartCapture decodes and pre-composes all frames
func (s *AnimationSource) StartCapture(src config.RecordingSource) error {
	f, err := s.fs.Open(src.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", src.Path, err)
	}
	if len(g.Image) == 0 {
		return fmt.Errorf("%s has no frames", src.Path)
	}

	s.frames, s.delays = composeGIF(g)
	s.loops = g.LoopCount
	s.source = src
	s.start = time.Time{}
	s.shown = -1
	s.invalidated.Store(true)

	s.log.Info().Str("path", src.Path).Int("frames", len(s.frames)).Int("loops", s.loops).Msg("Animation loaded")
	return nil
}

// composeGIF renders every GIF frame onto the full logical screen,
// applying each frame's disposal method before the next one
func composeGIF(g *gif.GIF) ([]*image.RGBA, []time.Duration) {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}

	canvas := image.NewRGBA(bounds)
	frames := make([]*image.RGBA, len(g.Image))
	delays := make([]time.Duration, len(g.Image))

	for i, p := range g.Image {
		var restore *image.RGBA
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			restore = image.NewRGBA(bounds)
			copy(restore.Pix, canvas.Pix)
		}

		draw.Draw(canvas, p.Bounds(), p, p.Bounds().Min, draw.Over)
		frame := image.NewRGBA(bounds)
		copy(frame.Pix, canvas.Pix)
		frames[i] = frame

		delay := minGIFDelay
		if i < len(g.Delay) && g.Delay[i] >= 2 {
			delay = time.Duration(g.Delay[i]) * 10 * time.Millisecond
		}
		delays[i] = delay

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, p.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = restore
		}
	}
	return frames, delays
}

// frameAt returns the frame index showing at elapsed time since start
// and the time until the next frame, zero once the animation has ended
func (s *AnimationSource) frameAt(elapsed time.Duration) (int, time.Duration) {
	var cycle time.Duration
	for _, d := range s.delays {
		cycle += d
	}
	if cycle <= 0 {
		return 0, 0
	}

	// LoopCount 0 loops forever, -1 plays once, n plays n+1 times
	plays := 0
	switch {
	case s.loops < 0:
		plays = 1
	case s.loops > 0:
		plays = s.loops + 1
	}
	if plays > 0 && elapsed >= cycle*time.Duration(plays) {
		return len(s.frames) - 1, 0
	}

	t := elapsed % cycle
	for i, d := range s.delays {
		if t < d {
			return i, d - t
		}
		t -= d
	}
	return len(s.frames) - 1, 0
}

// NativeSize returns the logical screen size of the GIF
func (s *AnimationSource) NativeSize() (image.Point, error) {
	if len(s.frames) == 0 {
		return image.Point{}, ErrNotStarted
	}
	return s.frames[0].Rect.Size(), nil
}

// AcquireNextFrame waits for the next frame change
func (s *AnimationSource) AcquireNextFrame(timeout time.Duration) (*CapturedFrame, error) {
	frame, _, err := s.acquire(timeout)
	return frame, err
}

// acquire returns the current frame when it changed or a repaint is due.
// A pending repaint is consumed and reported.
func (s *AnimationSource) acquire(timeout time.Duration) (*CapturedFrame, bool, error) {
	if len(s.frames) == 0 {
		return nil, false, ErrNotStarted
	}
	if s.start.IsZero() {
		s.start = time.Now()
	}

	due := s.invalidated.Swap(false)
	idx, next := s.frameAt(time.Since(s.start))
	if idx == s.shown && !due {
		if next <= 0 || next > timeout {
			s.waitIdle(timeout)
			if due = s.invalidated.Swap(false); !due {
				return nil, false, ErrWaitTimeout
			}
		} else {
			s.waitIdle(next)
			due = s.invalidated.Swap(false)
		}
		idx, _ = s.frameAt(time.Since(s.start))
		if idx == s.shown && !due {
			return nil, false, ErrWaitTimeout
		}
	}

	surf, err := s.textures.FromImage(s.frames[idx])
	if err != nil {
		return nil, due, err
	}
	s.shown = idx
	return &CapturedFrame{Surface: surf, UpdateCount: 1, Timestamp: time.Now()}, due, nil
}

// WriteNextFrame draws the current frame into dest when it changed
func (s *AnimationSource) WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (*CapturedFrame, error) {
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

// StopCapture drops the frames
func (s *AnimationSource) StopCapture() error {
	s.frames = nil
	s.delays = nil
	return nil
}
