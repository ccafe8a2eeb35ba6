package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gst"
)

// VideoSource plays a video file in real time through a GStreamer decode
// pipeline. After the end of the stream the last frame stays on screen.
type VideoSource struct {
	baseSource
	launch string

	reader *gst.FrameReader
	size   image.Point
	seq    uint64
	last   *image.RGBA
	ended  bool
	cancel context.CancelFunc
}

// NewVideoSource creates a source decoding with the given gst-launch binary
func NewVideoSource(launch string, quality gfx.Interpolation) *VideoSource {
	return &VideoSource{
		baseSource: newBaseSource("video", quality),
		launch:     launch,
	}
}

func videoDecode(path string) []gst.Element {
	return []gst.Element{
		gst.El("filesrc", gst.Location(path)),
		gst.El("decodebin"),
		gst.El("videoconvert"),
	}
}

// StartCapture probes the video size and starts decoding
func (s *VideoSource) StartCapture(src config.RecordingSource) error {
	ctx, cancel := context.WithCancel(context.Background())

	size, fps, err := gst.Probe(ctx, s.launch, videoDecode(src.Path)...)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, src.Path, err)
	}

	elements := append(videoDecode(src.Path),
		gst.El(gst.RawCaps(size, 0)),
		// sync paces decoding to the clock so playback runs in real time
		gst.El("fdsink", "fd=1", "sync=true"),
	)
	reader := gst.NewFrameReader(gst.LaunchArgs(s.launch, elements...), size)
	if err := reader.Start(ctx); err != nil {
		cancel()
		return err
	}

	s.source = src
	s.reader = reader
	s.size = size
	s.seq = 0
	s.last = nil
	s.ended = false
	s.cancel = cancel
	s.invalidated.Store(true)

	s.log.Info().Str("path", src.Path).Int("width", size.X).Int("height", size.Y).Float64("fps", fps).Msg("Video playback started")
	return nil
}

// NativeSize returns the decoded frame size
func (s *VideoSource) NativeSize() (image.Point, error) {
	if s.reader == nil {
		return image.Point{}, ErrNotStarted
	}
	return s.size, nil
}

// AcquireNextFrame waits for the next decoded frame
func (s *VideoSource) AcquireNextFrame(timeout time.Duration) (*CapturedFrame, error) {
	if s.reader == nil {
		return nil, ErrNotStarted
	}

	var img *image.RGBA
	if !s.ended {
		next, seq, err := s.reader.Next(s.seq, timeout)
		switch {
		case errors.Is(err, gst.ErrTimeout):
		case errors.Is(err, gst.ErrClosed):
			s.ended = true
			s.log.Info().Str("path", s.source.Path).Msg("Video reached end of stream")
		case err != nil:
			return nil, err
		default:
			img, s.seq = next, seq
		}
	}

	if img == nil {
		if s.last == nil || !s.invalidated.Load() {
			if s.ended {
				s.waitIdle(timeout)
			}
			return nil, ErrWaitTimeout
		}
		img = s.last
	}
	s.last = img

	surf, err := s.textures.FromImage(img)
	if err != nil {
		return nil, err
	}
	return &CapturedFrame{Surface: surf, UpdateCount: 1, Timestamp: time.Now()}, nil
}

// WriteNextFrame draws the next decoded frame into dest
func (s *VideoSource) WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (*CapturedFrame, error) {
	if dest != s.lastDest {
		s.invalidated.Store(true)
	}
	frame, err := s.AcquireNextFrame(timeout)
	if err != nil {
		return nil, err
	}
	return s.writeFull(frame, dst, dest)
}

// StopCapture stops the decoder
func (s *VideoSource) StopCapture() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Stop()
	s.cancel()
	s.reader = nil
	s.last = nil
	return err
}
