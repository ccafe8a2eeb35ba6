// Package output turns composed frames into files and streams.
package output

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

var (
	// ErrNotStarted is returned when frames arrive before Begin
	ErrNotStarted = errors.New("encoder not started")
	// ErrUnknownFormat is returned for an unsupported container or image format
	ErrUnknownFormat = errors.New("unknown output format")
)

// FrameWriteModel is one frame handed to an encoder
type FrameWriteModel struct {
	Frame *gfx.Surface
	// Number is the zero-based index of the frame in the session
	Number int
	// Duration is how long the frame is shown
	Duration time.Duration
	// StartPos is the presentation time of the frame
	StartPos time.Duration
	// Audio is raw PCM recorded while the frame was shown
	Audio []byte
}

// Target is where an encoder writes. Exactly one of Path and Writer is set.
type Target struct {
	Path   string
	Writer io.Writer
}

func (t Target) String() string {
	if t.Writer != nil {
		return "stream"
	}
	return t.Path
}

// Encoder consumes frames at the session cadence. The media clock lives
// in the encoder so that paused time is excluded from timestamps.
type Encoder interface {
	Initialize(device *gfx.Device) error
	Begin(ctx context.Context, target Target, frameSize image.Point) error
	RenderFrame(m FrameWriteModel) error

	MediaTimestamp() time.Duration
	PauseMediaClock()
	ResumeMediaClock()
	IsMediaClockRunning() bool

	// FrameDelays maps frame numbers to how long each frame is shown.
	// Only encoders producing stills track them.
	FrameDelays() map[int]time.Duration
	Finalize() error
}

// AudioFormat describes the PCM passed in FrameWriteModel.Audio
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Options select and configure an encoder
type Options struct {
	Mode     config.RecorderMode
	Encoder  config.EncoderOptions
	Snapshot config.SnapshotOptions
	FPS      int
	// Audio is nil when no audio is recorded
	Audio *AudioFormat
	Fs    afero.Fs
	// Broadcaster receives every encoded frame, if set
	Broadcaster *Broadcaster
	Now         func() time.Time
}

// New creates the encoder for a recorder mode and container format
func New(opts Options) (Encoder, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	switch opts.Mode {
	case config.ModeSlideshow:
		return NewImageEncoder(opts.Fs, opts.Snapshot.Format, false, opts.Now), nil
	case config.ModeScreenshot:
		return NewImageEncoder(opts.Fs, opts.Snapshot.Format, true, opts.Now), nil
	}

	switch strings.ToLower(opts.Encoder.Format) {
	case "mjpeg", "mjpg":
		return NewMJPEGEncoder(opts), nil
	case "mp4", "mkv":
		return NewGstEncoder(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Encoder.Format)
	}
}

// Extension returns the file extension, without dot, an encoder in this
// mode writes
func Extension(mode config.RecorderMode, opts config.EncoderOptions, snapshot config.SnapshotOptions) string {
	switch mode {
	case config.ModeSlideshow, config.ModeScreenshot:
		return imageExtension(snapshot.Format)
	}
	switch f := strings.ToLower(opts.Format); f {
	case "mjpg":
		return "mjpeg"
	case "":
		return "mp4"
	default:
		return f
	}
}
