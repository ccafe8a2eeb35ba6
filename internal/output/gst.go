package output

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gst"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// frameSink is the consuming end of an encoding pipeline
type frameSink interface {
	Start(ctx context.Context) error
	WriteFrame(img *image.RGBA) error
	Close() error
}

// GstEncoder pipes raw frames into an x264 pipeline. The pipeline runs at
// a constant rate, so a frame shown for several intervals is written
// several times.
type GstEncoder struct {
	*MediaClock
	fs      afero.Fs
	launch  string
	format  string
	bitrate int
	fps     int
	audio   *AudioFormat
	log     *zerolog.Logger

	newSink func(argv []string, size image.Point) frameSink

	sink    frameSink
	wav     *wavWriter
	written int
}

// NewGstEncoder creates an encoder from opts
func NewGstEncoder(opts Options) *GstEncoder {
	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &GstEncoder{
		MediaClock: NewMediaClock(opts.Now),
		fs:         fs,
		launch:     opts.Encoder.GstLaunch,
		format:     opts.Encoder.Format,
		bitrate:    opts.Encoder.Bitrate,
		fps:        fps,
		audio:      opts.Audio,
		log:        logger.WithComponent("gst-encoder"),
		newSink: func(argv []string, size image.Point) frameSink {
			return gst.NewFrameWriter(argv, size)
		},
	}
}

// Initialize is a no-op, encoding happens in the subprocess
func (e *GstEncoder) Initialize(*gfx.Device) error {
	return nil
}

// PipelineArgs returns the gst-launch command line for a recording
func (e *GstEncoder) PipelineArgs(path string, size image.Point) []string {
	mux := gst.El("mp4mux")
	if e.format == "mkv" {
		mux = gst.El("matroskamux")
	}
	encoder := gst.El("x264enc", "speed-preset=veryfast", "tune=zerolatency")
	if e.bitrate > 0 {
		encoder = append(encoder, "bitrate="+strconv.Itoa(e.bitrate))
	}
	return gst.LaunchArgs(e.launch,
		gst.El("fdsrc", "fd=0"),
		gst.El("rawvideoparse", "format=rgba",
			fmt.Sprintf("width=%d", size.X),
			fmt.Sprintf("height=%d", size.Y),
			fmt.Sprintf("framerate=%d/1", e.fps)),
		gst.El("videoconvert"),
		encoder,
		gst.El("h264parse"),
		mux,
		gst.El("filesink", gst.Location(path)),
	)
}

// Begin starts the pipeline and the media clock
func (e *GstEncoder) Begin(ctx context.Context, target Target, frameSize image.Point) error {
	if target.Writer != nil {
		return fmt.Errorf("%s output needs a file path", e.format)
	}
	sink := e.newSink(e.PipelineArgs(target.Path, frameSize), frameSize)
	if err := sink.Start(ctx); err != nil {
		return err
	}
	if e.audio != nil {
		wav, err := newWAVWriter(e.fs, sidecarPath(target.Path), *e.audio)
		if err != nil {
			_ = sink.Close()
			return err
		}
		e.wav = wav
	}
	e.sink = sink
	e.written = 0
	e.StartMediaClock()
	e.log.Info().Str("path", target.Path).Int("fps", e.fps).Msg("GStreamer encoder started")
	return nil
}

func (e *GstEncoder) interval() time.Duration {
	return time.Second / time.Duration(e.fps)
}

// RenderFrame writes the frame once per pipeline interval it covers
func (e *GstEncoder) RenderFrame(m FrameWriteModel) error {
	if e.sink == nil {
		return ErrNotStarted
	}
	img := m.Frame.Image()
	end := m.StartPos + m.Duration
	due := int((end + e.interval()/2) / e.interval())
	// every rendered frame is shown at least once
	due = max(due, e.written+1)
	for ; e.written < due; e.written++ {
		if err := e.sink.WriteFrame(img); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", m.Number, err)
		}
	}
	if e.wav != nil && len(m.Audio) > 0 {
		if err := e.wav.Write(m.Audio); err != nil {
			return err
		}
	}
	return nil
}

// FrameDelays is nil, a video has no per-frame delays
func (e *GstEncoder) FrameDelays() map[int]time.Duration {
	return nil
}

// Finalize closes the pipeline input and waits for the muxer to finish
func (e *GstEncoder) Finalize() error {
	if e.sink == nil {
		return ErrNotStarted
	}
	e.PauseMediaClock()

	var errs []error
	if err := e.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	e.sink = nil
	if e.wav != nil {
		if err := e.wav.Close(); err != nil {
			errs = append(errs, err)
		}
		e.wav = nil
	}
	e.log.Info().Int("frames", e.written).Dur("duration", e.MediaTimestamp()).Msg("GStreamer encoder finalized")
	return joinErrors("finalize gst", errs)
}
