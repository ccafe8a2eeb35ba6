package output

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

const boundary = "frame"

// partHeader carries the timing of one frame in a multipart part
type partHeader struct {
	start    time.Duration
	duration time.Duration
}

func writePart(w io.Writer, jpegData []byte, h *partHeader) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n", boundary, len(jpegData)); err != nil {
		return err
	}
	if h != nil {
		if _, err := fmt.Fprintf(w, "X-Timestamp: %d\r\nX-Duration: %d\r\n", h.start.Microseconds(), h.duration.Microseconds()); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// MJPEGEncoder writes a multipart Motion JPEG file or stream. Every part
// carries X-Timestamp and X-Duration headers in microseconds. Audio goes
// to a WAV file next to the video.
type MJPEGEncoder struct {
	*MediaClock
	fs          afero.Fs
	quality     int
	audio       *AudioFormat
	broadcaster *Broadcaster
	log         *zerolog.Logger

	w      io.Writer
	file   afero.File
	wav    *wavWriter
	size   image.Point
	frames int
}

// NewMJPEGEncoder creates an encoder from opts
func NewMJPEGEncoder(opts Options) *MJPEGEncoder {
	quality := opts.Encoder.Quality
	if quality <= 0 || quality > 100 {
		quality = JPEGQuality
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &MJPEGEncoder{
		MediaClock:  NewMediaClock(opts.Now),
		fs:          fs,
		quality:     quality,
		audio:       opts.Audio,
		broadcaster: opts.Broadcaster,
		log:         logger.WithComponent("mjpeg"),
	}
}

// Initialize is a no-op, JPEG encoding happens on the CPU
func (e *MJPEGEncoder) Initialize(*gfx.Device) error {
	return nil
}

// Begin opens the target and starts the media clock
func (e *MJPEGEncoder) Begin(_ context.Context, target Target, frameSize image.Point) error {
	if target.Writer != nil {
		e.w = target.Writer
	} else {
		f, err := e.fs.Create(target.Path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", target.Path, err)
		}
		e.file, e.w = f, f
		if e.audio != nil {
			if e.wav, err = newWAVWriter(e.fs, sidecarPath(target.Path), *e.audio); err != nil {
				f.Close()
				return err
			}
		}
	}
	e.size = frameSize
	e.frames = 0
	e.StartMediaClock()
	e.log.Info().
		Str("target", target.String()).
		Int("width", frameSize.X).
		Int("height", frameSize.Y).
		Bool("audio", e.wav != nil).
		Msg("MJPEG encoder started")
	return nil
}

// RenderFrame encodes one frame
func (e *MJPEGEncoder) RenderFrame(m FrameWriteModel) error {
	if e.w == nil {
		return ErrNotStarted
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, m.Frame.Image(), &jpeg.Options{Quality: e.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	if err := writePart(e.w, buf.Bytes(), &partHeader{start: m.StartPos, duration: m.Duration}); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", m.Number, err)
	}
	if e.wav != nil && len(m.Audio) > 0 {
		if err := e.wav.Write(m.Audio); err != nil {
			return err
		}
	}
	if e.broadcaster != nil {
		e.broadcaster.Publish(buf.Bytes())
	}
	e.frames++
	return nil
}

// FrameDelays is nil, a video has no per-frame delays
func (e *MJPEGEncoder) FrameDelays() map[int]time.Duration {
	return nil
}

// Finalize writes the closing boundary and closes the outputs
func (e *MJPEGEncoder) Finalize() error {
	if e.w == nil {
		return ErrNotStarted
	}
	e.PauseMediaClock()

	var errs []error
	if _, err := fmt.Fprintf(e.w, "--%s--\r\n", boundary); err != nil {
		errs = append(errs, err)
	}
	if e.wav != nil {
		if err := e.wav.Close(); err != nil {
			errs = append(errs, err)
		}
		e.wav = nil
	}
	if e.file != nil {
		if err := e.file.Close(); err != nil {
			errs = append(errs, err)
		}
		e.file = nil
	}
	e.w = nil

	e.log.Info().Int("frames", e.frames).Dur("duration", e.MediaTimestamp()).Msg("MJPEG encoder finalized")
	return joinErrors("finalize mjpeg", errs)
}
