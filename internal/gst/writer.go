package gst

import (
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// FrameWriter feeds raw RGBA frames into a pipeline starting with
// "fdsrc fd=0"
type FrameWriter struct {
	argv []string
	size image.Point
	log  *zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames int64
}

// NewFrameWriter prepares a writer for argv consuming frames of size
func NewFrameWriter(argv []string, size image.Point) *FrameWriter {
	return &FrameWriter{
		argv: argv,
		size: size,
		log:  logger.WithComponent("gst-writer"),
	}
}

// Start launches the subprocess
func (w *FrameWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd != nil {
		return fmt.Errorf("pipeline already running")
	}
	if len(w.argv) == 0 {
		return fmt.Errorf("empty pipeline command")
	}

	cmd := exec.CommandContext(ctx, w.argv[0], w.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", w.argv[0], err)
	}
	go logStderr(w.log, stderr)

	w.cmd = cmd
	w.stdin = stdin
	w.log.Debug().Strs("argv", w.argv).Int("pid", cmd.Process.Pid).Msg("GStreamer encoder started")
	return nil
}

// WriteFrame writes one frame. img must have the configured size.
func (w *FrameWriter) WriteFrame(img *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stdin == nil {
		return ErrClosed
	}
	if img.Rect.Size() != w.size {
		return fmt.Errorf("frame size %v does not match pipeline size %v", img.Rect.Size(), w.size)
	}

	row := w.size.X * 4
	if img.Stride == row {
		if _, err := w.stdin.Write(img.Pix[:row*w.size.Y]); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
	} else {
		for y := 0; y < w.size.Y; y++ {
			off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
			if _, err := w.stdin.Write(img.Pix[off : off+row]); err != nil {
				return fmt.Errorf("%w: %v", ErrClosed, err)
			}
		}
	}
	w.frames++
	return nil
}

// Frames returns the number of frames written
func (w *FrameWriter) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close sends EOS by closing stdin and waits for the muxer to finish
func (w *FrameWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil {
		return nil
	}
	w.stdin.Close()
	err := w.cmd.Wait()
	w.cmd = nil
	w.stdin = nil
	if err != nil {
		return fmt.Errorf("encoder exited: %w", err)
	}
	w.log.Debug().Int64("frames", w.frames).Msg("GStreamer encoder finished")
	return nil
}
