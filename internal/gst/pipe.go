// Package gst drives GStreamer pipelines through gst-launch-1.0
// subprocesses. Raw RGBA frames travel over the child's stdin and stdout,
// which keeps cgo out of the process.
package gst

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// DefaultLaunch is the launcher binary used when none is configured
const DefaultLaunch = "gst-launch-1.0"

var (
	// ErrTimeout means no new frame arrived in time
	ErrTimeout = errors.New("gst: timeout waiting for frame")
	// ErrClosed means the pipeline exited or was stopped
	ErrClosed = errors.New("gst: pipeline closed")
)

// Element is one pipeline element: its factory name followed by properties
// or a caps string. Every entry becomes a single argument, so property
// values such as paths need no quoting.
type Element []string

// El builds an element
func El(name string, props ...string) Element {
	return append(Element{name}, props...)
}

// LaunchArgs builds a gst-launch command line linking elements in order
func LaunchArgs(launch string, elements ...Element) []string {
	if launch == "" {
		launch = DefaultLaunch
	}
	args := []string{launch, "-q"}
	for i, e := range elements {
		if i > 0 {
			args = append(args, "!")
		}
		args = append(args, e...)
	}
	return args
}

// Location renders a location property
func Location(path string) string {
	return "location=" + path
}

// RawCaps is the caps filter for the frame format exchanged with the pipeline
func RawCaps(size image.Point, fps int) string {
	caps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", size.X, size.Y)
	if fps > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", fps)
	}
	return caps
}

// FrameReader reads fixed-size RGBA frames from a pipeline ending in
// "fdsink fd=1". Only the most recent frame is kept.
type FrameReader struct {
	argv []string
	size image.Point
	log  *zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	cmd     *exec.Cmd
	latest  *image.RGBA
	seq     uint64
	err     error
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFrameReader prepares a reader for argv producing frames of size
func NewFrameReader(argv []string, size image.Point) *FrameReader {
	r := &FrameReader{
		argv: argv,
		size: size,
		log:  logger.WithComponent("gst-reader"),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Size returns the frame size
func (r *FrameReader) Size() image.Point {
	return r.size
}

// Start launches the subprocess
func (r *FrameReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("pipeline already running")
	}
	if len(r.argv) == 0 {
		return fmt.Errorf("empty pipeline command")
	}
	if r.size.X <= 0 || r.size.Y <= 0 {
		return fmt.Errorf("invalid frame size %v", r.size)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w", r.argv[0], err)
	}

	r.cmd = cmd
	r.cancel = cancel
	r.running = true
	r.err = nil
	r.done = make(chan struct{})

	go r.readFrames(stdout)
	go logStderr(r.log, stderr)

	r.log.Debug().Strs("argv", r.argv).Int("pid", cmd.Process.Pid).Msg("GStreamer subprocess started")
	return nil
}

func (r *FrameReader) readFrames(stdout io.Reader) {
	defer close(r.done)

	frameSize := r.size.X * r.size.Y * 4
	reader := bufio.NewReaderSize(stdout, frameSize)

	var err error
	for {
		img := image.NewRGBA(image.Rectangle{Max: r.size})
		if _, err = io.ReadFull(reader, img.Pix); err != nil {
			break
		}
		r.mu.Lock()
		r.latest = img
		r.seq++
		r.mu.Unlock()
		r.cond.Broadcast()
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.cond.Broadcast()
	r.log.Debug().Err(err).Msg("GStreamer frame reader finished")
}

// Next waits up to timeout for a frame newer than after and returns it
// together with its sequence number. Frames must be treated as read-only.
func (r *FrameReader) Next(after uint64, timeout time.Duration) (*image.RGBA, uint64, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		// taking the lock orders the wakeup after a waiter parked in Wait
		r.mu.Lock()
		r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.seq <= after {
		if r.err != nil {
			return nil, r.seq, r.err
		}
		if !r.running {
			return nil, r.seq, ErrClosed
		}
		if !time.Now().Before(deadline) {
			return nil, r.seq, ErrTimeout
		}
		r.cond.Wait()
	}
	return r.latest, r.seq, nil
}

// Stop kills the subprocess and waits for it to exit
func (r *FrameReader) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cmd, cancel, done := r.cmd, r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	cmd.Wait()
	r.cond.Broadcast()
	r.log.Debug().Msg("GStreamer subprocess stopped")
	return nil
}

// logStderr forwards the child's diagnostics to the log
func logStderr(log *zerolog.Logger, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}
