package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/bryanchriswhite/ScreenRecorder/internal/audio"
	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/coordinator"
	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/mouse"
	"github.com/bryanchriswhite/ScreenRecorder/internal/output"
	"github.com/bryanchriswhite/ScreenRecorder/internal/retry"
)

// pausedPoll is how often a paused session without preview checks for
// resume and cancellation
const pausedPoll = 10 * time.Millisecond

// sessionResult is what a finished session reports to the recorder
type sessionResult struct {
	path   string
	delays map[int]time.Duration
	frames int
	err    error
}

// pipeline is the graphics state of a session. It is replaced as a whole
// when the device is recreated.
type pipeline struct {
	device   *gfx.Device
	textures *gfx.TextureManager
	coord    *coordinator.Coordinator
	// input is the part of the canvas recorded, output the encoded size
	input  image.Rectangle
	output image.Point
}

// session is one recording, from BeginRecording until the output is
// finalized
type session struct {
	id     string
	r      *Recorder
	cfg    *config.Config
	target output.Target
	log    *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	paused atomic.Bool

	signal    *coordinator.ErrorSignal
	retry     *retry.Controller
	encoder   output.Encoder
	audio     audio.Source
	format    *audio.Format
	mouse     *mouse.Handler
	snapshots *conc.WaitGroup

	// mu guards pipe. The session goroutine is the only writer.
	mu   sync.RWMutex
	pipe pipeline

	frames atomic.Int64

	// owned by the session goroutine
	pointer *capture.PointerInfo
	begun   bool
}

func newSession(r *Recorder, cfg *config.Config, target output.Target) (*session, error) {
	mh, err := mouse.New(cfg.Mouse, r.deps.Now)
	if err != nil {
		return nil, err
	}
	src, err := r.deps.NewAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	var format *audio.Format
	var encAudio *output.AudioFormat
	if src != nil {
		f := src.Format()
		format = &f
		encAudio = &output.AudioFormat{SampleRate: f.SampleRate, Channels: f.Channels, BitsPerSample: f.BitsPerSample}
	}
	enc, err := r.deps.NewEncoder(output.Options{
		Mode:        cfg.Output.Mode,
		Encoder:     cfg.Encoder,
		Snapshot:    cfg.Snapshot,
		FPS:         cfg.Output.FPS,
		Audio:       encAudio,
		Fs:          r.deps.Fs,
		Broadcaster: r.deps.Broadcaster,
		Now:         r.deps.Now,
	})
	if err != nil {
		if src != nil {
			src.Close()
		}
		return nil, err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        id,
		r:         r,
		cfg:       cfg,
		target:    target,
		log:       logger.WithSession("session", id),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		signal:    coordinator.NewErrorSignal(),
		retry:     retry.NewController(cfg.Retry),
		encoder:   enc,
		audio:     src,
		format:    format,
		mouse:     mh,
		snapshots: conc.NewWaitGroup(),
	}, nil
}

func (s *session) pipeline() pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipe
}

func (s *session) invalidate() {
	if coord := s.pipeline().coord; coord != nil {
		coord.InvalidateCaptureSources()
	}
}

// frameInterval is the nominal frame duration of the session mode
func (s *session) frameInterval() time.Duration {
	if s.cfg.Output.Mode == config.ModeSlideshow {
		return s.cfg.Snapshot.Interval
	}
	return s.cfg.Output.FrameInterval()
}

func (s *session) newCoordinator(device *gfx.Device, textures *gfx.TextureManager) *coordinator.Coordinator {
	c := coordinator.New(device, textures, s.r.deps.Sources)
	c.RetryBudget = s.cfg.Retry.Retries
	return c
}

func (s *session) newPipeline() (pipeline, error) {
	device, err := gfx.NewDevice()
	if err != nil {
		return pipeline{}, err
	}
	textures := gfx.NewTextureManager(device, gfx.Interpolation(s.cfg.Output.Interpolation))
	return pipeline{
		device:   device,
		textures: textures,
		coord:    s.newCoordinator(device, textures),
	}, nil
}

// initializeRects derives the input rectangle and the output size from
// the canvas. After a restart only the input changes; the encoder keeps
// its frame size.
func (s *session) initializeRects(p *pipeline, restart bool) {
	var sourceRect image.Rectangle
	if s.cfg.Output.SourceRect != nil {
		sourceRect = s.cfg.Output.SourceRect.Image()
	}
	input, out := geometry.AdjustRects(p.coord.OutputSize(), sourceRect, s.cfg.Output.FrameSize.Image())
	p.input = input
	if !restart {
		p.output = out
	}
	s.log.Debug().
		Str("input", input.String()).
		Str("output", p.output.String()).
		Bool("restart", restart).
		Msg("Frame rects initialized")
}

func (s *session) start() error {
	p, err := s.newPipeline()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()

	if s.sources() == 0 {
		return ErrNoSources
	}
	if err := p.coord.StartCapture(s.ctx, s.cfg.Sources, s.r.deps.Overlays, s.signal); err != nil {
		return err
	}
	s.initializeRects(&p, false)
	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()

	if err := s.encoder.Initialize(p.device); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	// the encoder outlives the session context until it is finalized
	if err := s.encoder.Begin(context.WithoutCancel(s.ctx), s.target, p.output); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	s.begun = true

	if s.audio != nil {
		if err := s.audio.Start(); err != nil {
			return fmt.Errorf("audio: %w", err)
		}
	}
	return nil
}

func (s *session) sources() int {
	n := 0
	for _, src := range s.cfg.Sources {
		if src.IsVideoCaptureEnabled() {
			n++
		}
	}
	return n
}

// run records until the session ends and finalizes the output
func (s *session) run() sessionResult {
	err := s.start()
	if err == nil {
		err = s.loop()
	}
	if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
		err = nil
	}
	return s.finish(err)
}

func (s *session) finish(loopErr error) sessionResult {
	s.cancel()
	s.snapshots.Wait()

	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close audio capture")
		}
	}
	s.mu.Lock()
	if s.pipe.coord != nil {
		if err := s.pipe.coord.StopCapture(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to stop capture")
		}
	}
	s.mu.Unlock()

	res := sessionResult{err: loopErr, frames: int(s.frames.Load())}
	s.r.setStatus(StatusFinalizing)
	if s.begun {
		if err := s.encoder.Finalize(); err != nil {
			s.log.Error().Err(err).Msg("Failed to finalize output")
			if res.err == nil {
				res.err = err
			}
		} else {
			res.path = s.target.Path
			res.delays = s.encoder.FrameDelays()
		}
	}

	s.mu.Lock()
	if s.pipe.device != nil {
		s.pipe.device.Close()
	}
	s.mu.Unlock()
	return res
}

// loop is the frame loop. It returns ctx.Err() when the session is ended.
func (s *session) loop() error {
	frameDur := s.frameInterval()
	var timing frameTiming
	lastSnapshot := s.r.deps.Now()

	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		if s.signal.IsSet() {
			if err := s.handleSignal(); err != nil {
				return err
			}
			continue
		}

		if s.paused.Load() {
			s.encoder.PauseMediaClock()
			if s.audio != nil {
				s.audio.ClearRecordedBytes()
			}
			lastSnapshot = s.r.deps.Now()
			if err := s.pausedFrame(frameDur); err != nil {
				return err
			}
			continue
		}
		if !s.encoder.IsMediaClockRunning() {
			s.encoder.ResumeMediaClock()
		}

		p := s.pipeline()
		wait := timing.untilNext(s.encoder.MediaTimestamp(), frameDur)
		if s.frames.Load() == 0 {
			wait = 0
		}
		frame, err := p.coord.AcquireNextFrame(s.ctx, wait, s.cfg.Output.MaxFrameLength)
		switch {
		case errors.Is(err, coordinator.ErrSignaled), errors.Is(err, capture.ErrWaitTimeout):
			continue
		case err != nil:
			return err
		}
		if frame.UpdateCount > 0 {
			s.retry.NoteFrame(frame.UpdateCount)
		}
		if frame.Pointer != nil {
			s.pointer = frame.Pointer
		}
		if err := s.ctx.Err(); err != nil {
			frame.Release()
			return err
		}
		// paused while waiting for the frame
		if s.paused.Load() {
			frame.Release()
			continue
		}

		dur := s.encoder.MediaTimestamp() - timing.lastStart
		err = s.writeFrame(p, frame.Surface, dur, &timing)
		frame.Release()
		if err != nil {
			return err
		}

		if s.cfg.Output.Mode == config.ModeScreenshot {
			return nil
		}
		if s.cfg.Output.Mode == config.ModeVideo && s.cfg.Snapshot.WithVideo && s.cfg.Snapshot.Interval > 0 {
			if now := s.r.deps.Now(); now.Sub(lastSnapshot) >= s.cfg.Snapshot.Interval {
				lastSnapshot = now
				s.snapshots.Go(s.periodicSnapshot)
			}
		}
	}
}

// pausedFrame keeps the preview alive while paused
func (s *session) pausedFrame(frameDur time.Duration) error {
	if !s.previewActive() {
		return sleep(s.ctx, pausedPoll)
	}
	p := s.pipeline()
	frame, err := p.coord.AcquireNextFrame(s.ctx, 0, frameDur)
	switch {
	case errors.Is(err, coordinator.ErrSignaled), errors.Is(err, capture.ErrWaitTimeout):
		return nil
	case err != nil:
		return err
	}
	if frame.Pointer != nil {
		s.pointer = frame.Pointer
	}
	processed, err := s.process(p, frame.Surface, s.pointer, int(s.frames.Load()))
	frame.Release()
	if err != nil {
		return err
	}
	if preview := s.preview(p, processed); preview != nil {
		s.publishPreview(preview)
	}
	processed.Release()
	return sleep(s.ctx, frameDur)
}

func (s *session) writeFrame(p pipeline, src *gfx.Surface, dur time.Duration, timing *frameTiming) error {
	n := int(s.frames.Load())
	processed, err := s.process(p, src, s.pointer, n)
	if err != nil {
		return err
	}
	defer processed.Release()

	var pcm []byte
	if s.audio != nil {
		if pcm, err = s.audio.GrabAudioFrame(dur); err != nil {
			s.log.Warn().Err(err).Msg("Failed to grab audio")
		}
	}
	duration, start := timing.advance(dur, pcm, s.format)

	if err := s.encoder.RenderFrame(output.FrameWriteModel{
		Frame:    processed,
		Number:   n,
		Duration: duration,
		StartPos: start,
		Audio:    pcm,
	}); err != nil {
		return fmt.Errorf("render frame %d: %w", n, err)
	}
	s.frames.Add(1)

	var preview image.Image
	if s.previewActive() {
		preview = s.preview(p, processed)
		s.publishPreview(preview)
	}
	s.r.cb.frameNumberChanged(n+1, start, preview)
	return nil
}

// handleSignal reacts to a raised error signal. A nil return means the
// loop may continue. The signal is lowered before the results are read so
// that a failure reported meanwhile raises it again.
func (s *session) handleSignal() error {
	s.signal.Reset()
	results := s.pipeline().coord.CaptureResults()
	if coordinator.AllFatal(results) {
		first := results[0]
		s.log.Error().Err(first.Err).Int("source", first.Source).Msg("All capture sources failed")
		return &retry.FatalError{Source: first.Source, Class: retry.Fatal, Err: first.Err}
	}

	for _, res := range results {
		if !res.Failed() || !res.Recoverable {
			continue
		}
		err := s.retry.Recover(s.ctx, res.Failure(), s)
		var fatal *retry.FatalError
		switch {
		case err == nil:
			s.log.Info().Int("source", res.Source).Msg("Capture restarted")
		case errors.As(err, &fatal):
			return err
		case s.ctx.Err() != nil:
			return s.ctx.Err()
		default:
			s.log.Warn().Err(err).Int("source", res.Source).Msg("Capture restart failed")
			s.signal.Set()
		}
		return nil
	}
	// only fatal failures while other sources still run
	return nil
}

// StopCapture stops the capture workers before a restart
func (s *session) StopCapture() error {
	return s.pipeline().coord.StopCapture()
}

// RecreateDevice replaces the graphics device and everything allocated
// from it
func (s *session) RecreateDevice(context.Context) error {
	old := s.pipeline()
	if err := old.coord.StopCapture(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to stop capture on the lost device")
	}

	p, err := s.newPipeline()
	if err != nil {
		return err
	}
	p.input, p.output = old.input, old.output

	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()
	old.device.Close()

	if err := s.encoder.Initialize(p.device); err != nil {
		return err
	}
	s.mouse.Reset()
	s.log.Info().Uint64("device", p.device.ID()).Msg("Graphics device recreated")
	return nil
}

// RestartCapture starts the workers again and re-derives the input rect
func (s *session) RestartCapture(ctx context.Context) error {
	s.signal.Reset()
	p := s.pipeline()
	if err := p.coord.StartCapture(ctx, s.cfg.Sources, s.r.deps.Overlays, s.signal); err != nil {
		return err
	}
	s.initializeRects(&p, true)
	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()
	s.pointer = nil
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
