// Package coordinator runs one capture worker per recording source and
// merges their output onto a shared canvas.
//
// Every worker draws into a buffer it owns and queues the regions it
// touched. AcquireNextFrame waits for any worker, then copies all queued
// regions onto the canvas in source order, so later sources stay on top
// where rectangles overlap.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/overlay"
	"github.com/bryanchriswhite/ScreenRecorder/internal/retry"
)

var (
	// ErrNoSources is returned when no source could be started
	ErrNoSources = errors.New("no capture sources")
	// ErrSignaled is returned by AcquireNextFrame while the error signal
	// is raised
	ErrSignaled = errors.New("capture error signaled")
	// ErrStopped is returned after StopCapture
	ErrStopped = errors.New("capture stopped")
)

// DefaultPollTimeout bounds a single source wait so workers notice
// cancellation
const DefaultPollTimeout = 100 * time.Millisecond

// SourceFactory creates an uninitialized capture source
type SourceFactory func(src config.RecordingSource) (capture.Source, error)

// Overlays draws on top of composed frames
type Overlays interface {
	Render(img *image.RGBA, info overlay.FrameInfo) error
}

// CaptureResult is the outcome of one capture worker
type CaptureResult struct {
	// Source is the index of the source in the session
	Source          int
	Err             error
	Recoverable     bool
	DeviceError     bool
	NumberOfRetries int
}

// Failed reports whether the worker stopped on an error
func (r CaptureResult) Failed() bool {
	return r.Err != nil
}

// Class returns the recovery class of the result
func (r CaptureResult) Class() retry.Class {
	switch {
	case r.DeviceError:
		return retry.RecoverableDevice
	case r.Recoverable:
		return retry.RecoverableSurface
	default:
		return retry.Fatal
	}
}

// Failure converts the result for the retry controller
func (r CaptureResult) Failure() retry.Failure {
	return retry.Failure{Source: r.Source, Err: r.Err, Class: r.Class(), Budget: r.NumberOfRetries}
}

func newResult(source int, err error, budget int) CaptureResult {
	class := retry.Classify(err)
	return CaptureResult{
		Source:          source,
		Err:             err,
		Recoverable:     class.Recoverable(),
		DeviceError:     class == retry.RecoverableDevice,
		NumberOfRetries: budget,
	}
}

// AllFatal reports whether every worker failed and none can be recovered
func AllFatal(results []CaptureResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Failed() || r.Recoverable {
			return false
		}
	}
	return true
}

// ThreadData describes one capture worker
type ThreadData struct {
	Index         int
	Source        config.RecordingSource
	Dest          image.Rectangle
	Result        CaptureResult
	LastTimestamp time.Time
	Updates       int64
}

type worker struct {
	index  int
	src    config.RecordingSource
	source capture.Source
	dest   image.Rectangle
	buffer *gfx.Surface

	// guarded by Coordinator.mu
	pending []image.Rectangle
	result  CaptureResult
	lastTs  time.Time
	updates int64
}

// Coordinator owns the capture workers of one session
type Coordinator struct {
	device   *gfx.Device
	textures *gfx.TextureManager
	factory  SourceFactory

	// PollTimeout bounds one WriteNextFrame call of a worker
	PollTimeout time.Duration
	// RetryBudget is the restart budget of sources that set none
	RetryBudget int

	mu       sync.Mutex
	workers  []*worker
	canvas   *gfx.Surface
	size     image.Point
	merged   bool
	pointer  *capture.PointerInfo
	overlays Overlays
	signal   *ErrorSignal
	update   chan struct{}
	cancel   context.CancelFunc
	wg       *conc.WaitGroup
	stopped  bool

	log *zerolog.Logger
}

// New creates a coordinator drawing with textures on device
func New(device *gfx.Device, textures *gfx.TextureManager, factory SourceFactory) *Coordinator {
	return &Coordinator{
		device:      device,
		textures:    textures,
		factory:     factory,
		PollTimeout: DefaultPollTimeout,
		RetryBudget: -1,
		update:      make(chan struct{}, 1),
		stopped:     true,
		log:         logger.WithComponent("coordinator"),
	}
}

// Layout places sources on the canvas. A source without a position goes
// to the right of the previous ones. The union is moved to the origin and
// the canvas size rounded down to even.
func Layout(sources []config.RecordingSource, natives []image.Point) ([]image.Rectangle, image.Point) {
	rects := make([]image.Rectangle, len(sources))
	var union image.Rectangle
	nextX := 0
	for i, src := range sources {
		size := natives[i]
		if src.OutputSize != nil {
			size = geometry.CompleteAspect(size, src.OutputSize.Image())
		}
		pos := image.Pt(nextX, 0)
		if src.Position != nil {
			pos = src.Position.Image()
		}
		r := image.Rectangle{Min: pos, Max: pos.Add(size)}
		rects[i] = r
		if r.Empty() {
			continue
		}
		union = union.Union(r)
		nextX = max(nextX, r.Max.X)
	}

	canvas := image.Rectangle{Max: geometry.EvenSize(union.Size())}
	for i := range rects {
		rects[i] = rects[i].Sub(union.Min).Intersect(canvas)
	}
	return rects, canvas.Max
}

// StartCapture starts one worker per enabled source. A source that fails
// to start gets a failed result, and the error signal is raised when
// that failure may be recovered. It is an error only if no source starts.
func (c *Coordinator) StartCapture(ctx context.Context, sources []config.RecordingSource, overlays Overlays, signal *ErrorSignal) error {
	c.mu.Lock()
	if !c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("capture already running")
	}
	c.mu.Unlock()

	var workers []*worker
	var natives []image.Point
	var startErr error
	started := 0
	for i, src := range sources {
		if !src.IsVideoCaptureEnabled() {
			continue
		}
		w := &worker{index: i, src: src}
		native, err := c.startSource(w)
		if err != nil {
			c.log.Error().Err(err).Str("source", src.String()).Msg("Failed to start capture source")
			w.result = newResult(i, err, src.RetryBudget(c.RetryBudget))
			if startErr == nil {
				startErr = err
			}
		} else {
			started++
		}
		workers = append(workers, w)
		natives = append(natives, native)
	}
	if started == 0 {
		c.stopSources(workers)
		// keep the start failures visible to CaptureResults
		c.mu.Lock()
		c.workers = workers
		c.mu.Unlock()
		if startErr != nil {
			return fmt.Errorf("%w: %w", ErrNoSources, startErr)
		}
		return ErrNoSources
	}

	srcs := make([]config.RecordingSource, len(workers))
	for i, w := range workers {
		srcs[i] = w.src
	}
	rects, size := Layout(srcs, natives)
	if size.X <= 0 || size.Y <= 0 {
		c.stopSources(workers)
		return fmt.Errorf("%w: empty canvas", ErrNoSources)
	}

	canvas, err := c.device.NewSurface(size)
	if err != nil {
		c.stopSources(workers)
		return err
	}
	if err := c.textures.Clear(canvas, canvas.Bounds()); err != nil {
		canvas.Release()
		c.stopSources(workers)
		return err
	}
	for i, w := range workers {
		w.dest = rects[i]
		if w.source == nil || w.dest.Empty() {
			continue
		}
		if w.buffer, err = c.device.NewSurface(w.dest.Size()); err != nil {
			canvas.Release()
			c.stopSources(workers)
			return err
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.workers = workers
	c.canvas = canvas
	c.size = size
	c.merged = false
	c.pointer = nil
	c.overlays = overlays
	c.signal = signal
	c.cancel = cancel
	c.wg = conc.NewWaitGroup()
	c.stopped = false
	select {
	case <-c.update:
	default:
	}
	c.mu.Unlock()

	recoverable := false
	for _, w := range workers {
		if w.result.Failed() {
			recoverable = recoverable || w.result.Recoverable
			continue
		}
		if w.buffer == nil {
			continue
		}
		c.wg.Go(func() { c.runWorker(wctx, w) })
	}
	if recoverable {
		signal.Set()
	}

	c.log.Info().
		Int("sources", len(workers)).
		Int("started", started).
		Int("width", size.X).
		Int("height", size.Y).
		Msg("Capture started")
	return nil
}

func (c *Coordinator) startSource(w *worker) (image.Point, error) {
	source, err := c.factory(w.src)
	if err != nil {
		return image.Point{}, err
	}
	if err := source.Initialize(c.device); err != nil {
		return image.Point{}, err
	}
	if err := source.StartCapture(w.src); err != nil {
		return image.Point{}, err
	}
	native, err := source.NativeSize()
	if err != nil {
		_ = source.StopCapture()
		return image.Point{}, err
	}
	w.source = source
	return native, nil
}

func (c *Coordinator) stopSources(workers []*worker) {
	for _, w := range workers {
		if w.source != nil {
			if err := w.source.StopCapture(); err != nil {
				c.log.Warn().Err(err).Str("source", w.src.String()).Msg("Failed to stop capture source")
			}
			w.source = nil
		}
		w.buffer.Release()
		w.buffer = nil
	}
}

// runWorker captures until ctx ends or the source fails. A panic becomes
// a fatal result.
func (c *Coordinator) runWorker(ctx context.Context, w *worker) {
	var pc panics.Catcher
	pc.Try(func() { c.captureLoop(ctx, w) })
	if r := pc.Recovered(); r != nil {
		c.fail(w, r.AsError())
	}
}

func (c *Coordinator) captureLoop(ctx context.Context, w *worker) {
	local := image.Rectangle{Max: w.dest.Size()}
	for ctx.Err() == nil {
		frame, err := w.source.WriteNextFrame(c.PollTimeout, w.buffer, local)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, capture.ErrWaitTimeout) {
			continue
		}
		if err != nil {
			c.fail(w, err)
			return
		}
		c.enqueue(w, frame)
	}
}

func (c *Coordinator) enqueue(w *worker, frame *capture.CapturedFrame) {
	c.mu.Lock()
	for _, r := range frame.Regions {
		if !r.Empty() {
			w.pending = append(w.pending, r)
		}
	}
	if frame.Pointer != nil {
		p := frame.Pointer.Clone()
		p.Position = p.Position.Add(w.dest.Min)
		c.pointer = p
	}
	w.lastTs = frame.Timestamp
	w.updates += int64(frame.UpdateCount)
	c.mu.Unlock()

	select {
	case c.update <- struct{}{}:
	default:
	}
}

func (c *Coordinator) fail(w *worker, err error) {
	result := newResult(w.index, err, w.src.RetryBudget(c.RetryBudget))
	c.mu.Lock()
	w.result = result
	signal := c.signal
	c.mu.Unlock()

	c.log.Error().
		Err(err).
		Str("source", w.src.String()).
		Bool("recoverable", result.Recoverable).
		Bool("device", result.DeviceError).
		Msg("Capture source failed")
	if signal != nil {
		signal.Set()
	}
}

// AcquireNextFrame paces the output. It first waits until wait has
// passed, then, if no worker has queued anything, up to maxWait in total
// for an update. All queued regions are then merged onto the canvas and a
// copy returned. UpdateCount is the number of merged regions, zero for a
// repeated frame. Before the first merge it fails with
// capture.ErrWaitTimeout, and while the error signal is raised with
// ErrSignaled.
func (c *Coordinator) AcquireNextFrame(ctx context.Context, wait, maxWait time.Duration) (*capture.CapturedFrame, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	signal := c.signal
	c.mu.Unlock()

	if maxWait > 0 && wait > maxWait {
		wait = maxWait
	}
	start := time.Now()
	if wait > 0 {
		if err := c.waitFor(ctx, signal, nil, wait); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	pending := c.hasPendingLocked()
	c.mu.Unlock()
	if !pending {
		if rest := maxWait - time.Since(start); rest > 0 {
			if err := c.waitFor(ctx, signal, c.update, rest); err != nil {
				return nil, err
			}
		}
	}
	if signal.IsSet() {
		return nil, ErrSignaled
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	select {
	case <-c.update:
	default:
	}
	count, err := c.mergeLocked()
	if err != nil {
		return nil, err
	}
	if count == 0 && !c.merged {
		return nil, capture.ErrWaitTimeout
	}
	c.merged = true

	cp, err := c.textures.Copy(c.canvas)
	if err != nil {
		return nil, err
	}
	return &capture.CapturedFrame{
		Surface:     cp,
		Pointer:     c.pointer.Clone(),
		UpdateCount: count,
		Timestamp:   time.Now(),
	}, nil
}

// waitFor blocks for d, or until update fires when it is not nil
func (c *Coordinator) waitFor(ctx context.Context, signal *ErrorSignal, update <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-update:
	case <-signal.Done():
		return ErrSignaled
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

func (c *Coordinator) hasPendingLocked() bool {
	for _, w := range c.workers {
		if len(w.pending) > 0 {
			return true
		}
	}
	return false
}

// mergeLocked copies every queued region to the canvas. Each region is
// repainted from all sources it intersects, in source order.
func (c *Coordinator) mergeLocked() (int, error) {
	var regions []image.Rectangle
	for _, w := range c.workers {
		for _, r := range w.pending {
			regions = append(regions, r.Add(w.dest.Min).Intersect(w.dest))
		}
		w.pending = w.pending[:0]
	}

	for _, r := range regions {
		for _, w := range c.workers {
			if w.buffer == nil {
				continue
			}
			inter := r.Intersect(w.dest)
			if inter.Empty() {
				continue
			}
			w.buffer.Lock()
			err := c.device.CopyRegion(c.canvas, inter.Min, w.buffer, inter.Sub(w.dest.Min))
			w.buffer.Unlock()
			if err != nil {
				return 0, err
			}
		}
	}
	return len(regions), nil
}

// CopyCurrentFrame returns a copy of the canvas without waiting
func (c *Coordinator) CopyCurrentFrame() (*gfx.Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	return c.textures.Copy(c.canvas)
}

// ProcessOverlays renders the session overlays onto surface
func (c *Coordinator) ProcessOverlays(surface *gfx.Surface, info overlay.FrameInfo) error {
	c.mu.Lock()
	overlays := c.overlays
	c.mu.Unlock()
	if overlays == nil || surface == nil {
		return nil
	}
	return overlays.Render(surface.Image(), info)
}

// InvalidateCaptureSources makes every source repaint on its next frame
func (c *Coordinator) InvalidateCaptureSources() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if w.source != nil {
			w.source.Invalidate()
		}
	}
}

// CaptureThreadData returns the state of every worker
func (c *Coordinator) CaptureThreadData() []ThreadData {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ThreadData, len(c.workers))
	for i, w := range c.workers {
		out[i] = ThreadData{
			Index:         w.index,
			Source:        w.src,
			Dest:          w.dest,
			Result:        w.result,
			LastTimestamp: w.lastTs,
			Updates:       w.updates,
		}
	}
	return out
}

// CaptureResults returns the result of every worker
func (c *Coordinator) CaptureResults() []CaptureResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CaptureResult, len(c.workers))
	for i, w := range c.workers {
		out[i] = w.result
		out[i].Source = w.index
		out[i].NumberOfRetries = w.src.RetryBudget(c.RetryBudget)
	}
	return out
}

// OutputSize returns the canvas size
func (c *Coordinator) OutputSize() image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Pointer returns the last known pointer in canvas coordinates
func (c *Coordinator) Pointer() *capture.PointerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pointer.Clone()
}

// StopCapture stops the workers and releases every surface. It is safe
// to call more than once.
func (c *Coordinator) StopCapture() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, wg := c.cancel, c.wg
	c.mu.Unlock()

	cancel()
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, w := range c.workers {
		if w.source != nil {
			if err := w.source.StopCapture(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", w.src.String(), err))
			}
			w.source = nil
		}
		w.buffer.Release()
		w.buffer = nil
	}
	c.canvas.Release()
	c.canvas = nil
	c.log.Info().Msg("Capture stopped")
	return errors.Join(errs...)
}
