package coordinator

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/overlay"
)

var errPanic = errors.New("panic please")

// fakeSource paints its color into dest for every value sent on frames,
// or fails with a non-nil one
type fakeSource struct {
	native   image.Point
	color    color.RGBA
	frames   chan error
	startErr error

	invalidated atomic.Int32
	stopped     atomic.Bool
}

func newFake(w, h int, c color.RGBA) *fakeSource {
	return &fakeSource{native: image.Pt(w, h), color: c, frames: make(chan error, 4)}
}

func (f *fakeSource) Name() string                              { return "fake" }
func (f *fakeSource) Initialize(*gfx.Device) error              { return nil }
func (f *fakeSource) StartCapture(config.RecordingSource) error { return f.startErr }
func (f *fakeSource) NativeSize() (image.Point, error)          { return f.native, nil }
func (f *fakeSource) Invalidate()                               { f.invalidated.Add(1) }

func (f *fakeSource) StopCapture() error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeSource) AcquireNextFrame(time.Duration) (*capture.CapturedFrame, error) {
	return nil, capture.ErrUnsupported
}

func (f *fakeSource) WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (*capture.CapturedFrame, error) {
	select {
	case err := <-f.frames:
		if errors.Is(err, errPanic) {
			panic("source exploded")
		}
		if err != nil {
			return nil, err
		}
		dst.Lock()
		draw.Draw(dst.Image(), dest, image.NewUniform(f.color), image.Point{}, draw.Src)
		dst.Unlock()
		return &capture.CapturedFrame{
			UpdateCount: 1,
			Regions:     []image.Rectangle{dest},
			Pointer:     &capture.PointerInfo{Position: image.Pt(1, 1), Visible: true},
			Timestamp:   time.Now(),
		}, nil
	case <-time.After(timeout):
		return nil, capture.ErrWaitTimeout
	}
}

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func startFakes(t *testing.T, sources []config.RecordingSource, fakes ...*fakeSource) (*Coordinator, *gfx.Device, *ErrorSignal) {
	t.Helper()
	d, err := gfx.NewDevice()
	if err != nil {
		t.Fatal(err)
	}
	next := 0
	factory := func(config.RecordingSource) (capture.Source, error) {
		f := fakes[next]
		next++
		return f, nil
	}
	c := New(d, gfx.NewTextureManager(d, gfx.InterpolationNearest), factory)
	c.PollTimeout = 10 * time.Millisecond
	signal := NewErrorSignal()
	if err := c.StartCapture(context.Background(), sources, nil, signal); err != nil {
		t.Fatalf("StartCapture() error = %v", err)
	}
	t.Cleanup(func() { _ = c.StopCapture() })
	return c, d, signal
}

// acquireUpdate acquires until a frame with updates arrives
func acquireUpdate(t *testing.T, c *Coordinator) *capture.CapturedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := c.AcquireNextFrame(context.Background(), 0, 100*time.Millisecond)
		if errors.Is(err, capture.ErrWaitTimeout) {
			continue
		}
		if err != nil {
			t.Fatalf("AcquireNextFrame() error = %v", err)
		}
		if frame.UpdateCount > 0 {
			return frame
		}
		frame.Release()
	}
	t.Fatal("no update within 2s")
	return nil
}

func TestLayout(t *testing.T) {
	tests := []struct {
		name    string
		sources []config.RecordingSource
		natives []image.Point
		want    []image.Rectangle
		canvas  image.Point
	}{
		{
			name:    "side by side",
			sources: []config.RecordingSource{{}, {}},
			natives: []image.Point{{100, 50}, {60, 80}},
			want:    []image.Rectangle{image.Rect(0, 0, 100, 50), image.Rect(100, 0, 160, 80)},
			canvas:  image.Pt(160, 80),
		},
		{
			name: "negative positions move to origin",
			sources: []config.RecordingSource{
				{Position: &config.Point{X: -1920, Y: 0}},
				{Position: &config.Point{X: 0, Y: 0}},
			},
			natives: []image.Point{{1920, 1080}, {1280, 1024}},
			want:    []image.Rectangle{image.Rect(0, 0, 1920, 1080), image.Rect(1920, 0, 3200, 1024)},
			canvas:  image.Pt(3200, 1080),
		},
		{
			name:    "odd canvas is made even",
			sources: []config.RecordingSource{{}},
			natives: []image.Point{{101, 51}},
			want:    []image.Rectangle{image.Rect(0, 0, 100, 50)},
			canvas:  image.Pt(100, 50),
		},
		{
			name:    "output size with one dimension keeps aspect",
			sources: []config.RecordingSource{{OutputSize: &config.Size{Width: 400}}},
			natives: []image.Point{{800, 600}},
			want:    []image.Rectangle{image.Rect(0, 0, 400, 300)},
			canvas:  image.Pt(400, 300),
		},
		{
			name:    "failed source without size takes no room",
			sources: []config.RecordingSource{{}, {}},
			natives: []image.Point{{}, {64, 32}},
			want:    []image.Rectangle{{}, image.Rect(0, 0, 64, 32)},
			canvas:  image.Pt(64, 32),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rects, canvas := Layout(tt.sources, tt.natives)
			if canvas != tt.canvas {
				t.Errorf("canvas = %v, want %v", canvas, tt.canvas)
			}
			if canvas.X%2 != 0 || canvas.Y%2 != 0 {
				t.Errorf("canvas %v is not even", canvas)
			}
			for i := range tt.want {
				if !rects[i].Eq(tt.want[i]) {
					t.Errorf("rect %d = %v, want %v", i, rects[i], tt.want[i])
				}
			}
		})
	}
}

func TestErrorSignal(t *testing.T) {
	s := NewErrorSignal()
	before := s.Done()
	if s.IsSet() {
		t.Fatal("new signal is set")
	}
	s.Set()
	s.Set()
	select {
	case <-before:
	default:
		t.Fatal("Done() not closed after Set()")
	}
	// manual reset: stays set until Reset
	if !s.IsSet() {
		t.Fatal("signal cleared itself")
	}
	s.Reset()
	if s.IsSet() {
		t.Fatal("signal still set after Reset()")
	}
	select {
	case <-s.Done():
		t.Fatal("Done() closed after Reset()")
	default:
	}
}

func TestAllFatal(t *testing.T) {
	fatal := CaptureResult{Err: capture.ErrSourceUnavailable}
	recoverable := CaptureResult{Err: capture.ErrAccessLost, Recoverable: true}
	ok := CaptureResult{}

	tests := []struct {
		name    string
		results []CaptureResult
		want    bool
	}{
		{"none", nil, false},
		{"all fatal", []CaptureResult{fatal, fatal}, true},
		{"one recoverable", []CaptureResult{fatal, recoverable}, false},
		{"one running", []CaptureResult{fatal, ok}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllFatal(tt.results); got != tt.want {
				t.Errorf("AllFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoordinatorMergesSources(t *testing.T) {
	a, b := newFake(4, 4, red), newFake(6, 4, blue)
	c, _, _ := startFakes(t, []config.RecordingSource{{}, {}}, a, b)

	if got := c.OutputSize(); got != image.Pt(10, 4) {
		t.Fatalf("OutputSize() = %v", got)
	}
	if _, err := c.AcquireNextFrame(context.Background(), 0, 20*time.Millisecond); !errors.Is(err, capture.ErrWaitTimeout) {
		t.Fatalf("AcquireNextFrame() before any frame = %v, want ErrWaitTimeout", err)
	}

	a.frames <- nil
	frame := acquireUpdate(t, c)
	if got := frame.Surface.Image().RGBAAt(1, 1); got != red {
		t.Errorf("source 0 pixel = %v", got)
	}
	if got := frame.Surface.Image().RGBAAt(5, 1); got != (color.RGBA{A: 255}) {
		t.Errorf("source 1 pixel before its first frame = %v, want black", got)
	}
	frame.Release()

	b.frames <- nil
	frame = acquireUpdate(t, c)
	if got := frame.Surface.Image().RGBAAt(5, 1); got != blue {
		t.Errorf("source 1 pixel = %v", got)
	}
	if frame.Pointer == nil || frame.Pointer.Position != image.Pt(5, 1) {
		t.Errorf("pointer = %+v, want (5,1) in canvas space", frame.Pointer)
	}
	frame.Release()

	// nothing new: the frame repeats
	frame, err := c.AcquireNextFrame(context.Background(), 0, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireNextFrame() = %v", err)
	}
	if frame.UpdateCount != 0 {
		t.Errorf("UpdateCount = %d, want 0 for a repeated frame", frame.UpdateCount)
	}
	frame.Release()

	data := c.CaptureThreadData()
	if len(data) != 2 || data[1].Updates != 1 || data[1].Dest != image.Rect(4, 0, 10, 4) {
		t.Errorf("CaptureThreadData() = %+v", data)
	}
}

func TestCoordinatorKeepsSourceOrder(t *testing.T) {
	a, b := newFake(4, 4, red), newFake(4, 4, blue)
	sources := []config.RecordingSource{
		{Position: &config.Point{X: 0, Y: 0}},
		{Position: &config.Point{X: 2, Y: 0}},
	}
	c, _, _ := startFakes(t, sources, a, b)

	b.frames <- nil
	acquireUpdate(t, c).Release()
	a.frames <- nil
	frame := acquireUpdate(t, c)
	defer frame.Release()

	if got := frame.Surface.Image().RGBAAt(1, 1); got != red {
		t.Errorf("pixel only under source 0 = %v", got)
	}
	// source 1 overlaps source 0 and stays on top
	if got := frame.Surface.Image().RGBAAt(3, 1); got != blue {
		t.Errorf("overlapped pixel = %v, want source 1", got)
	}
}

func TestCoordinatorFailureSignals(t *testing.T) {
	a, b := newFake(4, 4, red), newFake(4, 4, blue)
	retries := 5
	sources := []config.RecordingSource{{}, {Retries: &retries}}
	c, _, signal := startFakes(t, sources, a, b)

	b.frames <- capture.ErrAccessLost
	select {
	case <-signal.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("error signal not raised")
	}

	if _, err := c.AcquireNextFrame(context.Background(), time.Millisecond, time.Second); !errors.Is(err, ErrSignaled) {
		t.Errorf("AcquireNextFrame() = %v, want ErrSignaled", err)
	}

	results := c.CaptureResults()
	if results[0].Failed() {
		t.Errorf("healthy source reports %v", results[0].Err)
	}
	r := results[1]
	if !r.Failed() || !r.Recoverable || r.DeviceError || r.NumberOfRetries != 5 || r.Source != 1 {
		t.Errorf("failed result = %+v", r)
	}
	if AllFatal(results) {
		t.Error("AllFatal() with a healthy source")
	}
	if f := r.Failure(); f.Budget != 5 || !f.Class.Recoverable() {
		t.Errorf("Failure() = %+v", f)
	}
}

func TestCoordinatorAllFatal(t *testing.T) {
	a, b := newFake(4, 4, red), newFake(4, 4, blue)
	c, _, signal := startFakes(t, []config.RecordingSource{{}, {}}, a, b)

	a.frames <- capture.ErrSourceUnavailable
	b.frames <- errPanic

	deadline := time.After(2 * time.Second)
	for !AllFatal(c.CaptureResults()) {
		select {
		case <-deadline:
			t.Fatalf("results = %+v", c.CaptureResults())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !signal.IsSet() {
		t.Error("signal not set")
	}
	if !errors.Is(c.CaptureResults()[0].Err, capture.ErrSourceUnavailable) {
		t.Errorf("first error = %v", c.CaptureResults()[0].Err)
	}
}

func TestCoordinatorStartFailures(t *testing.T) {
	t.Run("one source fails", func(t *testing.T) {
		a, b := newFake(4, 4, red), newFake(4, 4, blue)
		b.startErr = capture.ErrSourceUnavailable
		c, _, signal := startFakes(t, []config.RecordingSource{{}, {}}, a, b)

		if got := c.OutputSize(); got != image.Pt(4, 4) {
			t.Errorf("OutputSize() = %v", got)
		}
		if !c.CaptureResults()[1].Failed() {
			t.Error("start failure not reported")
		}
		if signal.IsSet() {
			t.Error("a fatal start failure must not raise the signal")
		}
	})

	t.Run("recoverable failure raises the signal", func(t *testing.T) {
		a, b := newFake(4, 4, red), newFake(4, 4, blue)
		b.startErr = capture.ErrAccessLost
		_, _, signal := startFakes(t, []config.RecordingSource{{}, {}}, a, b)
		if !signal.IsSet() {
			t.Error("signal not raised")
		}
	})

	t.Run("all fail", func(t *testing.T) {
		d, _ := gfx.NewDevice()
		a := newFake(4, 4, red)
		a.startErr = capture.ErrSourceUnavailable
		c := New(d, gfx.NewTextureManager(d, gfx.InterpolationNearest), func(config.RecordingSource) (capture.Source, error) { return a, nil })
		err := c.StartCapture(context.Background(), []config.RecordingSource{{}}, nil, NewErrorSignal())
		if !errors.Is(err, ErrNoSources) || !errors.Is(err, capture.ErrSourceUnavailable) {
			t.Fatalf("StartCapture() = %v", err)
		}
		if !AllFatal(c.CaptureResults()) {
			t.Error("start failures not visible in CaptureResults()")
		}
		if _, err := c.AcquireNextFrame(context.Background(), time.Millisecond, time.Millisecond); !errors.Is(err, ErrStopped) {
			t.Errorf("AcquireNextFrame() = %v, want ErrStopped", err)
		}
	})
}

type countingOverlay struct{ frames []int }

func (o *countingOverlay) Render(img *image.RGBA, info overlay.FrameInfo) error {
	o.frames = append(o.frames, info.Number)
	img.SetRGBA(0, 0, blue)
	return nil
}

func TestCoordinatorStopReleases(t *testing.T) {
	a := newFake(8, 8, red)
	d, _ := gfx.NewDevice()
	c := New(d, gfx.NewTextureManager(d, gfx.InterpolationNearest), func(config.RecordingSource) (capture.Source, error) { return a, nil })
	c.PollTimeout = 5 * time.Millisecond
	ov := &countingOverlay{}
	if err := c.StartCapture(context.Background(), []config.RecordingSource{{}}, ov, NewErrorSignal()); err != nil {
		t.Fatal(err)
	}

	a.frames <- nil
	frame := acquireUpdate(t, c)
	if err := c.ProcessOverlays(frame.Surface, overlay.FrameInfo{Number: 7}); err != nil {
		t.Fatal(err)
	}
	if len(ov.frames) != 1 || ov.frames[0] != 7 || frame.Surface.Image().RGBAAt(0, 0) != blue {
		t.Errorf("overlay not applied: %v", ov.frames)
	}
	frame.Release()

	snap, err := c.CopyCurrentFrame()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Image().RGBAAt(0, 0) != red {
		t.Error("overlay leaked into the canvas")
	}
	snap.Release()

	c.InvalidateCaptureSources()
	if a.invalidated.Load() != 1 {
		t.Error("source not invalidated")
	}

	if err := c.StopCapture(); err != nil {
		t.Fatal(err)
	}
	if err := c.StopCapture(); err != nil {
		t.Errorf("second StopCapture() = %v", err)
	}
	if !a.stopped.Load() {
		t.Error("source not stopped")
	}
	if n := d.LiveSurfaces(); n != 0 {
		t.Errorf("%d surfaces leaked", n)
	}
}
