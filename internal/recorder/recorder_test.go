package recorder

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/audio"
	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/coordinator"
	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/mouse"
	"github.com/bryanchriswhite/ScreenRecorder/internal/output"
)

var red = color.RGBA{R: 255, A: 255}

// fakeSource paints a solid frame every couple of milliseconds. With
// failAfter >= 0 it fails with failErr once that many frames were written.
// An idle source never produces frames.
type fakeSource struct {
	native    image.Point
	failAfter int
	failErr   error
	idle      bool

	written     int
	invalidated atomic.Int32
	device      atomic.Pointer[gfx.Device]
}

func (f *fakeSource) Name() string                              { return "fake" }
func (f *fakeSource) StartCapture(config.RecordingSource) error { return nil }
func (f *fakeSource) NativeSize() (image.Point, error)          { return f.native, nil }
func (f *fakeSource) Invalidate()                               { f.invalidated.Add(1) }
func (f *fakeSource) StopCapture() error                        { return nil }

func (f *fakeSource) Initialize(d *gfx.Device) error {
	f.device.Store(d)
	return nil
}

func (f *fakeSource) AcquireNextFrame(time.Duration) (*capture.CapturedFrame, error) {
	return nil, capture.ErrUnsupported
}

func (f *fakeSource) WriteNextFrame(timeout time.Duration, dst *gfx.Surface, dest image.Rectangle) (*capture.CapturedFrame, error) {
	if f.idle {
		time.Sleep(timeout)
		return nil, capture.ErrWaitTimeout
	}
	if f.failAfter >= 0 && f.written >= f.failAfter {
		return nil, f.failErr
	}
	time.Sleep(2 * time.Millisecond)
	f.written++
	dst.Lock()
	draw.Draw(dst.Image(), dest, image.NewUniform(red), image.Point{}, draw.Src)
	dst.Unlock()
	return &capture.CapturedFrame{
		UpdateCount: 1,
		Regions:     []image.Rectangle{dest},
		Timestamp:   time.Now(),
	}, nil
}

// sources hands out a new fake per capture start, built by build
type sources struct {
	mu    sync.Mutex
	fakes []*fakeSource
	build func(n int) *fakeSource
}

func (s *sources) factory(config.RecordingSource) (capture.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.build(len(s.fakes))
	s.fakes = append(s.fakes, f)
	return f, nil
}

func (s *sources) created() []*fakeSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeSource(nil), s.fakes...)
}

func healthy(int) *fakeSource {
	return &fakeSource{native: image.Pt(64, 48), failAfter: -1}
}

type fakeEncoder struct {
	*output.MediaClock

	mu          sync.Mutex
	devices     []*gfx.Device
	target      output.Target
	size        image.Point
	frames      []output.FrameWriteModel
	finalized   bool
	finalizeErr error
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{MediaClock: output.NewMediaClock(nil)}
}

func (e *fakeEncoder) Initialize(d *gfx.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = append(e.devices, d)
	return nil
}

func (e *fakeEncoder) Begin(_ context.Context, target output.Target, size image.Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target, e.size = target, size
	e.StartMediaClock()
	return nil
}

func (e *fakeEncoder) RenderFrame(m output.FrameWriteModel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m.Frame.Size() != e.size {
		return errors.New("frame size changed")
	}
	m.Frame = nil
	e.frames = append(e.frames, m)
	return nil
}

func (e *fakeEncoder) FrameDelays() map[int]time.Duration {
	return nil
}

func (e *fakeEncoder) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = true
	return e.finalizeErr
}

func (e *fakeEncoder) written() []output.FrameWriteModel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]output.FrameWriteModel(nil), e.frames...)
}

func (e *fakeEncoder) initialized() []*gfx.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*gfx.Device(nil), e.devices...)
}

// events collects callback invocations
type events struct {
	mu        sync.Mutex
	statuses  []Status
	completed []string
	failed    []string
	snapshots []string
	frames    atomic.Int32
}

func (ev *events) callbacks() Callbacks {
	return Callbacks{
		OnStatusChanged: func(s Status) {
			ev.mu.Lock()
			defer ev.mu.Unlock()
			ev.statuses = append(ev.statuses, s)
		},
		OnFrameNumberChanged: func(int, time.Duration, image.Image) { ev.frames.Add(1) },
		OnComplete: func(path string, _ map[int]time.Duration) {
			ev.mu.Lock()
			defer ev.mu.Unlock()
			ev.completed = append(ev.completed, path)
		},
		OnFailed: func(msg, _ string) {
			ev.mu.Lock()
			defer ev.mu.Unlock()
			ev.failed = append(ev.failed, msg)
		},
		OnSnapshotCreated: func(path string) {
			ev.mu.Lock()
			defer ev.mu.Unlock()
			ev.snapshots = append(ev.snapshots, path)
		},
	}
}

func (ev *events) get() (statuses []Status, completed, failed, snapshots []string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]Status(nil), ev.statuses...),
		append([]string(nil), ev.completed...),
		append([]string(nil), ev.failed...),
		append([]string(nil), ev.snapshots...)
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Sources = []config.RecordingSource{{Type: config.SourceImage, Path: "fake.png"}}
	cfg.Output.FPS = 50
	cfg.Output.MaxFrameLength = 50 * time.Millisecond
	cfg.Output.Interpolation = string(gfx.InterpolationNearest)
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Snapshot.Directory = "/snapshots"
	return cfg
}

type harness struct {
	rec     *Recorder
	enc     *fakeEncoder
	sources *sources
	events  *events
	fs      afero.Fs
}

func newHarness(t *testing.T, cfg *config.Config, build func(int) *fakeSource) *harness {
	t.Helper()
	h := &harness{
		enc:     newFakeEncoder(),
		sources: &sources{build: build},
		events:  &events{},
		fs:      afero.NewMemMapFs(),
	}
	h.rec = New(cfg, Deps{
		Sources:    h.sources.factory,
		NewEncoder: func(output.Options) (output.Encoder, error) { return h.enc, nil },
		NewAudio:   func(config.AudioOptions) (audio.Source, error) { return nil, nil },
		Fs:         h.fs,
	}, h.events.callbacks())
	t.Cleanup(func() { _ = h.rec.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusIdle, "idle"},
		{StatusRecording, "recording"},
		{StatusPaused, "paused"},
		{StatusFinalizing, "finalizing"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestFrameTimingAudioOffset(t *testing.T) {
	format := &audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	pcm := func(d time.Duration) []byte { return make([]byte, format.Bytes(d)) }
	ms := time.Millisecond

	var timing frameTiming
	steps := []struct {
		dur          time.Duration
		pcm          []byte
		wantDuration time.Duration
		wantStart    time.Duration
	}{
		// 10ms more audio than video: the frame is stretched
		{20 * ms, pcm(30 * ms), 30 * ms, 0},
		// the offset carries over to later frames
		{20 * ms, pcm(20 * ms), 20 * ms, 30 * ms},
		{20 * ms, nil, 20 * ms, 50 * ms},
		// less audio than video shortens the frame
		{20 * ms, pcm(15 * ms), 15 * ms, 70 * ms},
		{20 * ms, pcm(20 * ms), 20 * ms, 85 * ms},
	}
	for i, st := range steps {
		duration, start := timing.advance(st.dur, st.pcm, format)
		if duration != st.wantDuration || start != st.wantStart {
			t.Errorf("step %d: advance() = %v, %v, want %v, %v", i, duration, start, st.wantDuration, st.wantStart)
		}
	}

	var plain frameTiming
	for i := 0; i < 3; i++ {
		if d, s := plain.advance(33*ms, nil, nil); d != 33*ms || s != time.Duration(i)*33*ms {
			t.Errorf("frame %d without audio = %v, %v", i, d, s)
		}
	}
}

func TestFrameTimingUntilNext(t *testing.T) {
	timing := frameTiming{lastStart: 100 * time.Millisecond}
	tests := []struct {
		now  time.Duration
		want time.Duration
	}{
		{100 * time.Millisecond, 20 * time.Millisecond},
		{110 * time.Millisecond, 10 * time.Millisecond},
		{150 * time.Millisecond, 0},
	}
	for _, tt := range tests {
		if got := timing.untilNext(tt.now, 20*time.Millisecond); got != tt.want {
			t.Errorf("untilNext(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

// testSession builds a session around a started coordinator without a
// frame loop
func testSession(t *testing.T, cfg *config.Config, native image.Point) (*session, pipeline) {
	t.Helper()
	rec := New(cfg, Deps{
		Sources: func(config.RecordingSource) (capture.Source, error) {
			return &fakeSource{native: native, idle: true}, nil
		},
		NewAudio: func(config.AudioOptions) (audio.Source, error) { return nil, nil },
		Fs:       afero.NewMemMapFs(),
	}, Callbacks{})
	mh, err := mouse.New(cfg.Mouse, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := &session{
		r:       rec,
		cfg:     cfg,
		log:     rec.log,
		ctx:     context.Background(),
		signal:  coordinator.NewErrorSignal(),
		encoder: newFakeEncoder(),
		mouse:   mh,
	}
	p, err := s.newPipeline()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.coord.StartCapture(context.Background(), cfg.Sources, nil, s.signal); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.coord.StopCapture() })
	return s, p
}

func TestInitializeRects(t *testing.T) {
	tests := []struct {
		name       string
		native     image.Point
		sourceRect *config.Rect
		frameSize  config.Size
		wantInput  image.Rectangle
		wantOutput image.Point
	}{
		{"canvas", image.Pt(800, 600), nil, config.Size{}, image.Rect(0, 0, 800, 600), image.Pt(800, 600)},
		{"odd canvas", image.Pt(801, 601), nil, config.Size{}, image.Rect(0, 0, 800, 600), image.Pt(800, 600)},
		{"odd source rect", image.Pt(800, 600), &config.Rect{Left: 11, Top: 10, Right: 312, Bottom: 211}, config.Size{},
			image.Rect(11, 10, 311, 210), image.Pt(300, 200)},
		{"frame size", image.Pt(800, 600), nil, config.Size{Width: 1921, Height: 1081}, image.Rect(0, 0, 800, 600), image.Pt(1920, 1080)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Output.SourceRect = tt.sourceRect
			cfg.Output.FrameSize = tt.frameSize
			s, p := testSession(t, cfg, tt.native)
			s.initializeRects(&p, false)
			if p.input != tt.wantInput || p.output != tt.wantOutput {
				t.Errorf("initializeRects() = %v, %v, want %v, %v", p.input, p.output, tt.wantInput, tt.wantOutput)
			}
			for _, v := range []int{p.input.Dx(), p.input.Dy(), p.output.X, p.output.Y} {
				if v%2 != 0 {
					t.Errorf("odd value %d in %v, %v", v, p.input, p.output)
				}
			}

			// a restart keeps the encoder frame size
			p.output = image.Pt(640, 480)
			s.initializeRects(&p, true)
			if p.output != image.Pt(640, 480) {
				t.Errorf("restart changed the output size to %v", p.output)
			}
		})
	}
}

func TestProcessLetterboxes(t *testing.T) {
	cfg := testConfig()
	cfg.Output.FrameSize = config.Size{Width: 1920, Height: 1080}
	cfg.Output.Stretch = geometry.StretchUniform
	s, p := testSession(t, cfg, image.Pt(800, 600))
	s.initializeRects(&p, false)

	src, err := p.device.NewSurface(image.Pt(800, 600))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Release()
	draw.Draw(src.Image(), src.Bounds(), image.NewUniform(red), image.Point{}, draw.Src)

	out, err := s.process(p, src, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()
	if out.Size() != image.Pt(1920, 1080) {
		t.Fatalf("output size = %v", out.Size())
	}
	img := out.Image()
	tests := []struct {
		x, y int
		want color.RGBA
	}{
		{239, 540, color.RGBA{A: 255}},
		{240, 540, red},
		{1679, 540, red},
		{1680, 540, color.RGBA{A: 255}},
		{960, 0, red},
		{960, 1079, red},
	}
	for _, tt := range tests {
		if got := img.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestProcessCropsToSourceRect(t *testing.T) {
	cfg := testConfig()
	cfg.Output.SourceRect = &config.Rect{Left: 10, Top: 10, Right: 30, Bottom: 20}
	s, p := testSession(t, cfg, image.Pt(64, 48))
	s.initializeRects(&p, false)

	src, err := p.device.NewSurface(image.Pt(64, 48))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Release()
	src.Image().SetRGBA(10, 10, red)

	out, err := s.process(p, src, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()
	if out.Size() != image.Pt(20, 10) {
		t.Fatalf("output size = %v, want the source rect", out.Size())
	}
	if got := out.Image().RGBAAt(0, 0); got != red {
		t.Errorf("pixel (0,0) = %v, want the source rect origin", got)
	}
}

func TestRecorderLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(), healthy)

	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatalf("BeginRecording() error = %v", err)
	}
	if got := h.rec.Status(); got != StatusRecording {
		t.Fatalf("Status() = %v", got)
	}
	waitFor(t, "frames", func() bool { return len(h.enc.written()) >= 3 })

	if err := h.rec.EndRecording(); err != nil {
		t.Fatalf("EndRecording() error = %v", err)
	}
	h.rec.Wait()

	statuses, completed, failed, _ := h.events.get()
	want := []Status{StatusRecording, StatusFinalizing, StatusIdle}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses = %v, want %v", statuses, want)
		}
	}
	if len(failed) != 0 || len(completed) != 1 || completed[0] != "/out/rec.mjpeg" {
		t.Errorf("completed = %v, failed = %v", completed, failed)
	}
	if !h.enc.finalized {
		t.Error("encoder not finalized")
	}
	if h.enc.size != image.Pt(64, 48) {
		t.Errorf("frame size = %v", h.enc.size)
	}

	frames := h.enc.written()
	for i, f := range frames {
		if f.Number != i {
			t.Errorf("frame %d has number %d", i, f.Number)
		}
		if i > 0 && f.StartPos != frames[i-1].StartPos+frames[i-1].Duration {
			t.Errorf("frame %d starts at %v, previous ended at %v", i, f.StartPos, frames[i-1].StartPos+frames[i-1].Duration)
		}
	}
	if got := int(h.events.frames.Load()); got != len(frames) {
		t.Errorf("frame callbacks = %d, want %d", got, len(frames))
	}
	if h.rec.Status() != StatusIdle {
		t.Errorf("Status() = %v after the session", h.rec.Status())
	}
}

func TestBeginWhileRecording(t *testing.T) {
	h := newHarness(t, testConfig(), healthy)
	if err := h.rec.BeginRecording("/out/a.mjpeg"); err != nil {
		t.Fatal(err)
	}
	if err := h.rec.BeginRecording("/out/b.mjpeg"); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second BeginRecording() = %v, want ErrAlreadyRecording", err)
	}
	if _, _, failed, _ := h.events.get(); len(failed) != 1 {
		t.Errorf("OnFailed calls = %v", failed)
	}

	if err := h.rec.PauseRecording(); err != nil {
		t.Fatal(err)
	}
	if err := h.rec.PauseRecording(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("PauseRecording() while paused = %v", err)
	}
	// begin on a paused session resumes it
	if err := h.rec.BeginRecording("/out/b.mjpeg"); err != nil {
		t.Errorf("BeginRecording() while paused = %v", err)
	}
	if got := h.rec.Status(); got != StatusRecording {
		t.Errorf("Status() = %v, want recording", got)
	}
	fakes := h.sources.created()
	if len(fakes) != 1 || fakes[0].invalidated.Load() == 0 {
		t.Error("resume did not invalidate the sources")
	}
}

func TestPauseStopsFrames(t *testing.T) {
	h := newHarness(t, testConfig(), healthy)
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames", func() bool { return len(h.enc.written()) >= 2 })

	if err := h.rec.PauseRecording(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "paused clock", func() bool { return !h.enc.IsMediaClockRunning() })
	paused := len(h.enc.written())
	ts := h.enc.MediaTimestamp()
	time.Sleep(60 * time.Millisecond)
	if got := len(h.enc.written()); got != paused {
		t.Errorf("%d frames written while paused", got-paused)
	}
	if got := h.enc.MediaTimestamp(); got != ts {
		t.Errorf("media clock advanced while paused: %v -> %v", ts, got)
	}

	if err := h.rec.ResumeRecording(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames after resume", func() bool { return len(h.enc.written()) > paused+1 })
	if err := h.rec.ResumeRecording(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResumeRecording() while recording = %v", err)
	}
}

func TestControlWhileIdle(t *testing.T) {
	h := newHarness(t, testConfig(), healthy)
	if _, err := h.rec.TakeSnapshot(""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("TakeSnapshot() = %v, want ErrInvalidState", err)
	}
	if err := h.rec.PauseRecording(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("PauseRecording() = %v, want ErrInvalidState", err)
	}
	if err := h.rec.ResumeRecording(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResumeRecording() = %v, want ErrInvalidState", err)
	}
	if err := h.rec.EndRecording(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("EndRecording() = %v, want ErrInvalidState", err)
	}
}

func TestBeginWithoutSources(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = nil
	h := newHarness(t, cfg, healthy)
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); !errors.Is(err, ErrNoSources) {
		t.Errorf("BeginRecording() = %v, want ErrNoSources", err)
	}
	if _, _, failed, _ := h.events.get(); len(failed) != 1 {
		t.Errorf("OnFailed calls = %v", failed)
	}
}

func TestTakeSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), healthy)
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames", func() bool { return len(h.enc.written()) >= 1 })

	path, err := h.rec.TakeSnapshot("")
	if err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	if !strings.HasPrefix(path, "/snapshots/") || !strings.HasSuffix(path, ".png") {
		t.Errorf("snapshot path = %q", path)
	}
	if ok, _ := afero.Exists(h.fs, path); !ok {
		t.Errorf("%s not written", path)
	}

	if err := h.rec.PauseRecording(); err != nil {
		t.Fatal(err)
	}
	path, err = h.rec.TakeSnapshot("/shots/paused.jpg")
	if err != nil {
		t.Fatalf("TakeSnapshot() while paused error = %v", err)
	}
	if path != "/shots/paused.jpg" {
		t.Errorf("snapshot path = %q", path)
	}
	if _, _, _, snapshots := h.events.get(); len(snapshots) != 2 {
		t.Errorf("OnSnapshotCreated calls = %v", snapshots)
	}
}

func TestSnapshotDefaultsBesideOutput(t *testing.T) {
	cfg := testConfig()
	cfg.Snapshot.Directory = ""
	h := newHarness(t, cfg, healthy)
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames", func() bool { return len(h.enc.written()) >= 1 })

	path, err := h.rec.TakeSnapshot("")
	if err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	if filepath.Dir(path) != "/out/rec" {
		t.Errorf("snapshot path = %q, want it under /out/rec", path)
	}
	if ok, _ := afero.Exists(h.fs, path); !ok {
		t.Errorf("%s not written", path)
	}
}

func TestScreenshotMode(t *testing.T) {
	cfg := testConfig()
	cfg.Output.Mode = config.ModeScreenshot
	h := newHarness(t, cfg, healthy)
	if err := h.rec.BeginRecording("/out/shot.png"); err != nil {
		t.Fatal(err)
	}
	h.rec.Wait()
	if got := len(h.enc.written()); got != 1 {
		t.Errorf("frames = %d, want 1", got)
	}
	if _, completed, _, _ := h.events.get(); len(completed) != 1 {
		t.Errorf("completed = %v", completed)
	}
}

func TestAllFatalEndsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = append(cfg.Sources, config.RecordingSource{Type: config.SourceImage, Path: "other.png"})
	h := newHarness(t, cfg, func(int) *fakeSource {
		return &fakeSource{native: image.Pt(32, 32), failAfter: 2, failErr: capture.ErrSourceUnavailable}
	})
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	h.rec.Wait()

	_, completed, failed, _ := h.events.get()
	if len(completed) != 0 || len(failed) != 1 {
		t.Fatalf("completed = %v, failed = %v", completed, failed)
	}
	if !strings.Contains(failed[0], capture.ErrSourceUnavailable.Error()) {
		t.Errorf("failure = %q", failed[0])
	}
	if got := len(h.sources.created()); got != 2 {
		t.Errorf("%d sources created, want no restart", got)
	}
}

func TestStartFailureFinalizes(t *testing.T) {
	h := newHarness(t, testConfig(), healthy)
	h.rec = New(testConfig(), Deps{
		Sources: func(config.RecordingSource) (capture.Source, error) {
			return nil, capture.ErrSourceUnavailable
		},
		NewEncoder: func(output.Options) (output.Encoder, error) { return h.enc, nil },
		NewAudio:   func(config.AudioOptions) (audio.Source, error) { return nil, nil },
		Fs:         h.fs,
	}, h.events.callbacks())

	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	h.rec.Wait()

	statuses, completed, failed, _ := h.events.get()
	want := []Status{StatusRecording, StatusFinalizing, StatusIdle}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses = %v, want %v", statuses, want)
		}
	}
	if len(completed) != 0 || len(failed) != 1 {
		t.Errorf("completed = %v, failed = %v", completed, failed)
	}
	if h.enc.finalized {
		t.Error("encoder finalized although it never began")
	}
}

func TestRecoverableFailureRestarts(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, func(n int) *fakeSource {
		if n == 0 {
			return &fakeSource{native: image.Pt(64, 48), failAfter: 2, failErr: capture.ErrAccessLost}
		}
		return healthy(n)
	})
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "restart", func() bool { return len(h.sources.created()) == 2 })
	before := len(h.enc.written())
	waitFor(t, "frames after restart", func() bool { return len(h.enc.written()) > before+2 })

	fakes := h.sources.created()
	if fakes[0].device.Load() != fakes[1].device.Load() {
		t.Error("surface loss recreated the device")
	}
	if err := h.rec.EndRecording(); err != nil {
		t.Fatal(err)
	}
	h.rec.Wait()
	if _, completed, failed, _ := h.events.get(); len(completed) != 1 || len(failed) != 0 {
		t.Errorf("completed = %v, failed = %v", completed, failed)
	}
}

func TestDeviceLossRecreatesDevice(t *testing.T) {
	h := newHarness(t, testConfig(), func(n int) *fakeSource {
		if n == 0 {
			return &fakeSource{native: image.Pt(64, 48), failAfter: 1, failErr: gfx.ErrDeviceRemoved}
		}
		return healthy(n)
	})
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "restart", func() bool { return len(h.sources.created()) == 2 })
	waitFor(t, "encoder reinitialized", func() bool { return len(h.enc.initialized()) == 2 })

	fakes := h.sources.created()
	if fakes[0].device.Load() == fakes[1].device.Load() {
		t.Error("device not recreated")
	}
	devices := h.enc.initialized()
	if devices[1] != fakes[1].device.Load() {
		t.Error("encoder not bound to the new device")
	}
	if devices[0].Err() == nil {
		t.Error("old device still open")
	}
}

func TestRetryBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Retries = 2
	h := newHarness(t, cfg, func(int) *fakeSource {
		return &fakeSource{native: image.Pt(64, 48), failAfter: 0, failErr: capture.ErrAccessLost}
	})
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	h.rec.Wait()

	_, completed, failed, _ := h.events.get()
	if len(completed) != 0 || len(failed) != 1 {
		t.Fatalf("completed = %v, failed = %v", completed, failed)
	}
	if !strings.Contains(failed[0], "retry budget exceeded") {
		t.Errorf("failure = %q", failed[0])
	}
	// the first start and two restarts
	if got := len(h.sources.created()); got != 3 {
		t.Errorf("%d sources created, want 3", got)
	}
}

func TestCloseSkipsCallbacks(t *testing.T) {
	h := newHarness(t, testConfig(), healthy)
	if err := h.rec.BeginRecording("/out/rec.mjpeg"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames", func() bool { return len(h.enc.written()) >= 1 })
	if err := h.rec.Close(); err != nil {
		t.Fatal(err)
	}
	if _, completed, failed, _ := h.events.get(); len(completed) != 0 || len(failed) != 0 {
		t.Errorf("completed = %v, failed = %v after Close", completed, failed)
	}
	if !h.enc.finalized {
		t.Error("Close() did not finalize the output")
	}
	if err := h.rec.BeginRecording("/out/again.mjpeg"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("BeginRecording() after Close = %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/videos", 0755); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		mode config.RecorderMode
		dest string
		want string
	}{
		{"file", config.ModeVideo, "/videos/clip.mp4", "/videos/clip.mp4"},
		{"directory", config.ModeVideo, "/videos", "/videos/2024-05-01_12-30-45.000.mp4"},
		{"default directory", config.ModeVideo, "", "/videos/2024-05-01_12-30-45.000.mp4"},
		{"slideshow directory", config.ModeSlideshow, "/videos", "/videos/2024-05-01_12-30-45.000"},
		{"screenshot", config.ModeScreenshot, "/videos", "/videos/2024-05-01_12-30-45.000.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Output.Mode = tt.mode
			cfg.Output.Directory = "/videos"
			rec := New(cfg, Deps{Fs: fs, Now: func() time.Time { return now }}, Callbacks{})
			got, err := rec.resolvePath(cfg, tt.dest)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("resolvePath(%q) = %q, want %q", tt.dest, got, tt.want)
			}
		})
	}
}
