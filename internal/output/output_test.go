package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }

func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestMediaClock(t *testing.T) {
	clk := &fakeNow{t: time.Unix(100, 0)}
	c := NewMediaClock(clk.now)

	if c.IsMediaClockRunning() || c.MediaTimestamp() != 0 {
		t.Fatal("new clock should be stopped at zero")
	}
	c.StartMediaClock()
	clk.advance(2 * time.Second)
	if got := c.MediaTimestamp(); got != 2*time.Second {
		t.Errorf("MediaTimestamp() = %v, want 2s", got)
	}

	c.PauseMediaClock()
	c.PauseMediaClock()
	clk.advance(10 * time.Second)
	if got := c.MediaTimestamp(); got != 2*time.Second {
		t.Errorf("paused MediaTimestamp() = %v, want 2s", got)
	}

	c.ResumeMediaClock()
	clk.advance(500 * time.Millisecond)
	if got := c.MediaTimestamp(); got != 2500*time.Millisecond {
		t.Errorf("resumed MediaTimestamp() = %v, want 2.5s", got)
	}
	c.ResumeMediaClock()
	if got := c.MediaTimestamp(); got != 2500*time.Millisecond {
		t.Errorf("double resume moved the clock to %v", got)
	}
}

func testSurface(t *testing.T, w, h int, c color.RGBA) *gfx.Surface {
	t.Helper()
	d, err := gfx.NewDevice()
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	s, err := d.Wrap(img)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWriteImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	tests := []struct {
		path    string
		magic   []byte
		wantErr bool
	}{
		{"/out/a.png", []byte("\x89PNG"), false},
		{"/out/a.jpg", []byte{0xff, 0xd8}, false},
		{"/out/a.JPEG", []byte{0xff, 0xd8}, false},
		{"/out/a.bmp", []byte("BM"), false},
		{"/out/a.tiff", []byte("II*\x00"), false},
		{"/out/a.xyz", nil, true},
		{"/out/noext", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			err := WriteImage(fs, tt.path, img)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownFormat) {
					t.Errorf("WriteImage() = %v, want ErrUnknownFormat", err)
				}
				if ok, _ := afero.Exists(fs, tt.path); ok {
					t.Error("failed write left a file behind")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			data, _ := afero.ReadFile(fs, tt.path)
			if !bytes.HasPrefix(data, tt.magic) {
				t.Errorf("file starts with %x", data[:min(len(data), 4)])
			}
		})
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		mode   config.RecorderMode
		format string
		still  string
		want   string
	}{
		{config.ModeVideo, "mp4", "png", "mp4"},
		{config.ModeVideo, "MJPG", "png", "mjpeg"},
		{config.ModeVideo, "", "png", "mp4"},
		{config.ModeScreenshot, "mp4", "jpeg", "jpg"},
		{config.ModeSlideshow, "mp4", "", "png"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.format, func(t *testing.T) {
			got := Extension(tt.mode, config.EncoderOptions{Format: tt.format}, config.SnapshotOptions{Format: tt.still})
			if got != tt.want {
				t.Errorf("Extension() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewEncoder(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		want    string
		wantErr bool
	}{
		{"mjpeg", Options{Mode: config.ModeVideo, Encoder: config.EncoderOptions{Format: "mjpeg"}}, "*output.MJPEGEncoder", false},
		{"mkv", Options{Mode: config.ModeVideo, Encoder: config.EncoderOptions{Format: "mkv"}}, "*output.GstEncoder", false},
		{"slideshow", Options{Mode: config.ModeSlideshow}, "*output.ImageEncoder", false},
		{"unknown", Options{Mode: config.ModeVideo, Encoder: config.EncoderOptions{Format: "avi"}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := New(tt.opts)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownFormat) {
					t.Errorf("New() error = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := fmt.Sprintf("%T", enc); got != tt.want {
				t.Errorf("New() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMJPEGEncoderFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := &fakeNow{t: time.Unix(0, 0)}
	b := NewBroadcaster()
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	enc := NewMJPEGEncoder(Options{
		Fs:          fs,
		Audio:       &AudioFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16},
		Broadcaster: b,
		Now:         clk.now,
	})

	if err := enc.RenderFrame(FrameWriteModel{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("RenderFrame() before Begin = %v", err)
	}
	if err := enc.Begin(context.Background(), Target{Path: "/rec.mjpeg"}, image.Pt(8, 8)); err != nil {
		t.Fatal(err)
	}
	if !enc.IsMediaClockRunning() {
		t.Error("Begin() did not start the media clock")
	}

	frame := testSurface(t, 8, 8, color.RGBA{R: 200, A: 255})
	pcm := make([]byte, 1920) // 10ms of 48kHz stereo s16
	for i := 0; i < 3; i++ {
		m := FrameWriteModel{
			Frame:    frame,
			Number:   i,
			StartPos: time.Duration(i) * 33 * time.Millisecond,
			Duration: 33 * time.Millisecond,
			Audio:    pcm,
		}
		if err := enc.RenderFrame(m); err != nil {
			t.Fatalf("RenderFrame(%d) = %v", i, err)
		}
	}
	clk.advance(time.Second)
	if err := enc.Finalize(); err != nil {
		t.Fatal(err)
	}
	if enc.IsMediaClockRunning() || enc.MediaTimestamp() != time.Second {
		t.Error("Finalize() did not stop the media clock")
	}

	data, err := afero.ReadFile(fs, "/rec.mjpeg")
	if err != nil {
		t.Fatal(err)
	}
	r := multipart.NewReader(bytes.NewReader(data), boundary)
	var stamps []string
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() = %v", err)
		}
		if part.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("part type = %q", part.Header.Get("Content-Type"))
		}
		stamps = append(stamps, part.Header.Get("X-Timestamp"))
	}
	if strings.Join(stamps, ",") != "0,33000,66000" {
		t.Errorf("timestamps = %v", stamps)
	}

	wav, err := afero.ReadFile(fs, "/rec.wav")
	if err != nil {
		t.Fatal(err)
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad WAV header %q", wav[:12])
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != 3*1920 {
		t.Errorf("data size = %d, want %d", got, 3*1920)
	}
	if len(wav) != wavHeaderSize+3*1920 {
		t.Errorf("file size = %d", len(wav))
	}

	if cur, _ := b.Current(); len(cur) == 0 {
		t.Error("frames not published to the broadcaster")
	}
}

type fakeSink struct {
	started bool
	frames  int
	closed  bool
}

func (s *fakeSink) Start(context.Context) error {
	s.started = true
	return nil
}

func (s *fakeSink) WriteFrame(*image.RGBA) error {
	if s.closed {
		return errors.New("closed")
	}
	s.frames++
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func TestGstEncoderRepeatsFrames(t *testing.T) {
	enc := NewGstEncoder(Options{FPS: 10, Encoder: config.EncoderOptions{Format: "mkv", Bitrate: 2000}, Fs: afero.NewMemMapFs()})
	sink := &fakeSink{}
	var argv []string
	enc.newSink = func(a []string, _ image.Point) frameSink {
		argv = a
		return sink
	}

	if err := enc.Begin(context.Background(), Target{Writer: io.Discard}, image.Pt(4, 4)); err == nil {
		t.Fatal("Begin() with a writer should fail")
	}
	if err := enc.Begin(context.Background(), Target{Path: "/tmp/out.mkv"}, image.Pt(4, 4)); err != nil {
		t.Fatal(err)
	}
	cmd := strings.Join(argv, " ")
	for _, want := range []string{"fdsrc fd=0", "width=4", "framerate=10/1", "bitrate=2000", "matroskamux", "location=/tmp/out.mkv"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("pipeline %q lacks %q", cmd, want)
		}
	}

	frame := testSurface(t, 4, 4, color.RGBA{A: 255})
	tests := []struct {
		start, dur time.Duration
		total      int
	}{
		{0, 100 * time.Millisecond, 1},
		// held for three intervals
		{100 * time.Millisecond, 300 * time.Millisecond, 4},
		// shorter than an interval still produces a frame
		{400 * time.Millisecond, 10 * time.Millisecond, 5},
		{410 * time.Millisecond, 190 * time.Millisecond, 6},
	}
	for i, tt := range tests {
		if err := enc.RenderFrame(FrameWriteModel{Frame: frame, Number: i, StartPos: tt.start, Duration: tt.dur}); err != nil {
			t.Fatal(err)
		}
		if sink.frames != tt.total {
			t.Errorf("after frame %d: %d frames written, want %d", i, sink.frames, tt.total)
		}
	}

	if err := enc.Finalize(); err != nil || !sink.closed {
		t.Errorf("Finalize() = %v, closed = %v", err, sink.closed)
	}
}

func TestImageEncoderSlideshow(t *testing.T) {
	fs := afero.NewMemMapFs()
	enc := NewImageEncoder(fs, "png", false, nil)
	if err := enc.Begin(context.Background(), Target{Path: "/slides"}, image.Pt(4, 4)); err != nil {
		t.Fatal(err)
	}
	frame := testSurface(t, 4, 4, color.RGBA{G: 255, A: 255})
	for i, d := range []time.Duration{2 * time.Second, 2 * time.Second, 700 * time.Millisecond} {
		if err := enc.RenderFrame(FrameWriteModel{Frame: frame, Number: i, Duration: d}); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Finalize(); err != nil {
		t.Fatal(err)
	}

	delays := enc.FrameDelays()
	if len(delays) != 3 || delays[2] != 700*time.Millisecond {
		t.Errorf("FrameDelays() = %v", delays)
	}
	files := enc.Files()
	if len(files) != 3 || files[1] != "/slides/frame_00001.png" {
		t.Fatalf("Files() = %v", files)
	}
	f, _ := fs.Open(files[1])
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, g, _, _ := img.At(1, 1).RGBA(); g>>8 != 255 {
		t.Error("still does not hold the frame")
	}
}

func TestImageEncoderScreenshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	enc := NewImageEncoder(fs, "jpeg", true, nil)
	if err := enc.Begin(context.Background(), Target{Path: "/shots/shot.jpg"}, image.Pt(4, 4)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Finalize(); err == nil {
		t.Error("Finalize() without a frame should fail")
	}

	if err := enc.Begin(context.Background(), Target{Path: "/shots/shot.jpg"}, image.Pt(4, 4)); err != nil {
		t.Fatal(err)
	}
	frame := testSurface(t, 4, 4, color.RGBA{A: 255})
	for i := 0; i < 2; i++ {
		if err := enc.RenderFrame(FrameWriteModel{Frame: frame, Number: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Finalize(); err != nil {
		t.Fatal(err)
	}
	if len(enc.Files()) != 1 {
		t.Errorf("screenshot wrote %v", enc.Files())
	}
	if ok, _ := afero.Exists(fs, "/shots/shot.jpg"); !ok {
		t.Error("screenshot missing")
	}
}

func TestBroadcasterStream(t *testing.T) {
	b := NewBroadcaster()
	if err := b.WriteFrame(image.NewRGBA(image.Rect(0, 0, 2, 2))); err == nil {
		t.Error("WriteFrame() on a stopped broadcaster should fail")
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	if err := b.WriteFrame(image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	// the current frame is sent on connect
	r := multipart.NewReader(resp.Body, boundary)
	part, err := r.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte{0xff, 0xd8}) {
		t.Error("part is not a JPEG")
	}
	if b.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d", b.ClientCount())
	}
}
