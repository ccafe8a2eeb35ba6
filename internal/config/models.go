package config

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

// SourceType selects the capture backend for a recording source
type SourceType string

const (
	SourceDisplay   SourceType = "display"   // Whole monitor through display duplication
	SourceWindow    SourceType = "window"    // Single top-level window
	SourceRegion    SourceType = "region"    // Fixed rectangle of the root window
	SourceImage     SourceType = "image"     // Static image file
	SourceVideo     SourceType = "video"     // Pre-recorded video file
	SourceAnimation SourceType = "animation" // Animated GIF
)

// CaptureAPI selects the host primitive used by display sources
type CaptureAPI string

const (
	CaptureAPIAuto     CaptureAPI = ""
	CaptureAPIX11      CaptureAPI = "x11"
	CaptureAPIPipeWire CaptureAPI = "pipewire"
)

// RecorderMode selects what the session produces
type RecorderMode string

const (
	ModeVideo      RecorderMode = "video"
	ModeSlideshow  RecorderMode = "slideshow"
	ModeScreenshot RecorderMode = "screenshot"
)

// Point is a position in pixels
type Point struct {
	X int `json:"x" yaml:"x" mapstructure:"x"`
	Y int `json:"y" yaml:"y" mapstructure:"y"`
}

// Image converts p to an image.Point
func (p Point) Image() image.Point {
	return image.Pt(p.X, p.Y)
}

// Size is a width and height in pixels
type Size struct {
	Width  int `json:"width" yaml:"width" mapstructure:"width"`
	Height int `json:"height" yaml:"height" mapstructure:"height"`
}

// Image converts s to an image.Point
func (s Size) Image() image.Point {
	return image.Pt(s.Width, s.Height)
}

// Rect is a rectangle in pixels, right and bottom exclusive
type Rect struct {
	Left   int `json:"left" yaml:"left" mapstructure:"left"`
	Top    int `json:"top" yaml:"top" mapstructure:"top"`
	Right  int `json:"right" yaml:"right" mapstructure:"right"`
	Bottom int `json:"bottom" yaml:"bottom" mapstructure:"bottom"`
}

// Image converts r to an image.Rectangle
func (r Rect) Image() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

// RectFrom converts an image.Rectangle
func RectFrom(r image.Rectangle) Rect {
	return Rect{Left: r.Min.X, Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y}
}

// RecordingSource describes one input composed onto the output canvas
type RecordingSource struct {
	ID   string     `json:"id" yaml:"id" mapstructure:"id"`
	Type SourceType `json:"type" yaml:"type" mapstructure:"type"`
	API  CaptureAPI `json:"api,omitempty" yaml:"api,omitempty" mapstructure:"api"`

	// Display sources: RandR output name, empty means primary
	Device string `json:"device,omitempty" yaml:"device,omitempty" mapstructure:"device"`
	// Window sources: X11 id, or a title/class regex resolved at start
	WindowID    uint32 `json:"window_id,omitempty" yaml:"window_id,omitempty" mapstructure:"window_id"`
	WindowTitle string `json:"window_title,omitempty" yaml:"window_title,omitempty" mapstructure:"window_title"`
	WindowClass string `json:"window_class,omitempty" yaml:"window_class,omitempty" mapstructure:"window_class"`
	// Region sources: rectangle of the root window
	Region *Rect `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	// Image, video and animation sources
	Path string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`

	Position   *Point               `json:"position,omitempty" yaml:"position,omitempty" mapstructure:"position"`
	OutputSize *Size                `json:"output_size,omitempty" yaml:"output_size,omitempty" mapstructure:"output_size"`
	Anchor     geometry.Anchor      `json:"anchor" yaml:"anchor" mapstructure:"anchor"`
	Stretch    geometry.StretchMode `json:"stretch" yaml:"stretch" mapstructure:"stretch"`
	SourceRect *Rect                `json:"source_rect,omitempty" yaml:"source_rect,omitempty" mapstructure:"source_rect"`

	CursorCapture *bool `json:"cursor_capture,omitempty" yaml:"cursor_capture,omitempty" mapstructure:"cursor_capture"`
	VideoCapture  *bool `json:"video_capture,omitempty" yaml:"video_capture,omitempty" mapstructure:"video_capture"`
	Preview       bool  `json:"preview" yaml:"preview" mapstructure:"preview"`
	PreviewSize   *Size `json:"preview_size,omitempty" yaml:"preview_size,omitempty" mapstructure:"preview_size"`

	// Retries overrides the global retry budget, negative means unlimited
	Retries *int `json:"retries,omitempty" yaml:"retries,omitempty" mapstructure:"retries"`
}

// IsCursorCaptureEnabled defaults to true
func (s *RecordingSource) IsCursorCaptureEnabled() bool {
	return s.CursorCapture == nil || *s.CursorCapture
}

// IsVideoCaptureEnabled defaults to true. Disabled sources keep their
// slot on the canvas but are never drawn.
func (s *RecordingSource) IsVideoCaptureEnabled() bool {
	return s.VideoCapture == nil || *s.VideoCapture
}

// RetryBudget returns the permitted restart count for this source
func (s *RecordingSource) RetryBudget(fallback int) int {
	if s.Retries != nil {
		return *s.Retries
	}
	return fallback
}

// SourceRectangle returns the configured crop rect, or an empty rect
func (s *RecordingSource) SourceRectangle() image.Rectangle {
	if s.SourceRect == nil {
		return image.Rectangle{}
	}
	return s.SourceRect.Image()
}

// String identifies the source in logs
func (s *RecordingSource) String() string {
	switch s.Type {
	case SourceDisplay:
		if s.Device == "" {
			return "display:primary"
		}
		return "display:" + s.Device
	case SourceWindow:
		if s.WindowID != 0 {
			return fmt.Sprintf("window:0x%x", s.WindowID)
		}
		if s.WindowTitle != "" {
			return "window:" + s.WindowTitle
		}
		return "window:" + s.WindowClass
	case SourceRegion:
		if s.Region != nil {
			return fmt.Sprintf("region:%v", s.Region.Image())
		}
		return "region"
	default:
		return string(s.Type) + ":" + s.Path
	}
}

// OutputOptions are the global frame options of a session
type OutputOptions struct {
	Mode           RecorderMode         `json:"mode" yaml:"mode" mapstructure:"mode"`
	Directory      string               `json:"directory" yaml:"directory" mapstructure:"directory"`
	FrameSize      Size                 `json:"frame_size" yaml:"frame_size" mapstructure:"frame_size"`
	Stretch        geometry.StretchMode `json:"stretch" yaml:"stretch" mapstructure:"stretch"`
	SourceRect     *Rect                `json:"source_rect,omitempty" yaml:"source_rect,omitempty" mapstructure:"source_rect"`
	FPS            int                  `json:"fps" yaml:"fps" mapstructure:"fps"`
	MaxFrameLength time.Duration        `json:"max_frame_length" yaml:"max_frame_length" mapstructure:"max_frame_length"`
	Interpolation  string               `json:"interpolation" yaml:"interpolation" mapstructure:"interpolation"`
	PreviewSize    *Size                `json:"preview_size,omitempty" yaml:"preview_size,omitempty" mapstructure:"preview_size"`
}

// FrameInterval is the nominal duration of one output frame
func (o OutputOptions) FrameInterval() time.Duration {
	if o.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(o.FPS)
}

// SnapshotOptions control still images saved during a session
type SnapshotOptions struct {
	WithVideo bool          `json:"with_video" yaml:"with_video" mapstructure:"with_video"`
	Interval  time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	Format    string        `json:"format" yaml:"format" mapstructure:"format"`
	Directory string        `json:"directory,omitempty" yaml:"directory,omitempty" mapstructure:"directory"`
}

// EncoderOptions are passed through to the encoder
type EncoderOptions struct {
	Format    string `json:"format" yaml:"format" mapstructure:"format"`
	Quality   int    `json:"quality" yaml:"quality" mapstructure:"quality"`
	Bitrate   int    `json:"bitrate_kbps" yaml:"bitrate_kbps" mapstructure:"bitrate_kbps"`
	GstLaunch string `json:"gst_launch" yaml:"gst_launch" mapstructure:"gst_launch"`
}

// AudioOptions configure audio capture
type AudioOptions struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Source        string `json:"source,omitempty" yaml:"source,omitempty" mapstructure:"source"`
	Microphone    bool   `json:"microphone" yaml:"microphone" mapstructure:"microphone"`
	SampleRate    int    `json:"sample_rate" yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels      int    `json:"channels" yaml:"channels" mapstructure:"channels"`
	BitsPerSample int    `json:"bits_per_sample" yaml:"bits_per_sample" mapstructure:"bits_per_sample"`
}

// MouseOptions configure cursor rendering
type MouseOptions struct {
	ShowPointer     bool          `json:"show_pointer" yaml:"show_pointer" mapstructure:"show_pointer"`
	DetectClicks    bool          `json:"detect_clicks" yaml:"detect_clicks" mapstructure:"detect_clicks"`
	LeftClickColor  string        `json:"left_click_color" yaml:"left_click_color" mapstructure:"left_click_color"`
	RightClickColor string        `json:"right_click_color" yaml:"right_click_color" mapstructure:"right_click_color"`
	ClickRadius     int           `json:"click_radius" yaml:"click_radius" mapstructure:"click_radius"`
	ClickDuration   time.Duration `json:"click_duration" yaml:"click_duration" mapstructure:"click_duration"`
}

// RetryOptions configure recovery from capture failures
type RetryOptions struct {
	Retries      int           `json:"retries" yaml:"retries" mapstructure:"retries"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
}

// OverlayConfig represents overlay configuration
type OverlayConfig struct {
	Enabled bool                     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Widgets []map[string]interface{} `json:"widgets" yaml:"widgets" mapstructure:"widgets"`
}

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`

	Sources  []RecordingSource `json:"sources" yaml:"sources" mapstructure:"sources"`
	Output   OutputOptions     `json:"output" yaml:"output" mapstructure:"output"`
	Snapshot SnapshotOptions   `json:"snapshot" yaml:"snapshot" mapstructure:"snapshot"`
	Encoder  EncoderOptions    `json:"encoder" yaml:"encoder" mapstructure:"encoder"`
	Audio    AudioOptions      `json:"audio" yaml:"audio" mapstructure:"audio"`
	Mouse    MouseOptions      `json:"mouse" yaml:"mouse" mapstructure:"mouse"`
	Retry    RetryOptions      `json:"retry" yaml:"retry" mapstructure:"retry"`
	Overlay  OverlayConfig     `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Sources:    []RecordingSource{},
		Output: OutputOptions{
			Mode:           ModeVideo,
			FPS:            30,
			MaxFrameLength: 500 * time.Millisecond,
			Stretch:        geometry.StretchUniform,
			Interpolation:  "approx_bilinear",
		},
		Snapshot: SnapshotOptions{
			Interval: 10 * time.Second,
			Format:   "png",
		},
		Encoder: EncoderOptions{
			Format:    "mp4",
			Quality:   90,
			Bitrate:   4000,
			GstLaunch: "gst-launch-1.0",
		},
		Audio: AudioOptions{
			SampleRate:    48000,
			Channels:      2,
			BitsPerSample: 16,
		},
		Mouse: MouseOptions{
			ShowPointer:     true,
			LeftClickColor:  "#FFFF00",
			RightClickColor: "#6495ED",
			ClickRadius:     20,
			ClickDuration:   150 * time.Millisecond,
		},
		Retry: RetryOptions{
			Retries:      3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Overlay: OverlayConfig{
			Enabled: true,
			Widgets: []map[string]interface{}{},
		},
	}
}

// Clone returns a deep copy of the parts callers are allowed to mutate
func (c *Config) Clone() *Config {
	cp := *c
	cp.Sources = append([]RecordingSource(nil), c.Sources...)
	cp.Overlay.Widgets = append([]map[string]interface{}(nil), c.Overlay.Widgets...)
	return &cp
}

// EnsureIDs gives every source without an id a random one
func (c *Config) EnsureIDs() {
	for i := range c.Sources {
		if c.Sources[i].ID == "" {
			c.Sources[i].ID = uuid.NewString()
		}
	}
}

// Validate checks the parts of the configuration a session depends on
func (c *Config) Validate() error {
	for i, src := range c.Sources {
		switch src.Type {
		case SourceDisplay, SourceWindow:
		case SourceRegion:
			if src.Region == nil || !geometry.IsValidRect(src.Region.Image()) {
				return fmt.Errorf("source %d: region source needs a valid region", i)
			}
		case SourceImage, SourceVideo, SourceAnimation:
			if src.Path == "" {
				return fmt.Errorf("source %d: %s source needs a path", i, src.Type)
			}
		default:
			return fmt.Errorf("source %d: unknown source type %q", i, src.Type)
		}
		if src.API != CaptureAPIAuto && src.API != CaptureAPIX11 && src.API != CaptureAPIPipeWire {
			return fmt.Errorf("source %d: unknown capture api %q", i, src.API)
		}
	}

	switch c.Output.Mode {
	case ModeVideo, ModeSlideshow, ModeScreenshot:
	default:
		return fmt.Errorf("unknown recorder mode %q", c.Output.Mode)
	}
	if c.Output.Mode == ModeVideo && c.Output.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.Output.FPS)
	}
	if c.Output.Mode == ModeSlideshow && c.Snapshot.Interval <= 0 {
		return fmt.Errorf("slideshow mode needs a positive snapshot interval")
	}
	if c.Audio.Enabled && (c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 || c.Audio.BitsPerSample <= 0 || c.Audio.BitsPerSample%8 != 0) {
		return fmt.Errorf("invalid audio format %d Hz, %d channels, %d bits",
			c.Audio.SampleRate, c.Audio.Channels, c.Audio.BitsPerSample)
	}
	return nil
}
