package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/geometry"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewManagerCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	cfg := m.Get()
	if cfg.Output.FPS != 30 || cfg.Output.Mode != ModeVideo {
		t.Errorf("unexpected defaults: fps=%d mode=%s", cfg.Output.FPS, cfg.Output.Mode)
	}
	if cfg.Retry.Retries != 3 || cfg.Retry.MaxDelay != 5*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}

	// the written defaults must load back
	m2, err := NewManager(path)
	if err != nil {
		t.Fatalf("reloading defaults: %v", err)
	}
	if m2.Get().Snapshot.Interval != 10*time.Second {
		t.Errorf("snapshot interval = %v", m2.Get().Snapshot.Interval)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: debug
sources:
  - type: display
    device: HDMI-1
    anchor: top_right
    stretch: UniformToFill
    retries: -1
  - type: image
    path: /tmp/logo.png
    position: {x: 10, y: 20}
    output_size: {width: 200, height: 100}
    cursor_capture: false
output:
  mode: slideshow
  fps: 25
  max_frame_length: 750ms
snapshot:
  interval: 2s
`)

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cfg := m.Get()

	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(cfg.Sources))
	}
	display := cfg.Sources[0]
	if display.Anchor != geometry.AnchorTopRight || display.Stretch != geometry.StretchUniformToFill {
		t.Errorf("display geometry = %v/%v", display.Anchor, display.Stretch)
	}
	if display.RetryBudget(3) != -1 {
		t.Errorf("RetryBudget() = %d, want -1", display.RetryBudget(3))
	}
	if display.ID == "" {
		t.Error("source id not assigned")
	}
	if !display.IsCursorCaptureEnabled() {
		t.Error("cursor capture should default to enabled")
	}

	img := cfg.Sources[1]
	if img.IsCursorCaptureEnabled() {
		t.Error("cursor capture should be disabled")
	}
	if img.Position == nil || img.Position.Image().X != 10 || img.OutputSize.Height != 100 {
		t.Errorf("image geometry = %+v %+v", img.Position, img.OutputSize)
	}
	if img.RetryBudget(3) != 3 {
		t.Errorf("RetryBudget() fallback = %d", img.RetryBudget(3))
	}

	if cfg.Output.Mode != ModeSlideshow || cfg.Output.FPS != 25 {
		t.Errorf("output = %+v", cfg.Output)
	}
	if cfg.Output.MaxFrameLength != 750*time.Millisecond {
		t.Errorf("max frame length = %v", cfg.Output.MaxFrameLength)
	}
	if cfg.Snapshot.Interval != 2*time.Second {
		t.Errorf("snapshot interval = %v", cfg.Snapshot.Interval)
	}
	// untouched sections keep defaults
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("audio sample rate = %d", cfg.Audio.SampleRate)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
log_level = "warn"

[output]
fps = 60

[[sources]]
type = "window"
window_title = "Firefox"
`)

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cfg := m.Get()
	if cfg.LogLevel != "warn" || cfg.Output.FPS != 60 {
		t.Errorf("config = %s fps %d", cfg.LogLevel, cfg.Output.FPS)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].WindowTitle != "Firefox" {
		t.Errorf("sources = %+v", cfg.Sources)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SCREENRECORDER_OUTPUT_FPS", "50")
	path := writeConfig(t, "config.yaml", "log_level: info\n")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if got := m.Get().Output.FPS; got != 50 {
		t.Errorf("fps = %d, want 50 from env", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown type", func(c *Config) {
			c.Sources = []RecordingSource{{Type: "camera"}}
		}, "unknown source type"},
		{"image without path", func(c *Config) {
			c.Sources = []RecordingSource{{Type: SourceImage}}
		}, "needs a path"},
		{"region without rect", func(c *Config) {
			c.Sources = []RecordingSource{{Type: SourceRegion}}
		}, "valid region"},
		{"bad mode", func(c *Config) { c.Output.Mode = "gif" }, "unknown recorder mode"},
		{"zero fps", func(c *Config) { c.Output.FPS = 0 }, "fps must be positive"},
		{"slideshow without interval", func(c *Config) {
			c.Output.Mode = ModeSlideshow
			c.Snapshot.Interval = 0
		}, "snapshot interval"},
		{"odd audio bits", func(c *Config) {
			c.Audio.Enabled = true
			c.Audio.BitsPerSample = 12
		}, "invalid audio format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddRemoveSource(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	id, err := m.AddSource(RecordingSource{Type: SourceDisplay})
	if err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}
	if id == "" || len(m.Get().Sources) != 1 {
		t.Fatalf("AddSource() id=%q sources=%d", id, len(m.Get().Sources))
	}
	if err := m.RemoveSource(id); err != nil {
		t.Fatalf("RemoveSource() error = %v", err)
	}
	if err := m.RemoveSource(id); err == nil {
		t.Error("removing a missing source should fail")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cfg := m.Get()
	cfg.Sources = append(cfg.Sources, RecordingSource{Type: SourceDisplay})
	cfg.Output.FPS = 1
	if got := m.Get(); len(got.Sources) != 0 || got.Output.FPS != 30 {
		t.Error("Get() must not expose internal state")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "config.yaml", "output:\n  fps: 30\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed := make(chan *Config, 1)
	go m.Watch(ctx, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("output:\n  fps: 24\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Output.FPS != 24 {
			t.Errorf("reloaded fps = %d, want 24", c.Output.FPS)
		}
	case <-ctx.Done():
		t.Fatal("config change not observed")
	}
}

func TestSetKey(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := m.AddSource(RecordingSource{Type: SourceDisplay, Device: "DP-1"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key     string
		value   interface{}
		wantErr bool
	}{
		{"output.fps", 60, false},
		{"output.max_frame_length", "250ms", false},
		{"audio.enabled", true, false},
		{"output.mode", "gif", true},
		{"output.no_such_key", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := m.Set(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Set(%s) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}

	cfg := m.Get()
	if cfg.Output.FPS != 60 || cfg.Output.MaxFrameLength != 250*time.Millisecond || !cfg.Audio.Enabled {
		t.Errorf("config after Set = %+v / %+v", cfg.Output, cfg.Audio)
	}
	if cfg.Output.Mode != ModeVideo {
		t.Errorf("rejected value was stored: mode = %s", cfg.Output.Mode)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Device != "DP-1" {
		t.Errorf("sources lost by Set: %+v", cfg.Sources)
	}
}

func TestMarshalFormatsLoadBack(t *testing.T) {
	cfg := Defaults()
	cfg.Output.FPS = 24
	cfg.Sources = []RecordingSource{{ID: "a", Type: SourceDisplay, Device: "HDMI-1", Anchor: geometry.AnchorBottomLeft}}

	for _, format := range []string{"yaml", "json", "toml"} {
		t.Run(format, func(t *testing.T) {
			data, err := Marshal(cfg, format)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			path := writeConfig(t, "config."+format, string(data))
			m, err := NewManager(path)
			if err != nil {
				t.Fatalf("load %s: %v\n%s", format, err, data)
			}
			got := m.Get()
			if got.Output.FPS != 24 || got.Output.MaxFrameLength != 500*time.Millisecond {
				t.Errorf("output = %+v", got.Output)
			}
			if len(got.Sources) != 1 || got.Sources[0].Device != "HDMI-1" || got.Sources[0].Anchor != geometry.AnchorBottomLeft {
				t.Errorf("sources = %+v", got.Sources)
			}
		})
	}

	if _, err := Marshal(cfg, "ini"); err == nil {
		t.Error("Marshal(ini) succeeded")
	}
}
