package window

import (
	"errors"
	"image"
	"testing"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
)

type fakeBackend struct {
	windows []*Info
	focused uint32
}

func (f *fakeBackend) ListWindows() ([]*Info, error) {
	out := make([]*Info, len(f.windows))
	for i, w := range f.windows {
		cp := *w
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeBackend) GetFocusedWindow() (*Info, error) {
	return f.GetWindowInfo(f.focused)
}

func (f *fakeBackend) GetWindowInfo(id uint32) (*Info, error) {
	for _, w := range f.windows {
		if w.ID == id {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeBackend) Close() error { return nil }
func (f *fakeBackend) Name() string { return "fake" }

func newFake() *fakeBackend {
	return &fakeBackend{
		windows: []*Info{
			{ID: 1, Title: "Terminal", Class: "Alacritty", Geometry: image.Rect(0, 0, 800, 600)},
			{ID: 2, Title: "Mozilla Firefox", Class: "firefox"},
			{ID: 3, Title: "Docs - Mozilla Firefox", Class: "firefox"},
		},
		focused: 3,
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		src     config.RecordingSource
		want    uint32
		wantErr error
	}{
		{"fixed id", config.RecordingSource{WindowID: 42}, 42, nil},
		{"title", config.RecordingSource{WindowTitle: "terminal"}, 1, nil},
		{"focused preferred", config.RecordingSource{WindowClass: "^firefox$"}, 3, nil},
		{"title and class", config.RecordingSource{WindowTitle: "^Mozilla", WindowClass: "firefox"}, 2, nil},
		{"no match", config.RecordingSource{WindowTitle: "gimp"}, 0, ErrNotFound},
		{"no criteria", config.RecordingSource{}, 0, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.src.Type = config.SourceWindow
			got, err := Resolve(newFake(), tt.src)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewMatcherInvalidPattern(t *testing.T) {
	if _, err := NewMatcher("(", ""); err == nil {
		t.Error("NewMatcher() accepted an invalid pattern")
	}
}

func TestManagerListMarksFocus(t *testing.T) {
	m := NewManager(newFake())
	windows, err := m.ListWindows()
	if err != nil {
		t.Fatalf("ListWindows() error = %v", err)
	}
	for _, w := range windows {
		if w.Focused != (w.ID == 3) {
			t.Errorf("window %d focused = %v", w.ID, w.Focused)
		}
	}
}
