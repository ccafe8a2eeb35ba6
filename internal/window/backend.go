package window

import (
	"errors"
	"fmt"
	"image"
	"regexp"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
)

// ErrNotFound is returned when no window matches a source
var ErrNotFound = errors.New("window not found")

// Info describes one top-level window
type Info struct {
	ID       uint32          `json:"id"`
	Title    string          `json:"title"`
	Class    string          `json:"class"`
	PID      int             `json:"pid"`
	Focused  bool            `json:"focused"`
	Geometry image.Rectangle `json:"geometry"`
	// Desktop is the virtual desktop, -1 means all desktops
	Desktop int `json:"desktop"`
}

// Backend discovers windows on a display server
type Backend interface {
	// ListWindows returns all visible application windows
	ListWindows() ([]*Info, error)

	// GetFocusedWindow returns the currently focused window
	GetFocusedWindow() (*Info, error)

	// GetWindowInfo describes the window with the given id
	GetWindowInfo(id uint32) (*Info, error)

	// Close closes the connection to the display server
	Close() error

	// Name returns the backend name, e.g. "x11"
	Name() string
}

// Matcher selects a window by title and class patterns. Empty patterns
// match anything.
type Matcher struct {
	title *regexp.Regexp
	class *regexp.Regexp
}

// NewMatcher compiles case-insensitive title and class patterns
func NewMatcher(title, class string) (*Matcher, error) {
	m := &Matcher{}
	var err error
	if title != "" {
		if m.title, err = regexp.Compile("(?i)" + title); err != nil {
			return nil, fmt.Errorf("invalid title pattern: %w", err)
		}
	}
	if class != "" {
		if m.class, err = regexp.Compile("(?i)" + class); err != nil {
			return nil, fmt.Errorf("invalid class pattern: %w", err)
		}
	}
	return m, nil
}

// Match reports whether info satisfies both patterns
func (m *Matcher) Match(info *Info) bool {
	if m.title != nil && !m.title.MatchString(info.Title) {
		return false
	}
	if m.class != nil && !m.class.MatchString(info.Class) {
		return false
	}
	return true
}

// Find returns the first matching window, preferring the focused one
func Find(windows []*Info, m *Matcher) (*Info, error) {
	var first *Info
	for _, w := range windows {
		if !m.Match(w) {
			continue
		}
		if w.Focused {
			return w, nil
		}
		if first == nil {
			first = w
		}
	}
	if first == nil {
		return nil, ErrNotFound
	}
	return first, nil
}

// Resolve returns the X11 id of the window a source refers to. A fixed id
// is returned as is; otherwise the title and class patterns are matched
// against the current window list.
func Resolve(b Backend, src config.RecordingSource) (uint32, error) {
	if src.WindowID != 0 {
		return src.WindowID, nil
	}
	if src.WindowTitle == "" && src.WindowClass == "" {
		return 0, fmt.Errorf("%w: source has no window id, title or class", ErrNotFound)
	}
	m, err := NewMatcher(src.WindowTitle, src.WindowClass)
	if err != nil {
		return 0, err
	}
	windows, err := b.ListWindows()
	if err != nil {
		return 0, err
	}
	if focused, err := b.GetFocusedWindow(); err == nil && focused != nil {
		for _, w := range windows {
			w.Focused = w.ID == focused.ID
		}
	}
	w, err := Find(windows, m)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, src.String())
	}
	return w.ID, nil
}
