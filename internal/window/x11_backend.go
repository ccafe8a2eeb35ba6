package window

import (
	"encoding/binary"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// X11Backend lists windows through EWMH properties
type X11Backend struct {
	conn *xgb.Conn
	root xproto.Window

	mu    sync.Mutex
	atoms map[string]xproto.Atom
}

// NewX11Backend connects to $DISPLAY
func NewX11Backend() (*X11Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	return &X11Backend{
		conn:  conn,
		root:  xproto.Setup(conn).DefaultScreen(conn).Root,
		atoms: make(map[string]xproto.Atom),
	}, nil
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.conn.Close()
	return nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// ListWindows returns all visible windows using EWMH _NET_CLIENT_LIST with
// a QueryTree fallback
func (b *X11Backend) ListWindows() ([]*Info, error) {
	log := logger.WithComponent("x11-backend")

	ids, err := b.clientList()
	if err != nil || len(ids) == 0 {
		log.Debug().Err(err).Msg("ListWindows: _NET_CLIENT_LIST unusable, falling back to QueryTree")
		tree, err := xproto.QueryTree(b.conn, b.root).Reply()
		if err != nil {
			return nil, fmt.Errorf("failed to query tree: %w", err)
		}
		ids = tree.Children
	}

	windows := make([]*Info, 0, len(ids))
	for _, id := range ids {
		info, err := b.getWindowInfo(id)
		if err != nil {
			continue
		}
		// windows without title and class are rarely user windows
		if info.Title == "" && info.Class == "" {
			continue
		}
		windows = append(windows, info)
	}
	log.Debug().Int("count", len(windows)).Msg("ListWindows")
	return windows, nil
}

func (b *X11Backend) clientList() ([]xproto.Window, error) {
	atom, err := b.getAtom("_NET_CLIENT_LIST")
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(b.conn, false, b.root, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST: %w", err)
	}
	ids := make([]xproto.Window, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		ids = append(ids, xproto.Window(binary.LittleEndian.Uint32(reply.Value[i:])))
	}
	return ids, nil
}

// GetFocusedWindow returns the currently focused window
func (b *X11Backend) GetFocusedWindow() (*Info, error) {
	focus, err := xproto.GetInputFocus(b.conn).Reply()
	if err != nil {
		return nil, err
	}
	info, err := b.getWindowInfo(focus.Focus)
	if err != nil {
		return nil, err
	}
	info.Focused = true
	return info, nil
}

// GetWindowInfo describes the window with the given id
func (b *X11Backend) GetWindowInfo(id uint32) (*Info, error) {
	return b.getWindowInfo(xproto.Window(id))
}

func (b *X11Backend) getWindowInfo(win xproto.Window) (*Info, error) {
	geom, err := xproto.GetGeometry(b.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get window geometry: %w", err)
	}

	info := &Info{ID: uint32(win)}

	// geometry is relative to the parent, report it in root coordinates
	origin := image.Pt(int(geom.X), int(geom.Y))
	if tr, err := xproto.TranslateCoordinates(b.conn, win, b.root, 0, 0).Reply(); err == nil {
		origin = image.Pt(int(tr.DstX), int(tr.DstY))
	}
	info.Geometry = image.Rectangle{Min: origin, Max: origin.Add(image.Pt(int(geom.Width), int(geom.Height)))}

	if title, err := b.getStringProperty(win, "_NET_WM_NAME"); err == nil {
		info.Title = title
	}
	if info.Title == "" {
		if title, err := b.getStringProperty(win, "WM_NAME"); err == nil {
			info.Title = title
		}
	}

	// WM_CLASS is "instance\0class\0"
	if raw, err := b.getStringProperty(win, "WM_CLASS"); err == nil {
		parts := strings.Split(raw, "\x00")
		if len(parts) >= 2 && parts[1] != "" {
			info.Class = parts[1]
		} else if parts[0] != "" {
			info.Class = parts[0]
		}
	}

	if pid, ok := b.getCardinal(win, "_NET_WM_PID"); ok {
		info.PID = int(pid)
	}
	if desktop, ok := b.getCardinal(win, "_NET_WM_DESKTOP"); ok {
		if desktop == 0xFFFFFFFF {
			info.Desktop = -1
		} else {
			info.Desktop = int(desktop)
		}
	}
	return info, nil
}

// getAtom interns name, caching the result
func (b *X11Backend) getAtom(name string) (xproto.Atom, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	b.atoms[name] = reply.Atom
	return reply.Atom, nil
}

func (b *X11Backend) getStringProperty(win xproto.Window, name string) (string, error) {
	atom, err := b.getAtom(name)
	if err != nil {
		return "", err
	}
	reply, err := xproto.GetProperty(b.conn, false, win, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil {
		return "", err
	}
	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property %s", name)
	}
	return string(reply.Value), nil
}

func (b *X11Backend) getCardinal(win xproto.Window, name string) (uint32, bool) {
	atom, err := b.getAtom(name)
	if err != nil {
		return 0, false
	}
	reply, err := xproto.GetProperty(b.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
	if err != nil || len(reply.Value) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(reply.Value), true
}
