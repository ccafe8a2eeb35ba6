// Package pipewire negotiates screen casts with xdg-desktop-portal over
// D-Bus and reads the resulting PipeWire stream through GStreamer.
package pipewire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

const persistModeSession = 2

var (
	// ErrDenied means the user or the compositor refused the request
	ErrDenied = errors.New("portal: request denied")
	// ErrNoStreams means the portal answered without a PipeWire node
	ErrNoStreams = errors.New("portal: no streams in response")
)

// Stream is one PipeWire node granted by the portal
type Stream struct {
	NodeID   uint32
	Position [2]int32
	Size     [2]int32
}

// Portal is a screen cast session with xdg-desktop-portal
type Portal struct {
	conn      *dbus.Conn
	log       *zerolog.Logger
	tokenPath string

	mu            sync.Mutex
	sessionHandle dbus.ObjectPath
	restoreToken  string
	streams       []Stream
	requests      int
}

// SessionOptions select what the user is asked to share
type SessionOptions struct {
	Types      uint32
	CursorMode uint32
	Timeout    time.Duration
}

// NewPortal connects to the session bus
func NewPortal() (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}

	p := &Portal{
		conn:      conn,
		log:       logger.WithComponent("portal"),
		tokenPath: filepath.Join(configDir, "screenrecorder", "portal_token"),
	}
	p.restoreToken = loadRestoreToken(p.tokenPath)
	return p, nil
}

// Close ends the session and disconnects
func (p *Portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionHandle != "" {
		p.conn.Object(portalService, p.sessionHandle).Call(sessionIface+".Close", 0)
		p.sessionHandle = ""
	}
	return p.conn.Close()
}

// Streams returns the nodes granted by Start
func (p *Portal) Streams() []Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Stream(nil), p.streams...)
}

// Start creates a session, selects sources and starts the cast. A dialog
// may be shown to the user unless a restore token from an earlier session
// is accepted.
func (p *Portal) Start(opts SessionOptions) ([]Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.Types == 0 {
		opts.Types = SourceTypeMonitor
	}
	if opts.CursorMode == 0 {
		opts.CursorMode = CursorModeEmbedded
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	obj := p.conn.Object(portalService, portalPath)

	results, err := p.request(opts.Timeout, func(token string) *dbus.Call {
		return obj.Call(screenCastIface+".CreateSession", 0, map[string]dbus.Variant{
			"handle_token":         dbus.MakeVariant(token),
			"session_handle_token": dbus.MakeVariant(p.token("session")),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	handle, err := sessionHandle(results)
	if err != nil {
		return nil, err
	}
	p.sessionHandle = handle
	p.log.Debug().Str("session", string(handle)).Msg("Created portal session")

	_, err = p.request(opts.Timeout, func(token string) *dbus.Call {
		options := map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(token),
			"types":        dbus.MakeVariant(opts.Types),
			"multiple":     dbus.MakeVariant(false),
			"cursor_mode":  dbus.MakeVariant(opts.CursorMode),
			"persist_mode": dbus.MakeVariant(uint32(persistModeSession)),
		}
		if p.restoreToken != "" {
			options["restore_token"] = dbus.MakeVariant(p.restoreToken)
		}
		return obj.Call(screenCastIface+".SelectSources", 0, handle, options)
	})
	if err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}

	results, err = p.request(opts.Timeout, func(token string) *dbus.Call {
		return obj.Call(screenCastIface+".Start", 0, handle, "", map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(token),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != "" {
			p.restoreToken = token
			if err := saveRestoreToken(p.tokenPath, token); err != nil {
				p.log.Warn().Err(err).Msg("Failed to save portal restore token")
			}
		}
	}

	v, ok := results["streams"]
	if !ok {
		return nil, ErrNoStreams
	}
	streams, err := ParseStreams(v.Value())
	if err != nil {
		return nil, err
	}
	p.streams = streams
	p.log.Info().Uint32("node_id", streams[0].NodeID).Int("streams", len(streams)).Msg("Screen cast started")
	return streams, nil
}

func (p *Portal) token(prefix string) string {
	p.requests++
	return fmt.Sprintf("screenrecorder_%s_%d_%d", prefix, os.Getpid(), p.requests)
}

// request performs one portal method call and waits for the Response
// signal on the returned request object
func (p *Portal) request(timeout time.Duration, call func(token string) *dbus.Call) (map[string]dbus.Variant, error) {
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		p.log.Warn().Err(err).Msg("Failed to add match rule")
	}

	// subscribe before calling so a fast response is not lost
	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	if err := call(p.token("req")).Store(&requestPath); err != nil {
		return nil, err
	}
	p.log.Debug().Str("request_path", string(requestPath)).Msg("Waiting for portal response")

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for portal response")
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

// parseResponse decodes the (u, a{sv}) body of a Request.Response signal
func parseResponse(body []interface{}) (map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("invalid portal response")
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid portal response code %T", body[0])
	}
	if code != 0 {
		return nil, fmt.Errorf("%w (code %d)", ErrDenied, code)
	}
	if len(body) < 2 {
		return map[string]dbus.Variant{}, nil
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("invalid portal results %T", body[1])
	}
	return results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// ParseStreams decodes the a(ua{sv}) streams result of Start
func ParseStreams(v interface{}) ([]Stream, error) {
	var entries [][]interface{}
	switch s := v.(type) {
	case [][]interface{}:
		entries = s
	case []interface{}:
		for _, e := range s {
			if fields, ok := e.([]interface{}); ok {
				entries = append(entries, fields)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unexpected type %T", ErrNoStreams, v)
	}

	var streams []Stream
	for _, fields := range entries {
		if len(fields) == 0 {
			continue
		}
		node, ok := fields[0].(uint32)
		if !ok {
			continue
		}
		st := Stream{NodeID: node}
		if len(fields) > 1 {
			if props, ok := fields[1].(map[string]dbus.Variant); ok {
				st.Position = pair(props["position"])
				st.Size = pair(props["size"])
			}
		}
		streams = append(streams, st)
	}
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}
	return streams, nil
}

func pair(v dbus.Variant) [2]int32 {
	switch p := v.Value().(type) {
	case []int32:
		if len(p) == 2 {
			return [2]int32{p[0], p[1]}
		}
	case []interface{}:
		if len(p) == 2 {
			a, _ := p[0].(int32)
			b, _ := p[1].(int32)
			return [2]int32{a, b}
		}
	}
	return [2]int32{}
}

type restoreTokenFile struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var f restoreTokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ""
	}
	return f.Token
}

func saveRestoreToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(restoreTokenFile{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
