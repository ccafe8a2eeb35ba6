package window

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// Manager serializes access to a window backend, which is shared by the
// capture factory and the HTTP API
type Manager struct {
	mu      sync.Mutex
	backend Backend
}

// NewManager wraps backend
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// NewX11Manager connects an X11 backend
func NewX11Manager() (*Manager, error) {
	b, err := NewX11Backend()
	if err != nil {
		return nil, err
	}
	logger.WithComponent("window").Debug().Str("backend", b.Name()).Msg("Window backend connected")
	return NewManager(b), nil
}

// ListWindows returns all visible windows, marking the focused one
func (m *Manager) ListWindows() ([]*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	windows, err := m.backend.ListWindows()
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}
	if focused, err := m.backend.GetFocusedWindow(); err == nil && focused != nil {
		for _, w := range windows {
			w.Focused = w.ID == focused.ID
		}
	}
	return windows, nil
}

// Resolve returns the X11 id of the window src refers to
func (m *Manager) Resolve(src config.RecordingSource) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Resolve(m.backend, src)
}

// Close closes the backend
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Close()
}
