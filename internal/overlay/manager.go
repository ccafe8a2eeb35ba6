package overlay

import (
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// Manager handles overlay widgets and rendering. Widgets render in the
// order they were added.
type Manager struct {
	widgets map[string]Widget
	order   []string
	fs      afero.Fs
	mu      sync.RWMutex
	enabled bool
}

// NewManager creates a new overlay manager. Image widgets read from fs,
// the OS filesystem when nil.
func NewManager(fs afero.Fs) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{
		widgets: make(map[string]Widget),
		fs:      fs,
		enabled: true,
	}
}

// AddWidget adds a widget on top of the existing ones
func (m *Manager) AddWidget(widget Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.widgets[widget.ID()]; exists {
		return fmt.Errorf("widget with ID %s already exists", widget.ID())
	}

	m.widgets[widget.ID()] = widget
	m.order = append(m.order, widget.ID())
	logger.WithComponent("overlay").Info().Str("id", widget.ID()).Str("type", widget.Type()).Msg("Added widget")
	return nil
}

// RemoveWidget removes a widget from the overlay
func (m *Manager) RemoveWidget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.widgets[id]; !exists {
		return fmt.Errorf("widget with ID %s not found", id)
	}

	delete(m.widgets, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	logger.WithComponent("overlay").Info().Str("id", id).Msg("Removed widget")
	return nil
}

// GetWidget retrieves a widget by ID
func (m *Manager) GetWidget(id string) (Widget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	widget, exists := m.widgets[id]
	return widget, exists
}

// GetAllWidgets returns all widgets in render order
func (m *Manager) GetAllWidgets() []Widget {
	m.mu.RLock()
	defer m.mu.RUnlock()

	widgets := make([]Widget, 0, len(m.order))
	for _, id := range m.order {
		widgets = append(widgets, m.widgets[id])
	}
	return widgets
}

// UpdateWidget updates a widget's configuration
func (m *Manager) UpdateWidget(id string, config map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	widget, exists := m.widgets[id]
	if !exists {
		return fmt.Errorf("widget with ID %s not found", id)
	}

	if err := widget.UpdateConfig(config); err != nil {
		return fmt.Errorf("failed to update widget config: %w", err)
	}

	logger.WithComponent("overlay").Info().Str("id", id).Msg("Updated widget")
	return nil
}

// SetEnabled enables or disables the entire overlay
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	logger.WithComponent("overlay").Info().Bool("enabled", enabled).Msg("Overlay toggled")
}

// IsEnabled returns whether the overlay is enabled
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Render renders all enabled widgets onto img. Widget failures are logged
// and do not stop the others.
func (m *Manager) Render(img *image.RGBA, info FrameInfo) error {
	// Widgets are not safe for concurrent use, so hold the lock throughout
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return nil
	}

	for _, id := range m.order {
		widget := m.widgets[id]
		if !widget.IsEnabled() {
			continue
		}
		if err := widget.Render(img, info); err != nil {
			logger.WithComponent("overlay").Warn().Err(err).Str("id", id).Msg("Failed to render widget")
		}
	}
	return nil
}

// CreateWidget creates a new widget instance from configuration
func (m *Manager) CreateWidget(widgetType string, id string, config map[string]interface{}) (Widget, error) {
	var widget Widget
	var err error

	switch widgetType {
	case "text":
		widget, err = NewTextWidget(id, config)
	case "image":
		widget, err = NewImageWidget(id, m.fs, config)
	default:
		return nil, fmt.Errorf("unknown widget type: %s", widgetType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s widget: %w", widgetType, err)
	}

	return widget, nil
}

// LoadFromConfig loads widget configurations and creates widget instances.
// Invalid widgets are skipped with a warning.
func (m *Manager) LoadFromConfig(configs []map[string]interface{}) error {
	log := logger.WithComponent("overlay")
	for _, config := range configs {
		widgetType, ok := config["type"].(string)
		if !ok {
			log.Warn().Msg("Skipping widget with missing type")
			continue
		}

		id, ok := config["id"].(string)
		if !ok {
			log.Warn().Str("type", widgetType).Msg("Skipping widget with missing ID")
			continue
		}

		widget, err := m.CreateWidget(widgetType, id, config)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Failed to create widget")
			continue
		}

		if err := m.AddWidget(widget); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Failed to add widget")
		}
	}

	return nil
}

// ExportConfig exports all widget configurations in render order
func (m *Manager) ExportConfig() []map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := make([]map[string]interface{}, 0, len(m.order))
	for _, id := range m.order {
		configs = append(configs, m.widgets[id].GetConfig())
	}

	return configs
}

// Clear removes all widgets
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.widgets = make(map[string]Widget)
	m.order = nil
	logger.WithComponent("overlay").Info().Msg("Cleared all widgets")
}

// GetAvailableWidgetTypes returns a list of available widget types
func (m *Manager) GetAvailableWidgetTypes() []map[string]interface{} {
	common := map[string]interface{}{
		"x":       "int (offset from anchor)",
		"y":       "int (offset from anchor)",
		"anchor":  "string (top_left, top_right, bottom_left, bottom_right, center)",
		"opacity": "float (0.0-1.0)",
		"enabled": "bool",
	}
	with := func(extra map[string]interface{}) map[string]interface{} {
		out := make(map[string]interface{}, len(common)+len(extra))
		for k, v := range common {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	return []map[string]interface{}{
		{
			"type":        "text",
			"name":        "Text Label",
			"description": "Text with {time}, {date}, {frame} and {elapsed} placeholders",
			"config_schema": with(map[string]interface{}{
				"text":       "string (required)",
				"color":      "object {r, g, b, a}",
				"background": "object {r, g, b, a} (optional)",
				"padding":    "int",
			}),
		},
		{
			"type":        "image",
			"name":        "Image",
			"description": "Logo or watermark from an image file",
			"config_schema": with(map[string]interface{}{
				"path":    "string (required)",
				"width":   "int (optional)",
				"height":  "int (optional)",
				"stretch": "string (uniform, none, fill, uniform_to_fill)",
			}),
		},
	}
}
