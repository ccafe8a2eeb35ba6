package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// EnvPrefix is prepended to environment variable overrides,
// e.g. SCREENRECORDER_OUTPUT_FPS=60
const EnvPrefix = "SCREENRECORDER"

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns ~/.config/screenrecorder/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "screenrecorder", "config.yaml"), nil
}

// NewManager creates a new configuration manager. A missing config file
// is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		m.v = m.newViper()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("sources", len(m.config.Sources)).
		Str("mode", string(m.config.Output.Mode)).
		Msg("Config loaded")

	return m, nil
}

func (m *Manager) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(m.configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Scalars that may only come from the environment need a known key
	d := Defaults()
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("output.mode", string(d.Output.Mode))
	v.SetDefault("output.fps", d.Output.FPS)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("audio.enabled", d.Audio.Enabled)
	v.SetDefault("retry.retries", d.Retry.Retries)
	return v
}

// decodeHook turns config strings into durations and the text-marshalled
// geometry enums.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// load reads the configuration from disk. yaml, toml and json files are
// accepted based on the file extension.
func (m *Manager) load() error {
	v := m.newViper()
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg, decodeHook()); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Sources == nil {
		cfg.Sources = []RecordingSource{}
	}
	if cfg.Overlay.Widgets == nil {
		cfg.Overlay.Widgets = []map[string]interface{}{}
	}
	cfg.EnsureIDs()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.v = v
	m.mu.Unlock()
	return nil
}

// Reload re-reads the config file
func (m *Manager) Reload() error {
	return m.load()
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	return m.config.Clone()
}

// GetViper returns the viper instance backing the config, for key lookups
func (m *Manager) GetViper() *viper.Viper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Int("sources", len(cfg.Sources)).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := Marshal(cfg, FormatFromPath(m.configPath))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	cfg = cfg.Clone()
	cfg.EnsureIDs()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// AddSource appends a recording source and returns its id
func (m *Manager) AddSource(src RecordingSource) (string, error) {
	m.mu.Lock()
	cfg := m.config.Clone()
	m.mu.Unlock()

	cfg.Sources = append(cfg.Sources, src)
	if err := m.Update(cfg); err != nil {
		return "", err
	}
	return m.Get().Sources[len(cfg.Sources)-1].ID, nil
}

// RemoveSource removes the source with the given id
func (m *Manager) RemoveSource(id string) error {
	m.mu.Lock()
	cfg := m.config.Clone()
	m.mu.Unlock()

	for i := range cfg.Sources {
		if cfg.Sources[i].ID == id {
			cfg.Sources = append(cfg.Sources[:i], cfg.Sources[i+1:]...)
			return m.Update(cfg)
		}
	}
	return fmt.Errorf("source %q not found", id)
}

// Set assigns a single key, in viper's dotted form, and saves the result.
// The value goes through the same decoding as the config file. Keys that
// name no config field are rejected.
func (m *Manager) Set(key string, value interface{}) error {
	data, err := Marshal(m.Get(), "yaml")
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return err
	}

	v.Set(key, value)
	cfg := Defaults()
	strict := func(c *mapstructure.DecoderConfig) { c.ErrorUnused = true }
	if err := v.Unmarshal(cfg, decodeHook(), strict); err != nil {
		return fmt.Errorf("failed to apply %s: %w", key, err)
	}
	return m.Update(cfg)
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// Watch reloads the config whenever the file changes on disk and passes
// the new config to onChange. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, onChange func(*Config)) error {
	log := logger.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, editors replace the file rather than write it
	if err := watcher.Add(m.GetConfigDir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.GetConfigDir(), err)
	}

	target := filepath.Clean(m.configPath)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-debounce:
			debounce = nil
			if err := m.load(); err != nil {
				log.Warn().Err(err).Msg("Ignoring invalid config change")
				continue
			}
			log.Info().Str("path", m.configPath).Msg("Config reloaded")
			if onChange != nil {
				onChange(m.Get())
			}
		}
	}
}
