package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	mu     sync.RWMutex
	output io.Writer = os.Stderr
)

func init() {
	// Frames are piped to stdout by the record command, so logs go to stderr
	Logger = newLogger(os.Stderr)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.DurationFieldUnit = time.Millisecond
	log.Logger = Logger
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger with the specified level and output format
func Init(level string, pretty bool) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = output
	if pretty {
		w = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = newLogger(w)
	log.Logger = Logger
}

// SetOutput redirects the global logger, used by tests to silence or capture logs
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	output = w
	Logger = newLogger(w)
	log.Logger = Logger
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &Logger
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) *zerolog.Logger {
	mu.RLock()
	l := Logger.With().Str("component", component).Logger()
	mu.RUnlock()
	return &l
}

// WithSession returns a component logger tagged with a recording session id
func WithSession(component, sessionID string) *zerolog.Logger {
	mu.RLock()
	l := Logger.With().Str("component", component).Str("session", sessionID).Logger()
	mu.RUnlock()
	return &l
}
