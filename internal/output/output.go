package output

import (
	"image"
)

// Sink receives frames outside the recording itself, e.g. the live
// preview. Sinks must not block the session loop.
type Sink interface {
	// Start initializes the sink
	Start() error

	// Stop cleanly shuts down the sink
	Stop() error

	// WriteFrame sends a frame to the sink
	WriteFrame(frame image.Image) error

	// Name returns a human-readable name for this sink
	Name() string

	// IsRunning returns true if the sink is currently active
	IsRunning() bool
}

// Name returns the sink type name
func (b *Broadcaster) Name() string {
	return "MJPEG HTTP Stream"
}

var _ Sink = (*Broadcaster)(nil)
