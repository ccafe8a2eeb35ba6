package recorder

import (
	"errors"
	"image"
	"time"
)

var (
	// ErrAlreadyRecording is returned by BeginRecording while a session runs
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrInvalidState is returned by a control call the current status does
	// not allow
	ErrInvalidState = errors.New("invalid recorder state")
	// ErrNoSources is returned when a session is started without sources
	ErrNoSources = errors.New("no recording sources configured")
)

// Status is the lifecycle state of a recorder
type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusPaused
	StatusFinalizing
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRecording:
		return "recording"
	case StatusPaused:
		return "paused"
	case StatusFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Callbacks are invoked from the session goroutine. Any of them may be nil.
// They must not call back into the recorder synchronously.
type Callbacks struct {
	OnStatusChanged func(status Status)
	// OnFrameNumberChanged fires after every encoded frame. preview is set
	// when previews are enabled.
	OnFrameNumberChanged func(frame int, timestamp time.Duration, preview image.Image)
	// OnComplete receives the output path and, for slideshows, the
	// duration of every still
	OnComplete func(path string, frameDelays map[int]time.Duration)
	// OnFailed receives the error text. path is set only when the output
	// was finalized.
	OnFailed          func(message string, path string)
	OnSnapshotCreated func(path string)
}

func (c Callbacks) statusChanged(s Status) {
	if c.OnStatusChanged != nil {
		c.OnStatusChanged(s)
	}
}

func (c Callbacks) frameNumberChanged(n int, ts time.Duration, preview image.Image) {
	if c.OnFrameNumberChanged != nil {
		c.OnFrameNumberChanged(n, ts, preview)
	}
}

func (c Callbacks) complete(path string, delays map[int]time.Duration) {
	if c.OnComplete != nil {
		c.OnComplete(path, delays)
	}
}

func (c Callbacks) failed(msg, path string) {
	if c.OnFailed != nil {
		c.OnFailed(msg, path)
	}
}

func (c Callbacks) snapshotCreated(path string) {
	if c.OnSnapshotCreated != nil {
		c.OnSnapshotCreated(path)
	}
}
