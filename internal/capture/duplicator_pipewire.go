package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture/pipewire"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
)

// pipewireDuplicator mirrors a monitor granted through the screen cast
// portal. The stream carries full frames, dirty regions come from tiling.
type pipewireDuplicator struct {
	capturer *pipewire.Capturer
	name     string
	size     image.Point
	origin   image.Point

	prev *image.RGBA
	held bool
}

// NewPipeWireDuplicatorFactory returns a factory starting portal sessions
// with the given gst-launch binary
func NewPipeWireDuplicatorFactory(launch string) DuplicatorFactory {
	return func(src config.RecordingSource) (Duplicator, error) {
		cursor := uint32(pipewire.CursorModeHidden)
		if src.IsCursorCaptureEnabled() {
			cursor = pipewire.CursorModeEmbedded
		}
		c := pipewire.NewCapturer(launch)
		if err := c.Start(context.Background(), pipewire.SessionOptions{
			Types:      pipewire.SourceTypeMonitor,
			CursorMode: cursor,
		}); err != nil {
			if errors.Is(err, pipewire.ErrDenied) {
				return nil, fmt.Errorf("%w: %v", ErrAccessLost, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		st := c.Stream()
		return &pipewireDuplicator{
			capturer: c,
			name:     fmt.Sprintf("pipewire:%d", st.NodeID),
			size:     c.Size(),
			origin:   image.Pt(int(st.Position[0]), int(st.Position[1])),
		}, nil
	}
}

func (d *pipewireDuplicator) Output() OutputDesc {
	return OutputDesc{
		Name:      d.name,
		Bounds:    image.Rectangle{Min: d.origin, Max: d.origin.Add(d.size)},
		FrameSize: d.size,
	}
}

func (d *pipewireDuplicator) AcquireFrame(timeout time.Duration) (*OSFrame, error) {
	if d.held {
		return nil, ErrInvalidCall
	}
	img, err := d.capturer.Next(timeout)
	switch {
	case errors.Is(err, pipewire.ErrTimeout):
		return nil, ErrWaitTimeout
	case errors.Is(err, pipewire.ErrStreamEnded):
		// the cast was revoked; a new portal session can restore it
		return nil, fmt.Errorf("%w: %v", ErrAccessLost, err)
	case err != nil:
		return nil, err
	}

	dirty := DetectDirtyTiles(d.prev, img, DefaultTileSize)
	d.prev = img
	d.held = true
	return &OSFrame{
		Image:     img,
		Dirty:     dirty,
		Timestamp: time.Now(),
	}, nil
}

func (d *pipewireDuplicator) ReleaseFrame() error {
	if !d.held {
		return ErrInvalidCall
	}
	d.held = false
	return nil
}

func (d *pipewireDuplicator) Close() error {
	d.prev = nil
	return d.capturer.Stop()
}
