package pipewire

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/gst"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// ErrTimeout means no new frame arrived before the timeout
var ErrTimeout = gst.ErrTimeout

// ErrStreamEnded means the PipeWire stream stopped, e.g. because the user
// revoked the screen cast
var ErrStreamEnded = errors.New("pipewire: stream ended")

// Capturer reads frames from a portal-granted PipeWire node
type Capturer struct {
	launch string

	mu      sync.Mutex
	portal  *Portal
	reader  *gst.FrameReader
	stream  Stream
	size    image.Point
	seq     uint64
	started bool
}

// NewCapturer creates a capturer using the given gst-launch binary
func NewCapturer(launch string) *Capturer {
	return &Capturer{launch: launch}
}

// Start asks the portal for a screen cast and starts reading the stream
func (c *Capturer) Start(ctx context.Context, opts SessionOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("capturer already started")
	}
	log := logger.WithComponent("pipewire-capturer")

	portal, err := NewPortal()
	if err != nil {
		return fmt.Errorf("failed to create portal: %w", err)
	}
	streams, err := portal.Start(opts)
	if err != nil {
		portal.Close()
		return fmt.Errorf("failed to start screen cast: %w", err)
	}
	stream := streams[0]

	src := pipewireSource(stream.NodeID)
	size, _, err := gst.Probe(ctx, c.launch, src)
	if err != nil {
		if stream.Size[0] <= 0 || stream.Size[1] <= 0 {
			portal.Close()
			return fmt.Errorf("failed to probe stream size: %w", err)
		}
		log.Warn().Err(err).Msg("Probe failed, using size reported by the portal")
		size = image.Pt(int(stream.Size[0]), int(stream.Size[1]))
	}

	reader := gst.NewFrameReader(gst.LaunchArgs(c.launch,
		src,
		gst.El("videoconvert"),
		gst.El("videoscale"),
		gst.El(gst.RawCaps(size, 0)),
		gst.El("fdsink", "fd=1", "sync=false"),
	), size)
	if err := reader.Start(ctx); err != nil {
		portal.Close()
		return err
	}

	c.portal = portal
	c.reader = reader
	c.stream = stream
	c.size = size
	c.seq = 0
	c.started = true
	log.Info().Uint32("node_id", stream.NodeID).Int("width", size.X).Int("height", size.Y).Msg("PipeWire capturer started")
	return nil
}

func pipewireSource(node uint32) gst.Element {
	return gst.El("pipewiresrc", fmt.Sprintf("path=%d", node), "do-timestamp=true")
}

// Size returns the negotiated frame size
func (c *Capturer) Size() image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stream returns the granted node
func (c *Capturer) Stream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Next waits for a frame newer than the last one returned
func (c *Capturer) Next(timeout time.Duration) (*image.RGBA, error) {
	c.mu.Lock()
	reader, seq := c.reader, c.seq
	c.mu.Unlock()

	if reader == nil {
		return nil, ErrStreamEnded
	}
	img, next, err := reader.Next(seq, timeout)
	switch {
	case errors.Is(err, gst.ErrClosed):
		return nil, fmt.Errorf("%w: %v", ErrStreamEnded, err)
	case err != nil:
		return nil, err
	}

	c.mu.Lock()
	c.seq = next
	c.mu.Unlock()
	return img, nil
}

// Stop ends the stream and the portal session
func (c *Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	if c.reader != nil {
		c.reader.Stop()
		c.reader = nil
	}
	if c.portal != nil {
		c.portal.Close()
		c.portal = nil
	}
	c.started = false
	logger.WithComponent("pipewire-capturer").Info().Msg("PipeWire capturer stopped")
	return nil
}
