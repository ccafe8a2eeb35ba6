package api

import (
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/recorder"
)

// frameEventInterval limits frame progress events per client
const frameEventInterval = 250 * time.Millisecond

// Event is one recorder notification pushed to websocket clients
type Event struct {
	Type        string        `json:"type"`
	Status      string        `json:"status,omitempty"`
	Frame       int           `json:"frame,omitempty"`
	TimestampMs int64         `json:"timestamp_ms,omitempty"`
	Path        string        `json:"path,omitempty"`
	Message     string        `json:"message,omitempty"`
	FrameDelays map[int]int64 `json:"frame_delays_ms,omitempty"`
	Time        time.Time     `json:"time"`
}

// Hub fans recorder events out to subscribers. Slow subscribers lose
// events rather than block the session.
type Hub struct {
	mu        sync.Mutex
	clients   map[chan Event]struct{}
	lastFrame time.Time
	now       func() time.Time
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan Event]struct{}),
		now:     time.Now,
	}
}

// Subscribe registers a new client channel
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// ClientCount returns the number of subscribers
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish sends ev to every subscriber
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			logger.WithComponent("api").Debug().Str("type", ev.Type).Msg("Dropping event for slow client")
		}
	}
}

// Callbacks returns recorder callbacks publishing to the hub. next, when
// set, is invoked after publishing.
func (h *Hub) Callbacks(next recorder.Callbacks) recorder.Callbacks {
	return recorder.Callbacks{
		OnStatusChanged: func(status recorder.Status) {
			h.Publish(Event{Type: "status", Status: status.String()})
			if next.OnStatusChanged != nil {
				next.OnStatusChanged(status)
			}
		},
		OnFrameNumberChanged: func(frame int, ts time.Duration, preview image.Image) {
			if h.frameDue() {
				h.Publish(Event{Type: "frame", Frame: frame, TimestampMs: ts.Milliseconds()})
			}
			if next.OnFrameNumberChanged != nil {
				next.OnFrameNumberChanged(frame, ts, preview)
			}
		},
		OnComplete: func(path string, delays map[int]time.Duration) {
			ev := Event{Type: "complete", Path: path}
			if len(delays) > 0 {
				ev.FrameDelays = make(map[int]int64, len(delays))
				for k, v := range delays {
					ev.FrameDelays[k] = v.Milliseconds()
				}
			}
			h.Publish(ev)
			if next.OnComplete != nil {
				next.OnComplete(path, delays)
			}
		},
		OnFailed: func(message, path string) {
			h.Publish(Event{Type: "failed", Message: message, Path: path})
			if next.OnFailed != nil {
				next.OnFailed(message, path)
			}
		},
		OnSnapshotCreated: func(path string) {
			h.Publish(Event{Type: "snapshot", Path: path})
			if next.OnSnapshotCreated != nil {
				next.OnSnapshotCreated(path)
			}
		},
	}
}

func (h *Hub) frameDue() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if now.Sub(h.lastFrame) < frameEventInterval {
		return false
	}
	h.lastFrame = now
	return true
}
