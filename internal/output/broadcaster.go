package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

// Broadcaster streams frames as Motion JPEG over HTTP, for a live preview
// of the recording in a browser
type Broadcaster struct {
	running bool
	mu      sync.RWMutex

	frameMu    sync.RWMutex
	current    []byte
	lastUpdate time.Time

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameCount uint64
	log        *zerolog.Logger
}

// NewBroadcaster creates a stopped broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan []byte]struct{}),
		log:     logger.WithComponent("mjpeg"),
	}
}

// Start accepts frames
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("broadcaster already running")
	}
	b.running = true
	b.frameCount = 0
	b.log.Info().Msg("MJPEG broadcaster started")
	return nil
}

// Stop disconnects every client
func (b *Broadcaster) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false

	b.clientsMu.Lock()
	for ch := range b.clients {
		close(ch)
	}
	b.clients = make(map[chan []byte]struct{})
	b.clientsMu.Unlock()

	b.log.Info().Uint64("frames", b.frameCount).Msg("MJPEG broadcaster stopped")
	return nil
}

// IsRunning returns true if the broadcaster accepts frames
func (b *Broadcaster) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// WriteFrame encodes frame as JPEG and publishes it
func (b *Broadcaster) WriteFrame(frame image.Image) error {
	if !b.IsRunning() {
		return fmt.Errorf("broadcaster not running")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	b.Publish(buf.Bytes())
	return nil
}

// Publish sends an encoded JPEG to every client. Slow clients skip frames.
func (b *Broadcaster) Publish(jpegData []byte) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.frameCount++
	b.mu.Unlock()

	b.frameMu.Lock()
	b.current = jpegData
	b.lastUpdate = time.Now()
	b.frameMu.Unlock()

	b.clientsMu.RLock()
	for ch := range b.clients {
		select {
		case ch <- jpegData:
		default:
		}
	}
	b.clientsMu.RUnlock()
}

// Current returns the last published JPEG and when it arrived
func (b *Broadcaster) Current() ([]byte, time.Time) {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.current, b.lastUpdate
}

// ClientCount returns the number of connected stream clients
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) subscribe() chan []byte {
	ch := make(chan []byte, 2)
	b.clientsMu.Lock()
	b.clients[ch] = struct{}{}
	b.clientsMu.Unlock()
	// the last frame first, so a paused recording still shows something
	if cur, _ := b.Current(); cur != nil {
		ch <- cur
	}
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan []byte) int {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	delete(b.clients, ch)
	return len(b.clients)
}

// Handler serves the multipart stream. Mount it at /stream.
func (b *Broadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frames := b.subscribe()
		b.log.Info().Int("clients", b.ClientCount()).Msg("Stream client connected")
		defer func() {
			remaining := b.unsubscribe(frames)
			b.log.Info().Int("clients", remaining).Msg("Stream client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frames:
				if !ok {
					return
				}
				if err := writePart(w, jpegData, nil); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// ViewerHandler serves a minimal page showing the stream
func (b *Broadcaster) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>ScreenRecorder preview</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
            background: #000;
        }
        #status {
            position: fixed;
            bottom: 16px;
            left: 16px;
            padding: 6px 12px;
            border-radius: 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            font: 13px system-ui, sans-serif;
        }
    </style>
</head>
<body>
    <img src="/stream" alt="Recording preview">
    <div id="status">idle</div>
    <script>
        const status = document.getElementById('status');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
        ws.onmessage = (ev) => {
            const msg = JSON.parse(ev.data);
            if (msg.type === 'status') status.textContent = msg.status;
            if (msg.type === 'frame') status.textContent = 'recording, frame ' + msg.frame;
        };
    </script>
</body>
</html>`
