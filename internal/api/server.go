package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/display"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/output"
	"github.com/bryanchriswhite/ScreenRecorder/internal/recorder"
	"github.com/bryanchriswhite/ScreenRecorder/internal/window"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Controller is the session control surface driven over HTTP
type Controller interface {
	Status() recorder.Status
	BeginRecording(dest string) error
	PauseRecording() error
	ResumeRecording() error
	EndRecording() error
	TakeSnapshot(dest string) (string, error)
	SetConfig(cfg *config.Config)
}

// ConfigStore persists the configuration
type ConfigStore interface {
	Get() *config.Config
	Update(cfg *config.Config) error
	AddSource(src config.RecordingSource) (string, error)
	RemoveSource(id string) error
}

// Options are the collaborators of a Server. Nil lookups disable their
// endpoints.
type Options struct {
	Recorder    Controller
	Config      ConfigStore
	Events      *Hub
	Broadcaster *output.Broadcaster
	Windows     func() ([]*window.Info, error)
	Displays    func() ([]display.Output, error)
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	opts     Options
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Events == nil {
		opts.Events = NewHub()
	}
	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Session control
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/recording/begin", s.handleBegin).Methods("POST")
	api.HandleFunc("/recording/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/recording/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/recording/end", s.handleEnd).Methods("POST")
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("POST")
	api.HandleFunc("/events", s.handleEvents)

	// Sources
	api.HandleFunc("/sources", s.handleGetSources).Methods("GET")
	api.HandleFunc("/sources", s.handleAddSource).Methods("POST")
	api.HandleFunc("/sources/{id}", s.handleRemoveSource).Methods("DELETE")
	api.HandleFunc("/displays", s.handleDisplays).Methods("GET")
	api.HandleFunc("/windows", s.handleWindows).Methods("GET")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.opts.Broadcaster != nil {
		s.router.HandleFunc("/stream", s.opts.Broadcaster.Handler())
		s.router.HandleFunc("/viewer", s.opts.Broadcaster.ViewerHandler())
	}
	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", "http://localhost"+srv.Addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// controlStatus maps recorder errors to HTTP status codes
func controlStatus(err error) int {
	switch {
	case errors.Is(err, recorder.ErrInvalidState), errors.Is(err, recorder.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrNoSources):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body into v, accepting an empty body
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// HTTP Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  s.opts.Recorder.Status(),
		"clients": s.opts.Events.ClientCount(),
	})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Recorder.BeginRecording(req.Path); err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": s.opts.Recorder.Status()})
}

func (s *Server) handleControl(w http.ResponseWriter, op func() error) {
	if err := op(); err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": s.opts.Recorder.Status()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, s.opts.Recorder.PauseRecording)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, s.opts.Recorder.ResumeRecording)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, s.opts.Recorder.EndRecording)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path, err := s.opts.Recorder.TakeSnapshot(req.Path)
	if err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.opts.Events.Subscribe()
	defer s.opts.Events.Unsubscribe(events)

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial := Event{Type: "status", Status: s.opts.Recorder.Status().String(), Time: time.Now()}
	if err := conn.WriteJSON(initial); err != nil {
		s.log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Config.Get().Sources)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var src config.RecordingSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.opts.Config.AddSource(src)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.opts.Recorder.SetConfig(s.opts.Config.Get())
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.opts.Config.RemoveSource(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.opts.Recorder.SetConfig(s.opts.Config.Get())
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleDisplays(w http.ResponseWriter, r *http.Request) {
	if s.opts.Displays == nil {
		writeError(w, http.StatusNotImplemented, errors.New("display listing unavailable"))
		return
	}
	outputs, err := s.opts.Displays()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if s.opts.Windows == nil {
		writeError(w, http.StatusNotImplemented, errors.New("window listing unavailable"))
		return
	}
	windows, err := s.opts.Windows()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Config.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	// Fields missing from the body keep their current values
	cfg := s.opts.Config.Get()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Config.Update(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.opts.Recorder.SetConfig(s.opts.Config.Get())
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(indexHTML))
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("unknown endpoint %s", r.URL.Path))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>ScreenRecorder</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            max-width: 800px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 { color: #333; margin-top: 0; }
        #status {
            padding: 10px;
            background: #e8f5e9;
            border-left: 4px solid #4caf50;
            margin: 20px 0;
        }
        button { margin-right: 8px; padding: 6px 14px; }
        .info { color: #666; line-height: 1.6; }
        a { color: #1976d2; text-decoration: none; }
        code {
            background: #f5f5f5;
            padding: 2px 6px;
            border-radius: 3px;
            font-family: 'Courier New', monospace;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>ScreenRecorder</h1>
        <div id="status">connecting...</div>
        <div>
            <button onclick="post('/api/recording/begin')">Record</button>
            <button onclick="post('/api/recording/pause')">Pause</button>
            <button onclick="post('/api/recording/resume')">Resume</button>
            <button onclick="post('/api/recording/end')">Stop</button>
            <button onclick="post('/api/snapshot')">Snapshot</button>
        </div>
        <div class="info">
            <h3>API Endpoints:</h3>
            <ul>
                <li><a href="/api/health">/api/health</a> - Server health check</li>
                <li><a href="/api/status">/api/status</a> - Recorder status</li>
                <li><a href="/api/sources">/api/sources</a> - Recording sources</li>
                <li><a href="/api/displays">/api/displays</a> - Connected displays</li>
                <li><a href="/api/windows">/api/windows</a> - Top-level windows</li>
                <li><a href="/api/config">/api/config</a> - Configuration</li>
                <li><a href="/viewer">/viewer</a> - Live preview</li>
            </ul>
            <p>Events are pushed over <code>/api/events</code>.</p>
        </div>
    </div>
    <script>
        const status = document.getElementById('status');
        function post(path) {
            fetch(path, { method: 'POST' })
                .then(r => r.json())
                .then(j => { if (j.error) status.textContent = j.error; });
        }
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
        ws.onmessage = (m) => {
            const ev = JSON.parse(m.data);
            if (ev.type === 'status') status.textContent = ev.status;
            else if (ev.type === 'frame') status.textContent = 'recording: frame ' + ev.frame;
            else if (ev.type === 'complete') status.textContent = 'saved ' + ev.path;
            else if (ev.type === 'failed') status.textContent = 'failed: ' + ev.message;
            else if (ev.type === 'snapshot') status.textContent = 'snapshot ' + ev.path;
        };
        ws.onclose = () => { status.textContent = 'disconnected'; };
    </script>
</body>
</html>`
