// Package recorder runs recording sessions: it paces frame acquisition
// from the capture coordinator, composes every frame to the output size
// and feeds the encoder, restarting capture when sources fail.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bryanchriswhite/ScreenRecorder/internal/audio"
	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/coordinator"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/output"
	"github.com/bryanchriswhite/ScreenRecorder/internal/overlay"
)

// timestampLayout names output files created for a directory destination
const timestampLayout = "2006-01-02_15-04-05.000"

// Deps are the collaborators of a recorder. Zero fields get the host
// implementations, except Sources, which DefaultDeps fills in.
type Deps struct {
	Sources         coordinator.SourceFactory
	CheckDependency func(src config.RecordingSource) error
	NewEncoder      func(opts output.Options) (output.Encoder, error)
	NewAudio        func(opts config.AudioOptions) (audio.Source, error)
	Overlays        coordinator.Overlays
	// Preview receives the preview frames, e.g. the MJPEG broadcaster
	Preview output.Sink
	// Broadcaster is handed to stream encoders
	Broadcaster *output.Broadcaster
	Fs          afero.Fs
	Now         func() time.Time
}

// DefaultDeps routes sources to the host capture backends and loads the
// configured overlay widgets
func DefaultDeps(cfg *config.Config, windows capture.WindowResolver) Deps {
	router := capture.NewRouter(cfg, windows)
	deps := Deps{
		Sources:         router.NewSource,
		CheckDependency: router.CheckDependencies,
	}
	if cfg.Overlay.Enabled && len(cfg.Overlay.Widgets) > 0 {
		overlays := overlay.NewManager(router.Fs)
		if err := overlays.LoadFromConfig(cfg.Overlay.Widgets); err != nil {
			logger.WithComponent("recorder").Warn().Err(err).Msg("Failed to load overlay widgets")
		}
		deps.Overlays = overlays
	}
	return deps
}

func (d *Deps) setDefaults() {
	if d.NewEncoder == nil {
		d.NewEncoder = output.New
	}
	if d.NewAudio == nil {
		d.NewAudio = audio.New
	}
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Recorder is the control surface of the recording sessions. At most one
// session runs at a time.
type Recorder struct {
	cfg  *config.Config
	deps Deps
	cb   Callbacks
	log  *zerolog.Logger

	mu      sync.Mutex
	status  Status
	session *session
	// done is closed once the latest session has reported its outcome
	done   chan struct{}
	closed bool
}

// New creates an idle recorder. cfg is copied for every session, so it
// may be changed between sessions with SetConfig.
func New(cfg *config.Config, deps Deps, cb Callbacks) *Recorder {
	deps.setDefaults()
	return &Recorder{
		cfg:  cfg.Clone(),
		deps: deps,
		cb:   cb,
		log:  logger.WithComponent("recorder"),
	}
}

// SetConfig replaces the configuration used by the next session
func (r *Recorder) SetConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.Clone()
}

// Config returns a copy of the current configuration
func (r *Recorder) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Clone()
}

// Status returns the current lifecycle state
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Recorder) setStatus(s Status) {
	r.mu.Lock()
	changed := r.status != s
	r.status = s
	closed := r.closed
	r.mu.Unlock()
	if changed && !closed {
		r.log.Debug().Str("status", s.String()).Msg("Status changed")
		r.cb.statusChanged(s)
	}
}

// CheckDependencies reports every source the host cannot capture
func (r *Recorder) CheckDependencies(sources []config.RecordingSource) error {
	if r.deps.CheckDependency == nil {
		return nil
	}
	var errs []error
	for _, src := range sources {
		if err := r.deps.CheckDependency(src); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BeginRecording starts a session writing to dest. An empty dest or a
// directory gets a timestamped file name. A paused session is resumed
// instead.
func (r *Recorder) BeginRecording(dest string) error {
	return r.begin(func(cfg *config.Config) (output.Target, error) {
		path, err := r.resolvePath(cfg, dest)
		return output.Target{Path: path}, err
	})
}

// BeginRecordingStream starts a session writing to w
func (r *Recorder) BeginRecordingStream(w io.Writer) error {
	if w == nil {
		return fmt.Errorf("nil output stream")
	}
	return r.begin(func(*config.Config) (output.Target, error) {
		return output.Target{Writer: w}, nil
	})
}

func (r *Recorder) begin(target func(cfg *config.Config) (output.Target, error)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: recorder closed", ErrInvalidState)
	}
	if r.session != nil {
		paused := r.status == StatusPaused
		r.mu.Unlock()
		if paused {
			return r.ResumeRecording()
		}
		r.cb.failed(ErrAlreadyRecording.Error(), "")
		return ErrAlreadyRecording
	}
	cfg := r.cfg.Clone()
	r.mu.Unlock()

	fail := func(err error) error {
		r.log.Error().Err(err).Msg("Cannot start recording")
		r.cb.failed(err.Error(), "")
		return err
	}

	if len(cfg.Sources) == 0 {
		return fail(ErrNoSources)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if err := r.CheckDependencies(cfg.Sources); err != nil {
		return fail(fmt.Errorf("missing dependencies: %w", err))
	}
	tgt, err := target(cfg)
	if err != nil {
		return fail(err)
	}

	s, err := newSession(r, cfg, tgt)
	if err != nil {
		return fail(err)
	}

	r.mu.Lock()
	if r.session != nil || r.closed {
		r.mu.Unlock()
		s.cancel()
		return ErrAlreadyRecording
	}
	r.session = s
	r.done = s.done
	r.mu.Unlock()

	r.log.Info().Str("target", tgt.String()).Str("mode", string(cfg.Output.Mode)).Int("sources", len(cfg.Sources)).Msg("Recording started")
	r.setStatus(StatusRecording)
	go r.run(s)
	return nil
}

func (r *Recorder) run(s *session) {
	defer close(s.done)
	res := s.run()

	r.mu.Lock()
	r.session = nil
	closed := r.closed
	r.mu.Unlock()
	r.setStatus(StatusIdle)
	if closed {
		return
	}

	if res.err != nil {
		r.log.Error().Err(res.err).Str("path", res.path).Msg("Recording failed")
		r.cb.failed(res.err.Error(), res.path)
		return
	}
	r.log.Info().Str("path", res.path).Int("frames", res.frames).Msg("Recording completed")
	r.cb.complete(res.path, res.delays)
}

// resolvePath picks the output file for dest. Slideshows write into a
// directory, so a directory dest gets a timestamped subdirectory.
func (r *Recorder) resolvePath(cfg *config.Config, dest string) (string, error) {
	if dest == "" {
		dest = cfg.Output.Directory
	}
	if dest == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dest = wd
	}
	if !r.isDir(dest) && !strings.HasSuffix(dest, string(filepath.Separator)) {
		return dest, nil
	}
	name := r.deps.Now().Format(timestampLayout)
	if cfg.Output.Mode != config.ModeSlideshow {
		name += "." + output.Extension(cfg.Output.Mode, cfg.Encoder, cfg.Snapshot)
	}
	return filepath.Join(dest, name), nil
}

func (r *Recorder) isDir(path string) bool {
	ok, err := afero.IsDir(r.deps.Fs, path)
	return err == nil && ok
}

func (r *Recorder) current() *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// PauseRecording pauses the media clock and stops writing frames
func (r *Recorder) PauseRecording() error {
	r.mu.Lock()
	s := r.session
	if s == nil || r.status != StatusRecording {
		st := r.status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, st)
	}
	s.paused.Store(true)
	r.mu.Unlock()
	r.setStatus(StatusPaused)
	r.log.Info().Msg("Recording paused")
	return nil
}

// ResumeRecording continues a paused session. Sources repaint fully on
// their next frame.
func (r *Recorder) ResumeRecording() error {
	r.mu.Lock()
	s := r.session
	if s == nil || r.status != StatusPaused {
		st := r.status
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, st)
	}
	s.paused.Store(false)
	r.mu.Unlock()
	s.invalidate()
	r.setStatus(StatusRecording)
	r.log.Info().Msg("Recording resumed")
	return nil
}

// EndRecording stops the session. The output is finalized in the
// background; OnComplete or OnFailed report the outcome.
func (r *Recorder) EndRecording() error {
	s := r.current()
	if s == nil {
		return fmt.Errorf("%w: not recording", ErrInvalidState)
	}
	s.cancel()
	return nil
}

// Wait blocks until the latest session has finished and its callbacks
// have returned
func (r *Recorder) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close ends any session without invoking callbacks
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	s := r.session
	r.mu.Unlock()
	if s != nil {
		s.cancel()
		<-s.done
	}
	return nil
}
