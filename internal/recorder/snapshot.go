package recorder

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/gfx"
	"github.com/bryanchriswhite/ScreenRecorder/internal/output"
)

// TakeSnapshot saves the current output frame as an image and returns its
// path. dest may be a file, a directory or empty for the snapshot
// directory. It fails with ErrInvalidState unless a session is recording
// or paused.
func (r *Recorder) TakeSnapshot(dest string) (string, error) {
	r.mu.Lock()
	s, status := r.session, r.status
	r.mu.Unlock()
	if s == nil || (status != StatusRecording && status != StatusPaused) {
		return "", fmt.Errorf("%w: cannot take a snapshot while %s", ErrInvalidState, status)
	}

	path := s.snapshotPath(dest)
	if err := s.snapshot(path, status == StatusPaused); err != nil {
		r.log.Error().Err(err).Str("path", path).Msg("Snapshot failed")
		return "", err
	}
	r.cb.snapshotCreated(path)
	return path, nil
}

// snapshotDir is where snapshots go without an explicit destination: the
// configured directory, else a folder named after the output file
func (s *session) snapshotDir() string {
	if s.cfg.Snapshot.Directory != "" {
		return s.cfg.Snapshot.Directory
	}
	if s.target.Path != "" {
		// slideshow targets are already a folder of stills
		if s.cfg.Output.Mode == config.ModeSlideshow {
			return s.target.Path
		}
		return strings.TrimSuffix(s.target.Path, filepath.Ext(s.target.Path))
	}
	return s.cfg.Output.Directory
}

func (s *session) snapshotPath(dest string) string {
	if dest != "" && !s.r.isDir(dest) {
		return dest
	}
	dir := dest
	if dir == "" {
		dir = s.snapshotDir()
	}
	name := s.r.deps.Now().Format(timestampLayout) + "." + output.Extension(config.ModeScreenshot, s.cfg.Encoder, s.cfg.Snapshot)
	return filepath.Join(dir, name)
}

// snapshot writes the processed current frame to path. A paused session
// acquires a fresh frame since the canvas is not updated while paused.
func (s *session) snapshot(path string, fresh bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.pipe
	if p.coord == nil {
		return fmt.Errorf("%w: capture not started", ErrInvalidState)
	}

	var src *gfx.Surface
	if fresh {
		frame, err := p.coord.AcquireNextFrame(s.ctx, 0, s.cfg.Output.MaxFrameLength)
		switch {
		case errors.Is(err, capture.ErrWaitTimeout):
			if src, err = p.coord.CopyCurrentFrame(); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			src = frame.Surface
		}
	} else {
		var err error
		if src, err = p.coord.CopyCurrentFrame(); err != nil {
			return err
		}
	}
	defer src.Release()

	processed, err := s.process(p, src, p.coord.Pointer(), int(s.frames.Load()))
	if err != nil {
		return err
	}
	defer processed.Release()

	if err := output.WriteImage(s.r.deps.Fs, path, processed.Image()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.log.Info().Str("path", path).Msg("Snapshot saved")
	return nil
}

// periodicSnapshot runs on the snapshot wait group during video recording
func (s *session) periodicSnapshot() {
	path := s.snapshotPath("")
	if err := s.snapshot(path, false); err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("Periodic snapshot failed")
		}
		return
	}
	s.r.cb.snapshotCreated(path)
}
