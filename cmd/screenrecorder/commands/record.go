package commands

import (
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/display"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/output"
	"github.com/bryanchriswhite/ScreenRecorder/internal/recorder"
	"github.com/bryanchriswhite/ScreenRecorder/internal/window"
)

const (
	previewWidth  = 960
	previewHeight = 540
)

var recordCmd = &cobra.Command{
	Use:   "record [OUTPUT]",
	Short: "Record the configured sources",
	Long: `Record the configured sources, or the sources given with --source,
until interrupted.

OUTPUT may be a file, a directory that receives a timestamped file, or -
to write the encoded stream to stdout. Send SIGUSR1 to toggle pause and
SIGINT to finish the recording.`,
	Example: `  # Record the primary display to the default directory
  screenrecorder record --source display

  # Record two monitors side by side for one minute
  screenrecorder record -s display:DP-1 -s display:HDMI-1 -d 1m ~/Videos

  # Record a window by title at 60 fps
  screenrecorder record -s 'window:Firefox' --fps 60 out.mp4

  # Take a still every 5 seconds
  screenrecorder record --mode slideshow ~/Pictures/slides`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecord,
}

var (
	recordFlags    captureFlags
	recordOutput   string
	recordDuration time.Duration
	recordPreview  bool
)

func init() {
	rootCmd.AddCommand(recordCmd)

	f := recordCmd.Flags()
	recordFlags.register(f, true)
	f.StringVarP(&recordOutput, "output", "o", "", "output file or directory, - writes to stdout")
	f.DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long, 0 records until interrupted")
	f.BoolVar(&recordPreview, "preview", false, "show a live preview window")
}

// captureFlags are the session overrides shared by record and snapshot
type captureFlags struct {
	sources sourceList
	mode    string
	fps     int
	audio   bool
}

func (c *captureFlags) register(f *pflag.FlagSet, withMode bool) {
	f.VarP(&c.sources, "source", "s", "capture source, repeatable, replaces the configured sources")
	if withMode {
		f.StringVarP(&c.mode, "mode", "m", "", "recorder mode (video, slideshow or screenshot)")
		f.IntVar(&c.fps, "fps", 0, "frames per second")
		f.BoolVar(&c.audio, "audio", false, "capture audio")
	}
}

// apply copies the flags the user set onto cfg
func (c *captureFlags) apply(f *pflag.FlagSet, cfg *config.Config) {
	if len(c.sources) > 0 {
		cfg.Sources = append([]config.RecordingSource(nil), c.sources...)
		cfg.EnsureIDs()
	}
	if f.Changed("mode") {
		cfg.Output.Mode = config.RecorderMode(c.mode)
	}
	if f.Changed("fps") {
		cfg.Output.FPS = c.fps
	}
	if f.Changed("audio") {
		cfg.Audio.Enabled = c.audio
	}
}

func runRecord(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	recordFlags.apply(cmd.Flags(), cfg)

	dest := recordOutput
	if len(args) == 1 {
		dest = args[0]
	}

	var preview output.Sink
	if recordPreview {
		pw, err := display.NewPreviewWindow(previewWidth, previewHeight, "ScreenRecorder - Preview")
		if err != nil {
			return err
		}
		if err := pw.Start(); err != nil {
			return err
		}
		defer pw.Stop()
		preview = pw
		if cfg.Output.PreviewSize == nil {
			cfg.Output.PreviewSize = &config.Size{Width: previewWidth}
		}
	}

	fmt.Fprintln(os.Stderr, titleStyle.Render("ScreenRecorder")+" "+
		dimStyle.Render(fmt.Sprintf("%s, %d source(s)", cfg.Output.Mode, len(cfg.Sources))))

	out, err := runSession(cfg, dest, preview, recordDuration, true)
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Fprintln(os.Stderr, successStyle.Render("Saved "+out))
	}
	return nil
}

// sessionOutcome is what the recorder callbacks report at the end
type sessionOutcome struct {
	path string
	err  error
}

// newRecorder wires a recorder to the host backends. Window sources
// connect to the X server to resolve their window.
func newRecorder(cfg *config.Config, cb recorder.Callbacks, preview output.Sink) (*recorder.Recorder, func(), error) {
	var windows capture.WindowResolver
	cleanup := func() {}
	if hasWindowSource(cfg.Sources) {
		windowMgr, err := window.NewX11Manager()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to X11: %w", err)
		}
		windows = windowMgr.Resolve
		cleanup = func() { windowMgr.Close() }
	}

	deps := recorder.DefaultDeps(cfg, windows)
	deps.Preview = preview
	return recorder.New(cfg, deps, cb), cleanup, nil
}

func hasWindowSource(sources []config.RecordingSource) bool {
	for _, src := range sources {
		if src.Type == config.SourceWindow {
			return true
		}
	}
	return false
}

// runSession records cfg to dest until the session ends, the duration
// elapses or the user interrupts it, and returns the output path
func runSession(cfg *config.Config, dest string, preview output.Sink, duration time.Duration, showProgress bool) (string, error) {
	results := make(chan sessionOutcome, 1)
	report := func(o sessionOutcome) {
		select {
		case results <- o:
		default:
		}
	}

	var status *progress
	cb := recorder.Callbacks{
		OnComplete: func(path string, _ map[int]time.Duration) {
			report(sessionOutcome{path: path})
		},
		OnFailed: func(message, path string) {
			report(sessionOutcome{path: path, err: errors.New(message)})
		},
	}
	if showProgress {
		status = newProgress(os.Stderr)
		cb.OnStatusChanged = status.setStatus
		cb.OnFrameNumberChanged = func(frame int, ts time.Duration, _ image.Image) {
			status.update(frame, ts)
		}
		cb.OnSnapshotCreated = func(path string) {
			logger.WithComponent("cli").Info().Str("path", path).Msg("Snapshot saved")
		}
	}

	rec, cleanup, err := newRecorder(cfg, cb, preview)
	if err != nil {
		return "", err
	}
	defer cleanup()
	defer rec.Close()

	if dest == "-" {
		err = rec.BeginRecordingStream(os.Stdout)
	} else {
		err = rec.BeginRecording(dest)
	}
	if err != nil {
		return "", err
	}
	out := waitForSession(rec, results, duration)
	if status != nil {
		status.done()
	}
	return out.path, out.err
}

// waitForSession relays signals to the recorder until it reports an outcome
func waitForSession(rec *recorder.Recorder, results <-chan sessionOutcome, duration time.Duration) sessionOutcome {
	log := logger.WithComponent("cli")

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	end := func() {
		if err := rec.EndRecording(); err != nil {
			log.Debug().Err(err).Msg("End recording")
		}
	}

	for {
		select {
		case out := <-results:
			return out
		case <-deadline:
			end()
		case sig := <-sigs:
			if sig != syscall.SIGUSR1 {
				end()
				continue
			}
			if err := togglePause(rec); err != nil {
				log.Warn().Err(err).Msg("Cannot toggle pause")
			}
		}
	}
}

func togglePause(rec *recorder.Recorder) error {
	switch rec.Status() {
	case recorder.StatusRecording:
		return rec.PauseRecording()
	case recorder.StatusPaused:
		return rec.ResumeRecording()
	default:
		return fmt.Errorf("%w: %s", recorder.ErrInvalidState, rec.Status())
	}
}
