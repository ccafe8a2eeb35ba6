package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/ScreenRecorder/internal/api"
	"github.com/bryanchriswhite/ScreenRecorder/internal/capture"
	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/display"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
	"github.com/bryanchriswhite/ScreenRecorder/internal/output"
	"github.com/bryanchriswhite/ScreenRecorder/internal/recorder"
	"github.com/bryanchriswhite/ScreenRecorder/internal/window"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ScreenRecorder control server",
	Long: `Start the ScreenRecorder HTTP server.

The server exposes a REST API to start, pause, resume and end recordings,
manage sources and edit the configuration. Recorder events are pushed over
a websocket and the frames being recorded are previewed as MJPEG at
/stream. Changes to the config file are applied to the next recording.`,
	Example: `  # Start server on default port (8080)
  screenrecorder serve

  # Start server on custom port
  screenrecorder serve --port 9090

  # Start with debug logging
  screenrecorder serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// withPreview enables preview frames for the MJPEG stream
func withPreview(cfg *config.Config) *config.Config {
	if cfg.Output.PreviewSize == nil {
		cfg.Output.PreviewSize = &config.Size{Width: previewWidth}
	}
	return cfg
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")

	// Override port from flag if provided
	if port := viper.GetInt("server_port"); port > 0 {
		if err := configMgr.SetPort(port); err != nil {
			return fmt.Errorf("failed to save port: %w", err)
		}
	}
	cfg := withPreview(configMgr.Get())
	log.Info().Str("path", configMgr.GetConfigPath()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var windows capture.WindowResolver
	var listWindows func() ([]*window.Info, error)
	windowMgr, err := window.NewX11Manager()
	if err != nil {
		log.Warn().Err(err).Msg("Window sources unavailable")
	} else {
		defer windowMgr.Close()
		windows = windowMgr.Resolve
		listWindows = windowMgr.ListWindows
	}

	broadcaster := output.NewBroadcaster()
	if err := broadcaster.Start(); err != nil {
		return err
	}
	defer broadcaster.Stop()

	hub := api.NewHub()
	deps := recorder.DefaultDeps(cfg, windows)
	deps.Preview = broadcaster
	deps.Broadcaster = broadcaster
	rec := recorder.New(cfg, deps, hub.Callbacks(recorder.Callbacks{
		OnComplete: func(path string, _ map[int]time.Duration) {
			log.Info().Str("path", path).Msg("Recording saved")
		},
		OnFailed: func(message, path string) {
			log.Error().Str("error", message).Str("path", path).Msg("Recording failed")
		},
	}))
	defer rec.Close()

	go func() {
		err := configMgr.Watch(ctx, func(c *config.Config) {
			rec.SetConfig(withPreview(c))
			hub.Publish(api.Event{Type: "config"})
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}()

	server := api.NewServer(api.Options{
		Recorder:    rec,
		Config:      configMgr,
		Events:      hub,
		Broadcaster: broadcaster,
		Windows:     listWindows,
		Displays:    display.Connected,
	})

	port := configMgr.GetPort()
	fmt.Fprintln(os.Stderr, titleStyle.Render("ScreenRecorder")+" is running")
	fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("   - Web UI: http://localhost:%d", port)))
	fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("   - Preview: http://localhost:%d/viewer", port)))
	fmt.Fprintln(os.Stderr, dimStyle.Render("   - Press Ctrl+C to stop"))

	if err := server.Start(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("Shutting down gracefully")
	return nil
}
