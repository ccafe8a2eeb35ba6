package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
	"github.com/bryanchriswhite/ScreenRecorder/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "screenrecorder",
		Short: "ScreenRecorder - capture displays, windows and regions to video",
		Long: `ScreenRecorder composes one or more capture sources into a single
canvas and records it as video, a slideshow of stills or a screenshot.

Features:
  • Capture displays, windows, screen regions, images and videos
  • Scale, anchor and crop every source on a shared canvas
  • Pause and resume without gaps in the output timeline
  • Automatic recovery when a capture source fails
  • Snapshots while recording
  • REST API with live MJPEG preview`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/screenrecorder/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", true, "human readable log output")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config manager and initializes logging. The
// --log-level flag overrides the configured level.
func loadConfig() (*config.Manager, error) {
	// Logs emitted while loading use the flag level
	logger.Init(viper.GetString("log_level"), viper.GetBool("log_pretty"))

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := configMgr.GetLogLevel()
	if rootCmd.PersistentFlags().Changed("log-level") {
		level = viper.GetString("log_level")
	}
	logger.Init(level, viper.GetBool("log_pretty"))
	return configMgr, nil
}
