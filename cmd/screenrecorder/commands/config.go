package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ScreenRecorder configuration",
	Long:  `View and manage ScreenRecorder configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current ScreenRecorder configuration.`,
	Example: `  # Show configuration as YAML (default)
  screenrecorder config show

  # Show configuration as JSON
  screenrecorder config show --format json

  # Show configuration as TOML
  screenrecorder config show --format toml`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set a specific configuration value. Keys use the dotted form of the
config file, e.g. output.fps.`,
	Example: `  # Record at 60 fps
  screenrecorder config set output.fps 60

  # Cap a frame at 250ms when nothing changes on screen
  screenrecorder config set output.max_frame_length 250ms

  # Set log level
  screenrecorder config set log_level debug`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get the frame rate
  screenrecorder config get output.fps

  # Get log level
  screenrecorder config get log_level`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml, json or toml)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := config.Marshal(configMgr.Get(), formatFlag)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	if err := configMgr.Set(key, parseValue(value)); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	fmt.Println(successStyle.Render(fmt.Sprintf("Configuration updated: %s = %s", key, value)))
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	v := configMgr.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	fmt.Println(v.Get(key))
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}
