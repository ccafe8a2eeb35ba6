package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/ScreenRecorder/internal/config"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [OUTPUT]",
	Short: "Save a single screenshot",
	Long: `Compose the sources once and save the frame as an image.

OUTPUT may be a file or a directory that receives a timestamped file. The
path of the saved image is printed on stdout.`,
	Example: `  # Screenshot the primary display
  screenrecorder snapshot --source display

  # Screenshot a region as JPEG
  screenrecorder snapshot -s region:0,0,800,600 --format jpg shot.jpg`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshot,
}

var (
	snapshotFlags  captureFlags
	snapshotFormat string
)

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotFlags.register(snapshotCmd.Flags(), false)
	snapshotCmd.Flags().StringVarP(&snapshotFormat, "format", "f", "", "image format (png, jpg, bmp, tiff)")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	snapshotFlags.apply(cmd.Flags(), cfg)
	cfg.Output.Mode = config.ModeScreenshot
	if snapshotFormat != "" {
		cfg.Snapshot.Format = snapshotFormat
	}

	dest := ""
	if len(args) == 1 {
		dest = args[0]
	}
	path, err := runSession(cfg, dest, nil, 0, false)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
