package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/ScreenRecorder/internal/display"
	"github.com/bryanchriswhite/ScreenRecorder/internal/window"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capture targets",
	Long: `List the displays and windows that can be used as recording sources.

This command connects to the X11 server.`,
}

var listDisplaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List connected displays",
	Example: `  # List displays in table format (default)
  screenrecorder list displays

  # List displays in JSON format
  screenrecorder list displays --format json`,
	RunE: runListDisplays,
}

var listWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List top-level windows",
	Example: `  # List windows in table format (default)
  screenrecorder list windows

  # List windows in JSON format
  screenrecorder list windows --format json`,
	RunE: runListWindows,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.AddCommand(listDisplaysCmd)
	listCmd.AddCommand(listWindowsCmd)

	listCmd.PersistentFlags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func runListDisplays(cmd *cobra.Command, args []string) error {
	outputs, err := display.Connected()
	if err != nil {
		return err
	}

	switch listFormat {
	case "json":
		return printJSON(outputs)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "NAME\tSIZE\tPOSITION\tROTATION\tPRIMARY")
		fmt.Fprintln(w, "----\t----\t--------\t--------\t-------")
		for _, o := range outputs {
			primary := "No"
			if o.Primary {
				primary = "Yes"
			}
			fmt.Fprintf(w, "%s\t%dx%d\t%d,%d\t%d\t%s\n",
				o.Name, o.Width(), o.Height(), o.Bounds.Min.X, o.Bounds.Min.Y, int(o.Rotation), primary)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func runListWindows(cmd *cobra.Command, args []string) error {
	windowMgr, err := window.NewX11Manager()
	if err != nil {
		return fmt.Errorf("failed to connect to X11: %w", err)
	}
	defer windowMgr.Close()

	windows, err := windowMgr.ListWindows()
	if err != nil {
		return err
	}

	switch listFormat {
	case "json":
		return printJSON(windows)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "ID\tCLASS\tPID\tGEOMETRY\tTITLE")
		fmt.Fprintln(w, "--\t-----\t---\t--------\t-----")
		for _, win := range windows {
			title := win.Title
			if win.Focused {
				title += " *"
			}
			g := win.Geometry
			fmt.Fprintf(w, "0x%x\t%s\t%d\t%dx%d+%d+%d\t%s\n",
				win.ID, win.Class, win.PID, g.Dx(), g.Dy(), g.Min.X, g.Min.Y, title)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}
