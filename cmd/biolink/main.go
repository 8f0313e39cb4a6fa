package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "biolink",
		Short: "Biosignal acquisition from OpenBCI boards",
		Long: `Acquire EEG and auxiliary samples from OpenBCI boards:

- Stream rows from a Cyton (serial dongle), a Ganglion (BLE) or a synthetic board
- Describe the row layout of every supported board
- Scan for nearby boards
- Emulate a Cyton on a pseudo-terminal for testing without hardware`,
		Version: formatVersion(version),
		// main prints clean errors itself
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("biolink %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().String("config", "", "YAML config file; flags override its values")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newStreamCmd())
	root.AddCommand(newDescribeCmd())
	root.AddCommand(newScanCmd())
	root.AddCommand(newEmulateCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
