package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/biolink/scanner"
)

type scanOptions struct {
	duration  time.Duration
	format    string
	name      string
	allowList []string
	blockList []string
	allPorts  bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Find Cyton dongles and nearby Ganglion boards",
		Long: `Lists USB serial ports that carry a Cyton dongle, then listens for Ganglion
advertisements for the scan duration.

Examples:
  biolink scan
  biolink scan --duration 3s --format json
  biolink scan --all-ports --duration 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.DurationVarP(&opts.duration, "duration", "d", 0, "BLE scan duration, 0 skips BLE (default from config scan_timeout)")
	f.StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	f.StringVar(&opts.name, "name", "", "Advertised-name filter (default \"ganglion\")")
	f.StringSliceVar(&opts.allowList, "allow", nil, "Only show boards with these addresses")
	f.StringSliceVar(&opts.blockList, "block", nil, "Hide boards with these addresses")
	f.BoolVar(&opts.allPorts, "all-ports", false, "List every serial port, not only Cyton dongles")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if err := checkFormat(opts.format, "table", "json"); err != nil {
		return err
	}
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	scanOpts := scanner.DefaultScanOptions()
	scanOpts.Duration = s.cfg.ScanTimeout
	if cmd.Flags().Changed("duration") {
		scanOpts.Duration = opts.duration
	}
	if opts.name != "" {
		scanOpts.NameFilter = opts.name
	} else if s.cfg.DeviceName != "" {
		scanOpts.NameFilter = s.cfg.DeviceName
	}
	scanOpts.AllowList = opts.allowList
	scanOpts.BlockList = opts.blockList
	scanOpts.AllPorts = opts.allPorts

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for boards", "Listing serial ports", scanOpts.Duration, "Processing results")
	progress.Start()
	found, err := scanner.NewScanner(s.logger).Scan(ctx, scanOpts, progress.Callback())
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}
	return printCandidates(cmd.OutOrStdout(), found)
}

func printCandidates(out io.Writer, found []scanner.Candidate) error {
	if len(found) == 0 {
		_, err := fmt.Fprintln(out, "No boards discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BOARD\tTRANSPORT\tADDRESS\tNAME\tRSSI")
	for _, c := range found {
		name := c.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		rssi := "-"
		if c.Transport == scanner.TransportBLE {
			rssi = fmt.Sprintf("%d dBm", c.RSSI)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Board, c.Transport, c.Address, name, rssi)
	}
	return w.Flush()
}
