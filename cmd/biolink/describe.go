package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/biolink/internal/board"
)

func newDescribeCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "describe [board]",
		Short: "Show the row layout of a board",
		Long: `Prints sampling rate, row width and channel indices for every preset of a
board, or of all boards when none is given.

Examples:
  biolink describe cyton
  biolink describe --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, "table", "json"); err != nil {
				return err
			}
			kinds := board.Kinds()
			if len(args) == 1 {
				kind, err := board.ParseKind(args[0])
				if err != nil {
					return err
				}
				kinds = []board.Kind{kind}
			}
			cmd.SilenceUsage = true

			catalog := orderedmap.New[board.Kind, *board.Descriptions]()
			for _, k := range kinds {
				descs, err := board.DescribeKind(k)
				if err != nil {
					return err
				}
				catalog.Set(k, descs)
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(catalog)
			}
			return printDescriptions(cmd.OutOrStdout(), catalog)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func printDescriptions(out io.Writer, catalog *orderedmap.OrderedMap[board.Kind, *board.Descriptions]) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := color.New(color.Bold)
	fmt.Fprintln(w, header.Sprint("BOARD")+"\tPRESET\tRATE\tROWS\tEEG\tACCEL\tOTHER\tTIMESTAMP\tMARKER")
	for kp := catalog.Oldest(); kp != nil; kp = kp.Next() {
		for dp := kp.Value.Oldest(); dp != nil; dp = dp.Next() {
			d := dp.Value
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%d\t%d\n",
				kp.Key, dp.Key, d.SamplingRate, d.NumRows,
				channelList(d.EEGChannels), channelList(d.AccelChannels), otherChannels(d),
				d.TimestampChannel, d.MarkerChannel)
		}
	}
	return w.Flush()
}

func channelList(chans []int) string {
	if len(chans) == 0 {
		return "-"
	}
	if len(chans) > 2 && chans[len(chans)-1]-chans[0] == len(chans)-1 {
		return fmt.Sprintf("%d-%d", chans[0], chans[len(chans)-1])
	}
	parts := make([]string, len(chans))
	for i, c := range chans {
		parts[i] = fmt.Sprint(c)
	}
	return strings.Join(parts, ",")
}

// otherChannels summarizes the channel groups that have no column of their own.
func otherChannels(d board.Description) string {
	var parts []string
	add := func(name string, chans []int) {
		if len(chans) > 0 {
			parts = append(parts, name+" "+channelList(chans))
		}
	}
	add("analog", d.AnalogChannels)
	add("other", d.OtherChannels)
	add("resist", d.ResistanceChannels)
	add("ppg", d.PPGChannels)
	if d.BatteryChannel != nil {
		parts = append(parts, fmt.Sprintf("battery %d", *d.BatteryChannel))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "; ")
}
