package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/samplebuf"
)

func checkFormat(format string, allowed ...string) error {
	for _, f := range allowed {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format '%s': must be one of %v", format, allowed)
}

// columnNames labels every row index of d.
func columnNames(d board.Description) []string {
	names := make([]string, d.NumRows)
	for i := range names {
		names[i] = fmt.Sprintf("ch%d", i)
	}
	label := func(prefix string, chans []int) {
		for i, ch := range chans {
			names[ch] = fmt.Sprintf("%s%d", prefix, i+1)
		}
	}
	label("eeg", d.EEGChannels)
	label("accel", d.AccelChannels)
	label("analog", d.AnalogChannels)
	label("other", d.OtherChannels)
	label("resist", d.ResistanceChannels)
	label("ppg", d.PPGChannels)
	if d.BatteryChannel != nil {
		names[*d.BatteryChannel] = "battery"
	}
	names[d.PackageChannel] = "package"
	names[d.TimestampChannel] = "timestamp"
	names[d.MarkerChannel] = "marker"
	return names
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// rowPrinter writes snapshots of one preset in the chosen format. The header is
// written before the first row.
type rowPrinter struct {
	out     io.Writer
	format  string
	preset  board.Preset
	columns []string
	started bool

	csv  *csv.Writer
	json *json.Encoder
}

func newRowPrinter(out io.Writer, format string, preset board.Preset, d board.Description) *rowPrinter {
	p := &rowPrinter{out: out, format: format, preset: preset, columns: columnNames(d)}
	switch format {
	case "csv":
		p.csv = csv.NewWriter(out)
	case "json":
		p.json = json.NewEncoder(out)
	}
	return p
}

type jsonRow struct {
	Preset board.Preset       `json:"preset"`
	Values map[string]float64 `json:"values"`
}

func (p *rowPrinter) Print(snap samplebuf.Snapshot) error {
	if snap.Len() == 0 {
		return nil
	}
	switch p.format {
	case "csv":
		return p.printCSV(snap)
	case "json":
		for _, row := range snap.Rows {
			values := make(map[string]float64, len(row))
			for i, v := range row {
				values[p.columns[i]] = v
			}
			if err := p.json.Encode(jsonRow{Preset: p.preset, Values: values}); err != nil {
				return err
			}
		}
		return nil
	default:
		return p.printTable(snap)
	}
}

func (p *rowPrinter) printCSV(snap samplebuf.Snapshot) error {
	if !p.started {
		p.started = true
		if err := p.csv.Write(append([]string{"preset"}, p.columns...)); err != nil {
			return err
		}
	}
	record := make([]string, len(p.columns)+1)
	record[0] = p.preset.String()
	for _, row := range snap.Rows {
		for i, v := range row {
			record[i+1] = formatValue(v)
		}
		if err := p.csv.Write(record); err != nil {
			return err
		}
	}
	p.csv.Flush()
	return p.csv.Error()
}

func (p *rowPrinter) printTable(snap samplebuf.Snapshot) error {
	w := tabwriter.NewWriter(p.out, 10, 0, 2, ' ', 0)
	if !p.started {
		p.started = true
		bold := color.New(color.Bold)
		fmt.Fprintln(w, bold.Sprint(strings.ToUpper(p.preset.String()))+"\t"+strings.Join(p.columns, "\t"))
	}
	cells := make([]string, len(p.columns))
	for _, row := range snap.Rows {
		for i, v := range row {
			cells[i] = strconv.FormatFloat(v, 'g', 6, 64)
		}
		fmt.Fprintln(w, "\t"+strings.Join(cells, "\t"))
	}
	return w.Flush()
}
