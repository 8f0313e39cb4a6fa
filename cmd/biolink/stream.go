package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/boardfactory"
	"github.com/srg/biolink/pkg/biolink"
	"github.com/srg/biolink/pkg/config"
)

type streamOptions struct {
	board       string
	port        string
	mac         string
	name        string
	other       string
	timeout     time.Duration
	buffer      int
	duration    time.Duration
	interval    time.Duration
	format      string
	streamers   []string
	markerEvery time.Duration
	metricsAddr string
}

func newStreamCmd() *cobra.Command {
	opts := &streamOptions{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream samples from a board",
		Long: `Prepares a session, starts acquisition and prints drained rows until the
duration elapses or Ctrl+C is pressed.

Examples:
  # Ten seconds from a Cyton dongle as CSV
  biolink stream --board cyton --port /dev/ttyUSB0 --duration 10s --format csv

  # First Ganglion found nearby, also recorded to a file
  biolink stream --board ganglion --streamer file://session.csv:w

  # Software board with a marker every second
  biolink stream --board synthetic --marker-every 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStream(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.board, "board", "b", "", "Board: cyton, ganglion or synthetic (default from config)")
	f.StringVarP(&opts.port, "port", "p", "", "Serial port of the Cyton dongle")
	f.StringVar(&opts.mac, "mac", "", "Ganglion MAC address (scan by name when empty)")
	f.StringVar(&opts.name, "name", "", "Ganglion advertised-name filter")
	f.StringVar(&opts.other, "other", "", "Board-specific option (synthetic: square)")
	f.DurationVar(&opts.timeout, "timeout", 0, "Per-step handshake timeout")
	f.IntVar(&opts.buffer, "buffer", 0, "Rows buffered per preset")
	f.DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 streams until Ctrl+C)")
	f.DurationVar(&opts.interval, "interval", 250*time.Millisecond, "How often buffered rows are drained and printed")
	f.StringVarP(&opts.format, "format", "f", "", "Output format (table, csv, json)")
	f.StringSliceVar(&opts.streamers, "streamer", nil, "Extra sink, file://<path>:<w|a> (repeatable)")
	f.DurationVar(&opts.markerEvery, "marker-every", 0, "Insert an incrementing marker at this interval")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// apply copies explicitly set flags over the config.
func (o *streamOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("board") {
		cfg.Board = o.board
	}
	if changed("port") {
		cfg.SerialPort = o.port
	}
	if changed("mac") {
		cfg.MACAddress = o.mac
	}
	if changed("name") {
		cfg.DeviceName = o.name
	}
	if changed("other") {
		cfg.Other = o.other
	}
	if changed("timeout") {
		cfg.Timeout = o.timeout
	}
	if changed("buffer") {
		cfg.BufferSize = o.buffer
	}
	if changed("format") {
		cfg.OutputFormat = o.format
	}
	if changed("streamer") {
		cfg.Streamers = append(cfg.Streamers, o.streamers...)
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
}

func runStream(cmd *cobra.Command, opts *streamOptions) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cfg, logger := s.cfg, s.logger

	opts.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %s", opts.interval)
	}
	kind, err := cfg.Kind()
	if err != nil {
		return err
	}
	params := cfg.InputParams()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctrlOpts := []biolink.Option{
		biolink.WithDriverOptions(boardfactory.Options{Reconnect: &cfg.Reconnect}),
	}
	if cfg.MetricsAddr != "" {
		metrics, err := startMetricsServer(cfg.MetricsAddr, logger)
		if err != nil {
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
		defer func() {
			if err := metrics.Stop(); err != nil {
				logger.WithError(err).Warn("Failed to stop metrics server")
			}
		}()
		ctrlOpts = append(ctrlOpts, biolink.WithSessionOptions(board.WithMetricsRegisterer(metrics.registry)))
	}

	ctrl := biolink.New(logger, ctrlOpts...)
	defer func() {
		if err := ctrl.ReleaseAll(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to release sessions")
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %s", kind), "Preparing")
	progress.Start()
	err = ctrl.PrepareSession(ctx, kind, params)
	progress.Stop()
	if err != nil {
		return err
	}
	if err := ctrl.StartStream(ctx, kind, params, cfg.BufferSize, cfg.Streamers...); err != nil {
		return err
	}

	descs, err := ctrl.Describe(kind)
	if err != nil {
		return err
	}
	printers := make(map[board.Preset]*rowPrinter, descs.Len())
	for pair := descs.Oldest(); pair != nil; pair = pair.Next() {
		printers[pair.Key] = newRowPrinter(cmd.OutOrStdout(), cfg.OutputFormat, pair.Key, pair.Value)
	}

	drain := func() error {
		for pair := descs.Oldest(); pair != nil; pair = pair.Next() {
			snap, err := ctrl.GetBoardData(kind, params, 0, pair.Key)
			if err != nil && !errors.Is(err, board.ErrNoDataAvailable) {
				return err
			}
			if err := printers[pair.Key].Print(snap); err != nil {
				return err
			}
		}
		return nil
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	var markers <-chan time.Time
	if opts.markerEvery > 0 {
		markerTicker := time.NewTicker(opts.markerEvery)
		defer markerTicker.Stop()
		markers = markerTicker.C
	}
	var marker float64

	logger.WithFields(logrus.Fields{
		"board":  kind.String(),
		"buffer": cfg.BufferSize,
		"format": cfg.OutputFormat,
	}).Info("Streaming")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		case <-markers:
			marker++
			if err := ctrl.InsertMarker(kind, params, marker, board.DefaultPreset); err != nil {
				logger.WithError(err).Warn("Failed to insert marker")
			}
		}
	}

	// Buffers are cleared on stop, so print what is left first.
	if err := drain(); err != nil {
		return err
	}
	return ctrl.StopStream(context.Background(), kind, params)
}
