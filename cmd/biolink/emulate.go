package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/biolink/internal/emulator"
)

func newEmulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Run a board emulator",
	}
	cmd.AddCommand(newEmulateCytonCmd())
	return cmd
}

func newEmulateCytonCmd() *cobra.Command {
	var (
		rate     float64
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cyton",
		Short: "Serve the Cyton serial protocol on a pseudo-terminal",
		Long: `Opens a pseudo-terminal and answers it like a Cyton dongle. Point the stream
command at the printed path:

  biolink emulate cyton
  biolink stream --board cyton --port /dev/pts/5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rate <= 0 {
				return fmt.Errorf("rate must be > 0, got %g", rate)
			}
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			emu, err := emulator.NewCyton(s.logger, emulator.WithRate(rate))
			if err != nil {
				return err
			}
			defer func() {
				if err := emu.Close(); err != nil {
					s.logger.WithError(err).Warn("Failed to close emulator")
				}
			}()

			fmt.Fprintln(cmd.OutOrStdout(), emu.TTYName())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			<-ctx.Done()

			s.logger.WithField("packets", emu.Packets()).Info("Emulator stopped")
			return nil
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", emulator.DefaultRate, "Packets per second while streaming")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	return cmd
}
