package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cubesat-fsw/internal/logging"
	"cubesat-fsw/internal/sink"
)

var (
	replayInput     string
	replaySpeed     float64
	replayPrintOnly bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a telemetry log",
	Long:  "replay feeds frames from a durable segment log or a JSONL mirror file back into GreptimeDB or STDOUT, paced by their timestamps.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return fmt.Errorf("input file required")
		}
		if replaySpeed < 0 {
			return fmt.Errorf("invalid --speed %v", replaySpeed)
		}
		logger, logCloser, err := logging.NewWithOptions(logging.Options{Level: logLevel, Format: logFormat, Output: os.Stderr})
		if err != nil {
			return err
		}
		defer logCloser.Close()

		writer, _, cleanup, err := newWriters(writerOptions{
			PrintOnly: replayPrintOnly,
			TUI:       "off",
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if strings.HasSuffix(replayInput, ".jsonl") {
			return sink.ReplayJSONLFile(ctx, replayInput, writer, replaySpeed)
		}
		stats, err := sink.ReplayLog(ctx, replayInput, writer, replaySpeed)
		logger.Info("replay finished", "segments", stats.Segments, "frames", stats.Frames, "truncated", stats.Truncated)
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Durable log path or .jsonl mirror file")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "Playback speed multiplier (0 replays without pacing)")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print frames to STDOUT instead of writing to DB")
	replayCmd.MarkFlagRequired("input")
}
