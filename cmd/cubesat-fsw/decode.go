package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/telemetry"
)

var (
	decodeChannel string
	decodeSource  string
	decodeFrom    uint64
	decodeTo      uint64
	decodeLimit   int
	decodeJSON    bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode <log-path>",
	Short: "Decode a durable telemetry log",
	Long:  "decode reads every intact frame of a segment log, including rotated backups, and prints those matching the filters.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flt := datahandler.Filter{
			Source:  decodeSource,
			Channel: decodeChannel,
			FromSeq: decodeFrom,
			ToSeq:   decodeTo,
		}
		var frames []telemetry.Frame
		stats, err := datahandler.ReadFrames(args[0], func(f telemetry.Frame) error {
			if flt.Match(f) {
				frames = append(frames, f)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		if decodeLimit > 0 && len(frames) > decodeLimit {
			frames = frames[len(frames)-decodeLimit:]
		}
		if decodeJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, f := range frames {
				if err := enc.Encode(f); err != nil {
					return err
				}
			}
		} else {
			renderFrames(cmd.OutOrStdout(), frames)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "segments=%d frames=%d truncated=%d matched=%d\n",
			stats.Segments, stats.Frames, stats.Truncated, len(frames))
		return nil
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeChannel, "channel", "", "Only frames on this channel")
	decodeCmd.Flags().StringVar(&decodeSource, "source", "", "Only frames from this source")
	decodeCmd.Flags().Uint64Var(&decodeFrom, "from", 0, "Lowest sequence number")
	decodeCmd.Flags().Uint64Var(&decodeTo, "to", 0, "Highest sequence number")
	decodeCmd.Flags().IntVar(&decodeLimit, "limit", 0, "Keep only the latest N matching frames")
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "Print JSON lines instead of a table")
}

func renderFrames(w io.Writer, frames []telemetry.Frame) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Seq", "Time", "Source", "Channel", "Payload"})
	tw.SetAutoWrapText(false)
	for _, f := range frames {
		tw.Append([]string{
			strconv.FormatUint(f.Seq, 10),
			f.Timestamp.UTC().Format(time.RFC3339Nano),
			f.Source,
			f.Channel,
			payloadSummary(f.Payload),
		})
	}
	tw.Render()
}

// payloadSummary renders a payload as sorted k=v pairs.
func payloadSummary(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}
