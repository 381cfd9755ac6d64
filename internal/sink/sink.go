// Package sink mirrors flushed telemetry frames to operator-facing outputs:
// terminal, JSONL files, GreptimeDB and the live TUI.
package sink

import (
	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/telemetry"
)

// FrameWriter receives frames one at a time.
type FrameWriter interface {
	Write(f telemetry.Frame) error
}

// batchWriter is implemented by writers that accept whole flush batches.
type batchWriter interface {
	WriteBatch(frames []telemetry.Frame) error
}

// WriteAll sends frames to w, using WriteBatch when w supports it.
func WriteAll(w FrameWriter, frames []telemetry.Frame) error {
	if bw, ok := w.(batchWriter); ok {
		return bw.WriteBatch(frames)
	}
	for _, f := range frames {
		if err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

const (
	colorReset   = "\x1b[0m"
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorGray    = "\x1b[90m"
)

var channelPalette = []string{colorGreen, colorYellow, colorBlue, colorMagenta, colorCyan}

// channelColor returns a fixed color for kernel channels and a rotating one
// for task channels.
func channelColor(assigned map[string]string, channel string) string {
	switch channel {
	case telemetry.ChannelWatchdog:
		return colorRed
	case telemetry.ChannelMode:
		return colorMagenta
	case telemetry.ChannelCommand:
		return colorCyan
	}
	if c, ok := assigned[channel]; ok {
		return c
	}
	c := channelPalette[len(assigned)%len(channelPalette)]
	assigned[channel] = c
	return c
}

// Mirror adapts w to the data handler's mirror hook. The hook runs on the
// kernel loop, so w should be an AsyncWriter unless it never blocks.
func Mirror(w FrameWriter) datahandler.Mirror { return mirror{w: w} }

type mirror struct{ w FrameWriter }

func (m mirror) WriteBatch(frames []telemetry.Frame) error { return WriteAll(m.w, frames) }
