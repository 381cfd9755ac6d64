// Telemetry frames and kernel status snapshots
package telemetry

import (
	"os"
	"time"
)

// SchemaVersion is stamped on every frame written during this build.
const SchemaVersion = 1

// Well-known channels written by kernel components. Tasks may use their own.
const (
	ChannelMode     = "mode"
	ChannelCommand  = "command"
	ChannelSchedule = "sched"
	ChannelWatchdog = "watchdog"
	ChannelKernel   = "kernel"
)

// Sources used by kernel components when they record frames.
const (
	SourceModeManager = "kernel.mode"
	SourceScheduler   = "kernel.sched"
	SourceCommand     = "kernel.cmd"
	SourceWatchdog    = "kernel.wdt"
	SourceSupervisor  = "kernel.sup"
)

// Frame is one immutable telemetry record. Payload must be treated as read-only
// once the frame has been written.
type Frame struct {
	Seq           uint64         `json:"seq"`
	Boot          string         `json:"boot,omitempty"`
	Source        string         `json:"source"`
	Channel       string         `json:"channel"`
	Timestamp     time.Time      `json:"ts"`
	SchemaVersion int            `json:"schema"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// FrameTableName holds the table name used when mirroring frames to GreptimeDB.
// It defaults to "fsw_frames" but can be overridden via FSW_FRAME_TABLE.
var FrameTableName = func() string {
	if env := os.Getenv("FSW_FRAME_TABLE"); env != "" {
		return env
	}
	return "fsw_frames"
}()

func (Frame) TableName() string {
	return FrameTableName
}

// Recorder is the Data Handler write handle handed to tasks and kernel components.
type Recorder interface {
	Write(source, channel string, payload map[string]any, now time.Time) (Frame, error)
}
