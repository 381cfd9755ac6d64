package telemetry

import "time"

// KernelStatus is a point-in-time view of the supervisor, published after every tick.
type KernelStatus struct {
	Boot      string           `json:"boot"`
	Cycle     uint64           `json:"cycle"`
	Mode      string           `json:"mode"`
	ModeSince time.Time        `json:"mode_since"`
	Timestamp time.Time        `json:"ts"`
	Tasks     []TaskStatus     `json:"tasks"`
	Watchdog  []WatchdogStatus `json:"watchdog,omitempty"`
	Data      DataStats        `json:"data"`
	Commands  CommandStats     `json:"commands"`
}

// TaskStatus summarises one registered task.
type TaskStatus struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Priority int       `json:"priority"`
	PeriodMS int64     `json:"period_ms"`
	Critical bool      `json:"critical"`
	Eligible bool      `json:"eligible"`
	Failures int       `json:"failures"`
	Runs     uint64    `json:"runs"`
	LastRun  time.Time `json:"last_run"`
}

// WatchdogStatus summarises one watchdog entry.
type WatchdogStatus struct {
	TaskID        string    `json:"task_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Misses        int       `json:"misses"`
	Threshold     int       `json:"threshold"`
	Action        string    `json:"action"`
	Tripped       bool      `json:"tripped"`
}

// DataStats reports data handler counters.
type DataStats struct {
	NextSeq        uint64            `json:"next_seq"`
	Resident       int               `json:"resident"`
	Pending        int               `json:"pending"`
	Overflows      map[string]uint64 `json:"overflows,omitempty"`
	Persisted      uint64            `json:"persisted"`
	FlushRetries   uint64            `json:"flush_retries"`
	FlushErrors    uint64            `json:"flush_errors"`
	DroppedFrames  uint64            `json:"dropped_frames"`
	MirrorFailures uint64            `json:"mirror_failures"`
}

// CommandStats reports command processor counters.
type CommandStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Queued   int    `json:"queued"`
	Dropped  uint64 `json:"dropped"`
}
