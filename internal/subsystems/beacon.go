package subsystems

import (
	"encoding/json"
	"time"

	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/task"
)

// Beacon periodically records and transmits a short liveness packet.
type Beacon struct {
	task.Base
	radio hal.Radio
	boot  string
	start time.Time
	count uint64
}

func (b *Beacon) Execute(now time.Time, tc *task.Context) task.Result {
	b.count++
	msg := map[string]any{
		"boot":   b.boot,
		"mode":   tc.Mode,
		"uptime": now.Sub(b.start).Seconds(),
		"count":  b.count,
	}
	if err := tc.Record("beacon", msg); err != nil {
		tc.Logger.Warn("record beacon", "error", err)
	}
	if b.radio != nil && tc.ParamString("beacon.transmit", "true") == "true" {
		data, _ := json.Marshal(msg)
		if res := b.radio.Transmit(data); res.Status == hal.Error {
			return task.Fail(deviceErr("radio", res.Err))
		}
	}
	return task.Ready()
}
