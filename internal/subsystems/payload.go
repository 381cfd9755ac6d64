package subsystems

import (
	"time"

	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/task"
)

// Payload powers the instrument while the task is scheduled and counts captures.
type Payload struct {
	task.Base
	payload  hal.Payload
	captures uint64
}

func (p *Payload) Execute(now time.Time, tc *task.Context) task.Result {
	if !p.payload.Powered() {
		res := p.payload.SetPower(true)
		switch res.Status {
		case hal.Pending:
			return task.Pending()
		case hal.Error:
			return task.Fail(deviceErr("payload", res.Err))
		}
		tc.Logger.Info("payload powered on")
		return task.Pending()
	}
	p.captures++
	if err := tc.Record("payload", map[string]any{"captures": p.captures}); err != nil {
		tc.Logger.Warn("record payload", "error", err)
	}
	return task.Ready()
}

// PowerOff drops payload power. The supervisor calls it when the payload task
// may no longer run.
func PowerOff(p hal.Payload) bool {
	if p == nil || !p.Powered() {
		return false
	}
	return p.SetPower(false).Status == hal.Ready
}
