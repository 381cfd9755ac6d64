package subsystems

import (
	"time"

	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/task"
)

// EPS samples the battery and feeds the voltage to the mode guards.
type EPS struct {
	task.Base
	power hal.PowerMonitor
}

func (e *EPS) Execute(now time.Time, tc *task.Context) task.Result {
	v := e.power.BatteryVoltage()
	switch v.Status {
	case hal.Pending:
		return task.Pending()
	case hal.Error:
		return task.Fail(deviceErr("power", v.Err))
	}
	payload := map[string]any{"battery_v": v.Value}
	if soc := e.power.StateOfCharge(); soc.Status == hal.Ready {
		payload["soc"] = soc.Value
	}
	if err := tc.Record("power", payload); err != nil {
		tc.Logger.Warn("record power", "error", err)
	}
	tc.Signal(SignalBatteryVoltage, v.Value)
	return task.Ready()
}
