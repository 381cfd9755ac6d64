package subsystems

import (
	"time"

	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/task"
)

// Health runs the startup checks and reports them nominal after enough
// consecutive passes.
type Health struct {
	task.Base
	power      hal.PowerMonitor
	imu        hal.IMU
	required   int
	minVoltage float64
	passes     int
}

func (h *Health) Execute(now time.Time, tc *task.Context) task.Result {
	ok := true
	checks := map[string]any{}
	if h.power != nil {
		v := h.power.BatteryVoltage()
		switch v.Status {
		case hal.Pending:
			return task.Pending()
		case hal.Ready:
			checks["battery_v"] = v.Value
			ok = ok && v.Value >= h.minVoltage
		default:
			ok = false
		}
	}
	if h.imu != nil {
		r := h.imu.AngularRate()
		switch r.Status {
		case hal.Pending:
			return task.Pending()
		case hal.Ready:
			checks["imu"] = "ok"
		default:
			checks["imu"] = "error"
			ok = false
		}
	}
	if ok {
		h.passes++
	} else {
		h.passes = 0
	}
	nominal := h.passes >= h.required
	checks["passes"] = h.passes
	checks["nominal"] = nominal
	if err := tc.Record("health", checks); err != nil {
		tc.Logger.Warn("record health", "error", err)
	}
	if nominal {
		tc.Signal(SignalStartupChecks, 1)
	} else {
		tc.Signal(SignalStartupChecks, 0)
	}
	return task.Ready()
}
