package subsystems

import (
	"fmt"
	"math"
	"time"

	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/task"
)

// ADCS reads body rates and reports the tumble magnitude. The control law
// itself lives outside the kernel.
type ADCS struct {
	task.Base
	imu       hal.IMU
	failAfter int
	calls     int
}

func (a *ADCS) Execute(now time.Time, tc *task.Context) task.Result {
	a.calls++
	failAfter := int(tc.ParamFloat("adcs.fail_after", float64(a.failAfter)))
	if failAfter > 0 && a.calls >= failAfter {
		return task.Fail(fmt.Errorf("adcs: injected fault on invocation %d", a.calls))
	}
	r := a.imu.AngularRate()
	switch r.Status {
	case hal.Pending:
		return task.Pending()
	case hal.Error:
		return task.Fail(deviceErr("imu", r.Err))
	}
	rate := math.Sqrt(r.Value.X*r.Value.X + r.Value.Y*r.Value.Y + r.Value.Z*r.Value.Z)
	controller := "pointing"
	if tc.Mode == "DETUMBLE" {
		controller = "bdot"
	}
	if err := tc.Record("attitude", map[string]any{
		"rate_x":     r.Value.X,
		"rate_y":     r.Value.Y,
		"rate_z":     r.Value.Z,
		"rate":       rate,
		"controller": controller,
	}); err != nil {
		tc.Logger.Warn("record attitude", "error", err)
	}
	tc.Signal(SignalAngularRate, rate)
	return task.Ready()
}
