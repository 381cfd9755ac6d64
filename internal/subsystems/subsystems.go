// Package subsystems holds the reference tasks flown on the board: power,
// attitude, communications, payload, beacon and startup health checks.
// Each task only receives the HAL handles and queues it needs.
package subsystems

import (
	"fmt"
	"time"

	"cubesat-fsw/internal/command"
	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/task"
)

// Task kinds accepted in the mission profile.
const (
	KindEPS     = "eps"
	KindADCS    = "adcs"
	KindComms   = "comms"
	KindPayload = "payload"
	KindBeacon  = "beacon"
	KindHealth  = "health"
)

// Signals reported to the mode guards.
const (
	SignalBatteryVoltage = "battery_v"
	SignalAngularRate    = "angular_rate"
	SignalStartupChecks  = "startup_checks"
)

// Options carries the kind-specific settings from the profile.
type Options struct {
	FailAfter      int     `yaml:"fail_after" json:"fail_after,omitempty"`
	MaxPackets     int     `yaml:"max_packets" json:"max_packets,omitempty"`
	RequiredPasses int     `yaml:"required_passes" json:"required_passes,omitempty"`
	MinVoltage     float64 `yaml:"min_voltage" json:"min_voltage,omitempty"`
}

// Spec is the scheduling part of a task definition.
type Spec struct {
	Kind     string
	Period   time.Duration
	Priority int
	Critical bool
	Options  Options
}

// Uplink accepts decoded commands for the processor.
type Uplink interface {
	Push(r command.Request) (string, error)
}

// AckSource hands out outcomes waiting for downlink and takes back the ones
// the radio could not send.
type AckSource interface {
	Take(source command.Source) []command.Ack
	Requeue(acks []command.Ack)
}

// Deps are the capability handles tasks may receive.
type Deps struct {
	Board  hal.Board
	Uplink Uplink
	Acks   AckSource
	Boot   string
	Start  time.Time
}

// Kinds lists the supported task kinds.
func Kinds() []string {
	return []string{KindEPS, KindADCS, KindComms, KindPayload, KindBeacon, KindHealth}
}

// Build creates the task for spec.Kind.
func Build(spec Spec, deps Deps) (task.Task, error) {
	base := task.NewBase(spec.Period, spec.Priority, spec.Critical)
	switch spec.Kind {
	case KindEPS:
		if deps.Board.Power == nil {
			return nil, fmt.Errorf("eps: no power monitor")
		}
		return &EPS{Base: base, power: deps.Board.Power}, nil
	case KindADCS:
		if deps.Board.IMU == nil {
			return nil, fmt.Errorf("adcs: no imu")
		}
		return &ADCS{Base: base, imu: deps.Board.IMU, failAfter: spec.Options.FailAfter}, nil
	case KindComms:
		if deps.Board.Radio == nil || deps.Uplink == nil {
			return nil, fmt.Errorf("comms: radio and uplink are required")
		}
		maxPackets := spec.Options.MaxPackets
		if maxPackets <= 0 {
			maxPackets = 4
		}
		return &Comms{Base: base, radio: deps.Board.Radio, uplink: deps.Uplink, acks: deps.Acks, maxPackets: maxPackets}, nil
	case KindPayload:
		if deps.Board.Payload == nil {
			return nil, fmt.Errorf("payload: no payload handle")
		}
		return &Payload{Base: base, payload: deps.Board.Payload}, nil
	case KindBeacon:
		return &Beacon{Base: base, radio: deps.Board.Radio, boot: deps.Boot, start: deps.Start}, nil
	case KindHealth:
		passes := spec.Options.RequiredPasses
		if passes <= 0 {
			passes = 3
		}
		return &Health{Base: base, power: deps.Board.Power, imu: deps.Board.IMU, required: passes, minVoltage: spec.Options.MinVoltage}, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", spec.Kind)
	}
}

func deviceErr(device string, err error) error {
	return &hal.DeviceError{Device: device, Err: err}
}
