// Package hal is the non-blocking boundary between tasks and board hardware.
//
// Every peripheral call returns immediately with Ready, Pending or Error.
// Pin and bus identifiers come from the board section of the mission profile.
package hal

import (
	"errors"
	"fmt"
)

// Status of a single HAL call.
type Status int

const (
	Ready Status = iota
	Pending
	Error
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Pending:
		return "pending"
	default:
		return "error"
	}
}

// Result is the outcome of a non-blocking peripheral operation.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

func ReadyOf[T any](v T) Result[T] { return Result[T]{Status: Ready, Value: v} }

func PendingOf[T any]() Result[T] { return Result[T]{Status: Pending} }

func ErrorOf[T any](err error) Result[T] {
	if err == nil {
		err = ErrDevice
	}
	return Result[T]{Status: Error, Err: err}
}

// ErrDevice is the generic device failure.
var ErrDevice = errors.New("hal: device error")

// DeviceError names the failing device.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("hal: %s: %v", e.Device, e.Err) }

func (e *DeviceError) Unwrap() error { return e.Err }

// Vec3 is a three-axis reading.
type Vec3 struct {
	X, Y, Z float64
}

// PowerMonitor reads the battery pack.
type PowerMonitor interface {
	BatteryVoltage() Result[float64]
	StateOfCharge() Result[float64]
}

// IMU reads body rates in rad/s.
type IMU interface {
	AngularRate() Result[Vec3]
}

// Radio moves raw uplink and downlink packets.
type Radio interface {
	Receive() Result[[]byte]
	Transmit(packet []byte) Result[int]
}

// Payload controls the payload power line.
type Payload interface {
	SetPower(on bool) Result[bool]
	Powered() bool
}

// WatchdogLine drives the external hardware watchdog.
type WatchdogLine interface {
	// Pet toggles the watchdog input so the external timer does not expire.
	Pet()
	// AssertReset forces a board reset.
	AssertReset(reason string)
}

// Board bundles the handles supplied to tasks at construction.
type Board struct {
	Power    PowerMonitor
	IMU      IMU
	Radio    Radio
	Payload  Payload
	Watchdog WatchdogLine
}

// Pins maps logical signal names to board pin numbers.
type Pins map[string]int

// Buses maps logical bus names to bus identifiers.
type Buses map[string]string
