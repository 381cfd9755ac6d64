// Package task defines the contract between the scheduler and subsystem tasks.
package task

import (
	"time"
)

// ID identifies a task for the whole boot session.
type ID string

// State is the lifecycle state of a registered task.
type State string

const (
	StateRegistered State = "REGISTERED"
	StateEnabled    State = "ENABLED"
	StateDisabled   State = "DISABLED"
	StateSuspended  State = "SUSPENDED"
	StateFailed     State = "FAILED"
)

// Status is the outcome of one non-blocking poll of a task body.
type Status int

const (
	// StatusReady means the task completed its work for this invocation.
	StatusReady Status = iota
	// StatusPending means the task is waiting on hardware and will retry next period.
	StatusPending
	// StatusError means the task signalled a fault.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusPending:
		return "pending"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is returned by Task.Execute.
type Result struct {
	Status Status
	Err    error
}

func Ready() Result { return Result{Status: StatusReady} }

func Pending() Result { return Result{Status: StatusPending} }

// Fail reports a fault. A nil err still counts as a fault.
func Fail(err error) Result { return Result{Status: StatusError, Err: err} }

// Task is implemented by every subsystem the scheduler runs. Execute must not
// block: hardware waits are expressed by returning Pending.
type Task interface {
	Execute(now time.Time, tc *Context) Result
	Period() time.Duration
	Priority() int
	Critical() bool
}

// Base carries the static scheduling attributes and is embedded by task implementations.
type Base struct {
	period   time.Duration
	priority int
	critical bool
}

func NewBase(period time.Duration, priority int, critical bool) Base {
	return Base{period: period, priority: priority, critical: critical}
}

func (b Base) Period() time.Duration { return b.period }
func (b Base) Priority() int         { return b.priority }
func (b Base) Critical() bool        { return b.critical }

// Descriptor is the scheduler's record of a registered task.
type Descriptor struct {
	ID               ID            `json:"id"`
	Name             string        `json:"name"`
	Priority         int           `json:"priority"`
	Period           time.Duration `json:"period"`
	LastRun          time.Time     `json:"last_run"`
	State            State         `json:"state"`
	Budget           time.Duration `json:"budget"`
	Failures         int           `json:"failures"`
	FailureThreshold int           `json:"failure_threshold"`
	Critical         bool          `json:"critical"`
	Runs             uint64        `json:"runs"`
	Overruns         uint64        `json:"overruns"`
	// Order is the registration index, used to break priority ties.
	Order int `json:"order"`
}

// Due reports whether the period has elapsed since the last run.
func (d Descriptor) Due(now time.Time) bool {
	if d.LastRun.IsZero() {
		return true
	}
	return now.Sub(d.LastRun) >= d.Period
}
