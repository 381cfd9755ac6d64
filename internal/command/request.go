// Package command validates and applies ground and autonomous commands.
package command

import (
	"encoding/json"
	"errors"
	"time"

	"cubesat-fsw/internal/fault"
)

// Opcode names a command.
type Opcode string

const (
	OpEnableTask       Opcode = "ENABLE_TASK"
	OpDisableTask      Opcode = "DISABLE_TASK"
	OpSuspendTask      Opcode = "SUSPEND_TASK"
	OpRestartTask      Opcode = "RESTART_TASK"
	OpEnablePayload    Opcode = "ENABLE_PAYLOAD"
	OpDisablePayload   Opcode = "DISABLE_PAYLOAD"
	OpSetTaskPeriod    Opcode = "SET_TASK_PERIOD"
	OpSetMode          Opcode = "SET_MODE"
	OpSetParam         Opcode = "SET_PARAM"
	OpRequestHeartbeat Opcode = "REQUEST_HEARTBEAT"
	OpForceReboot      Opcode = "FORCE_REBOOT"
)

// Source tags where a request came from.
type Source string

const (
	SourceGround     Source = "GROUND"
	SourceAutonomous Source = "AUTONOMOUS"
)

// Subsystem targets that are not tasks.
const (
	TargetMode   = "mode"
	TargetParams = "params"
	TargetKernel = "kernel"
)

// Request is one command as received.
type Request struct {
	ID         string          `json:"id"`
	Opcode     Opcode          `json:"opcode"`
	Target     string          `json:"target,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Source     Source          `json:"source"`
	Checksum   *uint32         `json:"checksum,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`

	// decodeErr is set when the wire form could not be decoded; the request is
	// still processed so the rejection gets recorded.
	decodeErr error
}

// ReasonCode is the stable numeric outcome code reported in acks and frames.
type ReasonCode int

const (
	ReasonAccepted          ReasonCode = 0
	ReasonValidation        ReasonCode = 10
	ReasonBadChecksum       ReasonCode = 11
	ReasonUnknownOpcode     ReasonCode = 12
	ReasonUnknownTarget     ReasonCode = 20
	ReasonIllegalState      ReasonCode = 30
	ReasonIllegalTransition ReasonCode = 31
	ReasonNotPermitted      ReasonCode = 32
	ReasonQueueFull         ReasonCode = 40
	ReasonApplyFailed       ReasonCode = 50
)

var reasonNames = map[ReasonCode]string{
	ReasonAccepted:          "ACCEPTED",
	ReasonValidation:        "VALIDATION",
	ReasonBadChecksum:       "BAD_CHECKSUM",
	ReasonUnknownOpcode:     "UNKNOWN_OPCODE",
	ReasonUnknownTarget:     "UNKNOWN_TARGET",
	ReasonIllegalState:      "ILLEGAL_STATE",
	ReasonIllegalTransition: "ILLEGAL_TRANSITION",
	ReasonNotPermitted:      "NOT_PERMITTED",
	ReasonQueueFull:         "QUEUE_FULL",
	ReasonApplyFailed:       "APPLY_FAILED",
}

func (r ReasonCode) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

var (
	ErrBadChecksum   = errors.New("checksum mismatch")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrNotPermitted  = errors.New("not permitted for source")
	ErrQueueFull     = errors.New("command queue full")
)

// ReasonFor maps an error from the processing pipeline to its reason code.
func ReasonFor(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonAccepted
	case errors.Is(err, ErrBadChecksum):
		return ReasonBadChecksum
	case errors.Is(err, ErrUnknownOpcode):
		return ReasonUnknownOpcode
	case errors.Is(err, ErrNotPermitted):
		return ReasonNotPermitted
	case errors.Is(err, ErrQueueFull):
		return ReasonQueueFull
	case errors.Is(err, fault.ErrValidation):
		return ReasonValidation
	case errors.Is(err, fault.ErrUnknownTarget):
		return ReasonUnknownTarget
	case errors.Is(err, fault.ErrIllegalTransition):
		return ReasonIllegalTransition
	case errors.Is(err, fault.ErrIllegalState):
		return ReasonIllegalState
	default:
		return ReasonApplyFailed
	}
}

// Ack is the terminal outcome of a request, made available to its source.
type Ack struct {
	RequestID string     `json:"request_id"`
	Opcode    Opcode     `json:"opcode"`
	Target    string     `json:"target,omitempty"`
	Source    Source     `json:"source"`
	Accepted  bool       `json:"accepted"`
	Reason    ReasonCode `json:"reason"`
	Detail    string     `json:"detail,omitempty"`
	FrameSeq  uint64     `json:"frame_seq,omitempty"`
	At        time.Time  `json:"at"`
}

// Err returns the rejection as an error, or nil when accepted.
func (a Ack) Err() error {
	if a.Accepted {
		return nil
	}
	return &RejectedError{Ack: a}
}

// RejectedError wraps a rejected ack.
type RejectedError struct {
	Ack Ack
}

func (e *RejectedError) Error() string {
	return string(e.Ack.Opcode) + " rejected (" + e.Ack.Reason.String() + "): " + e.Ack.Detail
}
