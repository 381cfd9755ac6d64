// Package fault defines the error taxonomy shared by the kernel components.
//
// Every kernel error is a *Error whose Kind is one of the sentinel values
// below, so callers can branch with errors.Is without string matching.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrUnknownTarget     = errors.New("unknown target")
	ErrIllegalState      = errors.New("illegal state")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrTaskFault         = errors.New("task fault")
	ErrStorage           = errors.New("storage error")
	ErrWatchdogTimeout   = errors.New("watchdog timeout")
	ErrDuplicateTask     = errors.New("duplicate task")
)

// Error carries a taxonomy kind, a message and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	s := e.Kind.Error()
	if e.Msg != "" {
		s = fmt.Sprintf("%s: %s", s, e.Msg)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Is matches the kind and anything the cause matches.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind error, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func Validation(format string, args ...any) error {
	return newf(ErrValidation, nil, format, args...)
}

func UnknownTarget(format string, args ...any) error {
	return newf(ErrUnknownTarget, nil, format, args...)
}

func IllegalState(format string, args ...any) error {
	return newf(ErrIllegalState, nil, format, args...)
}

func IllegalTransition(format string, args ...any) error {
	return newf(ErrIllegalTransition, nil, format, args...)
}

func DuplicateTask(format string, args ...any) error {
	return newf(ErrDuplicateTask, nil, format, args...)
}

func WatchdogTimeout(format string, args ...any) error {
	return newf(ErrWatchdogTimeout, nil, format, args...)
}

// TaskFault wraps the error (or recovered panic) raised inside a task body.
func TaskFault(cause error, format string, args ...any) error {
	return newf(ErrTaskFault, cause, format, args...)
}

// Storage wraps a durable log failure.
func Storage(cause error, format string, args ...any) error {
	return newf(ErrStorage, cause, format, args...)
}

// KindOf returns the taxonomy kind of err, or nil if err is not a kernel error.
func KindOf(err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return nil
}
