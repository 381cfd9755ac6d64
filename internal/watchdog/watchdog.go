// Package watchdog tracks heartbeats of critical tasks and escalates when a task
// stays silent: local restart, forced mode transition, or hardware reset.
package watchdog

import (
	"fmt"
	"log/slog"
	"time"

	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/mode"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/telemetry"
)

// Action is the recovery action bound to an entry at registration.
type Action string

const (
	ActionRestartTask   Action = "RESTART_TASK"
	ActionForceMode     Action = "FORCE_MODE"
	ActionHardwareReset Action = "HARDWARE_RESET"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRestartTask, ActionForceMode, ActionHardwareReset:
		return true
	}
	return false
}

// Config is the per-task watchdog setting.
type Config struct {
	MaxSilence time.Duration
	Threshold  int
	Action     Action
}

// Entry is the watchdog record of one critical task.
type Entry struct {
	TaskID        task.ID
	LastHeartbeat time.Time
	MaxSilence    time.Duration
	Misses        int
	Threshold     int
	Action        Action
	Tripped       bool
}

// Restarter clears a task's failure state and re-enables it.
type Restarter interface {
	Restart(id task.ID) error
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func(id task.ID) error

func (f RestartFunc) Restart(id task.ID) error { return f(id) }

// Escalator requests mode transitions.
type Escalator interface {
	RequestTransition(trigger mode.Trigger, cause string, now time.Time) (mode.Mode, error)
}

// ResetLine drives the external hardware watchdog reset.
type ResetLine interface {
	AssertReset(reason string)
}

// Trip reports one triggered recovery action.
type Trip struct {
	TaskID task.ID
	Action Action
	Misses int
	Err    error
}

// Monitor holds the watchdog entries. It is driven by the supervisor loop.
type Monitor struct {
	restarter Restarter
	escalator Escalator
	reset     ResetLine
	frames    telemetry.Recorder
	expected  func(task.ID) bool
	logger    *slog.Logger

	entries map[task.ID]*Entry
	order   []task.ID
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithRecorder(r telemetry.Recorder) Option { return func(m *Monitor) { m.frames = r } }

// WithExpectation pauses entries whose task is not expected to run, such as
// tasks outside the current mode's eligible set.
func WithExpectation(fn func(task.ID) bool) Option { return func(m *Monitor) { m.expected = fn } }

// New creates a Monitor. Any collaborator may be nil; the matching action then fails.
func New(restarter Restarter, escalator Escalator, reset ResetLine, opts ...Option) *Monitor {
	m := &Monitor{
		restarter: restarter,
		escalator: escalator,
		reset:     reset,
		logger:    slog.Default(),
		entries:   make(map[task.ID]*Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch creates the entry for a critical task. The silence clock starts at now.
func (m *Monitor) Watch(id task.ID, cfg Config, now time.Time) error {
	if _, ok := m.entries[id]; ok {
		return fault.DuplicateTask("watchdog entry for %s already exists", id)
	}
	if cfg.MaxSilence <= 0 {
		return fault.Validation("watchdog %s: max silence must be positive", id)
	}
	if cfg.Threshold < 1 {
		return fault.Validation("watchdog %s: threshold must be at least 1", id)
	}
	if !cfg.Action.Valid() {
		return fault.Validation("watchdog %s: unknown action %q", id, cfg.Action)
	}
	m.entries[id] = &Entry{
		TaskID:        id,
		LastHeartbeat: now,
		MaxSilence:    cfg.MaxSilence,
		Threshold:     cfg.Threshold,
		Action:        cfg.Action,
	}
	m.order = append(m.order, id)
	return nil
}

// Heartbeat records liveness for id and clears its miss counter.
func (m *Monitor) Heartbeat(id task.ID, now time.Time) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.LastHeartbeat = now
	e.Misses = 0
	e.Tripped = false
}

// Check advances the miss counters and triggers each entry's action exactly
// once when its counter reaches the threshold.
func (m *Monitor) Check(now time.Time) []Trip {
	var trips []Trip
	for _, id := range m.order {
		e := m.entries[id]
		if m.expected != nil && !m.expected(id) {
			e.LastHeartbeat = now
			e.Misses = 0
			continue
		}
		if now.Sub(e.LastHeartbeat) <= e.MaxSilence {
			continue
		}
		e.Misses++
		if e.Tripped || e.Misses != e.Threshold {
			continue
		}
		e.Tripped = true
		trips = append(trips, m.trip(e, now))
	}
	return trips
}

func (m *Monitor) trip(e *Entry, now time.Time) Trip {
	t := Trip{TaskID: e.TaskID, Action: e.Action, Misses: e.Misses}
	timeout := fault.WatchdogTimeout("task %s silent for %s (%d misses)", e.TaskID, now.Sub(e.LastHeartbeat), e.Misses)
	m.logger.Error("watchdog timeout", "task", e.TaskID, "action", e.Action, "error", timeout)

	switch e.Action {
	case ActionRestartTask:
		if m.restarter == nil {
			t.Err = fault.IllegalState("no restarter for %s", e.TaskID)
		} else {
			t.Err = m.restarter.Restart(e.TaskID)
		}
	case ActionForceMode:
		if m.escalator == nil {
			t.Err = fault.IllegalState("no mode escalator for %s", e.TaskID)
		} else {
			_, t.Err = m.escalator.RequestTransition(mode.TriggerWatchdogEscalation, timeout.Error(), now)
		}
	case ActionHardwareReset:
		if m.reset == nil {
			t.Err = fault.IllegalState("no reset line for %s", e.TaskID)
		} else {
			m.reset.AssertReset(fmt.Sprintf("watchdog: %s", e.TaskID))
		}
	}
	if t.Err != nil {
		m.logger.Error("watchdog recovery failed", "task", e.TaskID, "action", e.Action, "error", t.Err)
	}

	if m.frames != nil {
		payload := map[string]any{
			"task":      string(e.TaskID),
			"action":    string(e.Action),
			"misses":    e.Misses,
			"silence":   now.Sub(e.LastHeartbeat).Milliseconds(),
			"error":     timeout.Error(),
			"recovered": t.Err == nil,
		}
		if t.Err != nil {
			payload["recovery_error"] = t.Err.Error()
		}
		if _, err := m.frames.Write(telemetry.SourceWatchdog, telemetry.ChannelWatchdog, payload, now); err != nil {
			m.logger.Warn("record watchdog frame", "error", err)
		}
	}
	return t
}

// Entry returns a copy of the entry for id.
func (m *Monitor) Entry(id task.ID) (Entry, bool) {
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Status returns the entries in registration order.
func (m *Monitor) Status() []telemetry.WatchdogStatus {
	out := make([]telemetry.WatchdogStatus, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		out = append(out, telemetry.WatchdogStatus{
			TaskID:        string(e.TaskID),
			LastHeartbeat: e.LastHeartbeat,
			Misses:        e.Misses,
			Threshold:     e.Threshold,
			Action:        string(e.Action),
			Tripped:       e.Tripped,
		})
	}
	return out
}
