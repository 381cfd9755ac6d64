// Package mode implements the mission-mode state machine. The current mode only
// changes through the transition table, and every change swaps in a new
// immutable Snapshot so readers never see a half-applied transition.
package mode

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/telemetry"
)

// Mode is a mission mode.
type Mode string

const (
	Startup  Mode = "STARTUP"
	Nominal  Mode = "NOMINAL"
	LowPower Mode = "LOW_POWER"
	Safe     Mode = "SAFE"
	Detumble Mode = "DETUMBLE"
	Recovery Mode = "RECOVERY"
)

// Trigger names the condition that causes a transition.
type Trigger string

// TriggerWatchdogEscalation is requested by the watchdog FORCE_MODE action.
const TriggerWatchdogEscalation Trigger = "WATCHDOG_ESCALATION"

// GotoTrigger is the trigger used by commanded transitions to m.
func GotoTrigger(m Mode) Trigger { return Trigger("GOTO_" + string(m)) }

// Transition is one row of the transition table.
type Transition struct {
	From    Mode
	Trigger Trigger
	To      Mode
}

// Comparison of a guard.
const (
	Below = "below"
	Above = "above"
)

// Guard fires Trigger when an observed signal crosses Threshold.
type Guard struct {
	Signal    string
	Op        string
	Threshold float64
	Trigger   Trigger
}

func (g Guard) matches(value float64) bool {
	switch g.Op {
	case Below:
		return value < g.Threshold
	case Above:
		return value > g.Threshold
	}
	return false
}

// Table is the static mode configuration loaded from the mission profile.
type Table struct {
	Initial     Mode
	Modes       []Mode
	Transitions []Transition
	Eligibility map[Mode][]task.ID
	Guards      []Guard
}

type edge struct {
	from    Mode
	trigger Trigger
}

// Snapshot is an immutable view of the state machine.
type Snapshot struct {
	Mode        Mode
	Previous    Mode
	Since       time.Time
	Transitions uint64
	eligible    map[task.ID]struct{}
}

// Eligible reports whether id may run in this snapshot's mode.
func (s *Snapshot) Eligible(id task.ID) bool {
	_, ok := s.eligible[id]
	return ok
}

// EligibleIDs returns the eligible task ids, sorted.
func (s *Snapshot) EligibleIDs() []task.ID {
	out := make([]task.ID, 0, len(s.eligible))
	for id := range s.eligible {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Manager owns the mission mode.
type Manager struct {
	modes       []Mode
	edges       map[edge]Mode
	eligibility map[Mode]map[task.ID]struct{}
	guards      []Guard
	frames      telemetry.Recorder
	logger      *slog.Logger

	current *Snapshot
}

// NewManager validates the table and starts in its initial mode.
func NewManager(t Table, frames telemetry.Recorder, logger *slog.Logger, now time.Time) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		modes:       slices.Clone(t.Modes),
		edges:       make(map[edge]Mode, len(t.Transitions)),
		eligibility: make(map[Mode]map[task.ID]struct{}, len(t.Modes)),
		guards:      slices.Clone(t.Guards),
		frames:      frames,
		logger:      logger,
	}
	for _, tr := range t.Transitions {
		m.edges[edge{tr.From, tr.Trigger}] = tr.To
	}
	for _, md := range t.Modes {
		set := make(map[task.ID]struct{})
		for _, id := range t.Eligibility[md] {
			set[id] = struct{}{}
		}
		m.eligibility[md] = set
	}
	m.current = &Snapshot{Mode: t.Initial, Since: now, eligible: m.eligibility[t.Initial]}
	return m, nil
}

// Validate checks the table for unknown modes and conflicting rows.
func (t Table) Validate() error {
	known := make(map[Mode]bool, len(t.Modes))
	for _, m := range t.Modes {
		if known[m] {
			return fault.Validation("mode %s declared twice", m)
		}
		known[m] = true
	}
	if !known[t.Initial] {
		return fault.Validation("initial mode %q is not declared", t.Initial)
	}
	seen := make(map[edge]bool, len(t.Transitions))
	for _, tr := range t.Transitions {
		if !known[tr.From] || !known[tr.To] {
			return fault.Validation("transition %s --%s--> %s references an undeclared mode", tr.From, tr.Trigger, tr.To)
		}
		if tr.Trigger == "" {
			return fault.Validation("transition from %s has no trigger", tr.From)
		}
		e := edge{tr.From, tr.Trigger}
		if seen[e] {
			return fault.Validation("transition %s --%s--> is defined twice", tr.From, tr.Trigger)
		}
		seen[e] = true
	}
	for m := range t.Eligibility {
		if !known[m] {
			return fault.Validation("eligibility for undeclared mode %q", m)
		}
	}
	for _, g := range t.Guards {
		if g.Op != Below && g.Op != Above {
			return fault.Validation("guard on %s: unknown comparison %q", g.Signal, g.Op)
		}
	}
	return nil
}

// Current returns the current mode.
func (m *Manager) Current() Mode { return m.current.Mode }

// Snapshot returns the current immutable snapshot.
func (m *Manager) Snapshot() *Snapshot { return m.current }

// Modes returns the declared modes in table order.
func (m *Manager) Modes() []Mode { return slices.Clone(m.modes) }

// Known reports whether md is a declared mode.
func (m *Manager) Known(md Mode) bool { return slices.Contains(m.modes, md) }

// EligibleIn reports whether id may run in mode md.
func (m *Manager) EligibleIn(md Mode, id task.ID) bool {
	_, ok := m.eligibility[md][id]
	return ok
}

// Target returns the destination of trigger from the current mode.
func (m *Manager) Target(trigger Trigger) (Mode, bool) {
	to, ok := m.edges[edge{m.current.Mode, trigger}]
	return to, ok
}

// TimeInMode returns how long the current mode has been active.
func (m *Manager) TimeInMode(now time.Time) time.Duration {
	return now.Sub(m.current.Since)
}

// RequestTransition applies trigger from the current mode or fails with an
// IllegalTransition error, leaving the mode untouched.
func (m *Manager) RequestTransition(trigger Trigger, cause string, now time.Time) (Mode, error) {
	prev := m.current
	to, ok := m.edges[edge{prev.Mode, trigger}]
	if !ok {
		return prev.Mode, fault.IllegalTransition("no transition from %s on %s", prev.Mode, trigger)
	}
	m.current = &Snapshot{
		Mode:        to,
		Previous:    prev.Mode,
		Since:       now,
		Transitions: prev.Transitions + 1,
		eligible:    m.eligibility[to],
	}
	m.logger.Info("mode transition", "from", prev.Mode, "to", to, "trigger", trigger, "cause", cause)
	if m.frames != nil {
		_, err := m.frames.Write(telemetry.SourceModeManager, telemetry.ChannelMode, map[string]any{
			"from":         string(prev.Mode),
			"to":           string(to),
			"trigger":      string(trigger),
			"cause":        cause,
			"time_in_mode": now.Sub(prev.Since).Milliseconds(),
		}, now)
		if err != nil {
			m.logger.Warn("record transition", "error", err)
		}
	}
	return to, nil
}

// Observe evaluates the guards on signal. A guard only fires when the table
// defines its trigger for the current mode, so out-of-mode crossings are ignored.
func (m *Manager) Observe(signal string, value float64, now time.Time) {
	for _, g := range m.guards {
		if g.Signal != signal || !g.matches(value) {
			continue
		}
		if _, ok := m.Target(g.Trigger); !ok {
			continue
		}
		cause := fmt.Sprintf("%s=%g %s %g", signal, value, g.Op, g.Threshold)
		if _, err := m.RequestTransition(g.Trigger, cause, now); err == nil {
			return
		}
	}
}
