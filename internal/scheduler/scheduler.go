// Package scheduler runs registered tasks cooperatively, one at a time, in
// priority order. It is driven by the supervisor loop and is not safe for
// concurrent use.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/mode"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/telemetry"
)

// DefaultFailureThreshold applies when a registration does not set one.
const DefaultFailureThreshold = 3

// ModeSource provides the eligibility snapshot consulted at the start of each cycle.
type ModeSource interface {
	Snapshot() *mode.Snapshot
}

// Heartbeater receives liveness for critical tasks.
type Heartbeater interface {
	Heartbeat(id task.ID, now time.Time)
}

// Registration describes a task at boot.
type Registration struct {
	ID               task.ID
	Name             string
	Task             task.Task
	Enabled          bool
	Budget           time.Duration
	FailureThreshold int
}

type entry struct {
	desc task.Descriptor
	task task.Task
}

// Scheduler holds the task registry.
type Scheduler struct {
	modes   ModeSource
	frames  telemetry.Recorder
	beats   Heartbeater
	signals task.SignalSink
	params  task.ParamReader
	clock   func() time.Time
	logger  *slog.Logger

	byID  map[task.ID]*entry
	order []*entry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithHeartbeats(h Heartbeater) Option { return func(s *Scheduler) { s.beats = h } }

func WithSignals(sink task.SignalSink) Option { return func(s *Scheduler) { s.signals = sink } }

func WithParams(p task.ParamReader) Option { return func(s *Scheduler) { s.params = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock sets the clock used to measure execution time.
func WithClock(clock func() time.Time) Option { return func(s *Scheduler) { s.clock = clock } }

// New creates an empty scheduler.
func New(modes ModeSource, frames telemetry.Recorder, opts ...Option) *Scheduler {
	s := &Scheduler{
		modes:  modes,
		frames: frames,
		clock:  time.Now,
		logger: slog.Default(),
		byID:   make(map[task.ID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Enabled registrations start ENABLED, the rest stay REGISTERED.
func (s *Scheduler) Register(r Registration) error {
	if r.ID == "" {
		return fault.Validation("task id is required")
	}
	if r.Task == nil {
		return fault.Validation("task %s has no implementation", r.ID)
	}
	if r.Task.Period() <= 0 {
		return fault.Validation("task %s: period must be positive", r.ID)
	}
	if _, ok := s.byID[r.ID]; ok {
		return fault.DuplicateTask("task %s already registered", r.ID)
	}
	threshold := r.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	name := r.Name
	if name == "" {
		name = string(r.ID)
	}
	e := &entry{
		task: r.Task,
		desc: task.Descriptor{
			ID:               r.ID,
			Name:             name,
			Priority:         r.Task.Priority(),
			Period:           r.Task.Period(),
			State:            task.StateRegistered,
			Budget:           r.Budget,
			FailureThreshold: threshold,
			Critical:         r.Task.Critical(),
			Order:            len(s.order),
		},
	}
	if r.Enabled {
		e.desc.State = task.StateEnabled
	}
	s.byID[r.ID] = e
	s.order = append(s.order, e)
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.order[i].desc, s.order[j].desc
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Order < b.Order
	})
	return nil
}

// CycleReport lists what one cycle did.
type CycleReport struct {
	Mode    mode.Mode
	Ran     []task.ID
	Pending []task.ID
	Faulted []task.ID
	Failed  []task.ID
}

// RunCycle executes every eligible, enabled and due task once, in priority order.
// The mode snapshot is taken once, so a transition requested by a task only
// takes effect on the next cycle.
func (s *Scheduler) RunCycle(now time.Time) CycleReport {
	snap := s.modes.Snapshot()
	report := CycleReport{Mode: snap.Mode}
	for _, e := range s.order {
		d := &e.desc
		if !snap.Eligible(d.ID) || d.State != task.StateEnabled || !d.Due(now) {
			continue
		}
		s.run(e, snap.Mode, now, &report)
	}
	return report
}

func (s *Scheduler) run(e *entry, md mode.Mode, now time.Time, report *CycleReport) {
	d := &e.desc
	tc := task.NewContext(d.ID, string(md), now, s.logger, s.frames, s.signals, s.params)

	start := s.clock()
	res := invoke(e.task, now, tc)
	elapsed := s.clock().Sub(start)

	d.LastRun = now
	d.Runs++
	overrun := d.Budget > 0 && elapsed > d.Budget
	if overrun {
		d.Overruns++
		s.logger.Warn("task over budget", "task", d.ID, "elapsed", elapsed, "budget", d.Budget)
	}

	report.Ran = append(report.Ran, d.ID)
	switch res.Status {
	case task.StatusReady, task.StatusPending:
		if res.Status == task.StatusReady {
			d.Failures = 0
		} else {
			report.Pending = append(report.Pending, d.ID)
		}
		if d.Critical && s.beats != nil {
			s.beats.Heartbeat(d.ID, now)
		}
	default:
		d.Failures++
		err := fault.TaskFault(res.Err, "task %s", d.ID)
		report.Faulted = append(report.Faulted, d.ID)
		s.logger.Warn("task fault", "task", d.ID, "failures", d.Failures, "threshold", d.FailureThreshold, "error", err)
		if d.Failures >= d.FailureThreshold {
			d.State = task.StateFailed
			report.Failed = append(report.Failed, d.ID)
			s.logger.Error("task failed", "task", d.ID, "failures", d.Failures)
		}
	}

	payload := map[string]any{
		"task":        string(d.ID),
		"status":      res.Status.String(),
		"duration_us": elapsed.Microseconds(),
		"runs":        d.Runs,
	}
	if overrun {
		payload["overrun"] = true
		payload["budget_us"] = d.Budget.Microseconds()
	}
	if res.Status == task.StatusError {
		payload["failures"] = d.Failures
		payload["state"] = string(d.State)
		if res.Err != nil {
			payload["error"] = res.Err.Error()
		}
	}
	s.record(payload, now)
}

func invoke(t task.Task, now time.Time, tc *task.Context) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = task.Fail(fmt.Errorf("panic: %v", r))
		}
	}()
	return t.Execute(now, tc)
}

func (s *Scheduler) record(payload map[string]any, now time.Time) {
	if s.frames == nil {
		return
	}
	if _, err := s.frames.Write(telemetry.SourceScheduler, telemetry.ChannelSchedule, payload, now); err != nil {
		s.logger.Warn("record schedule frame", "error", err)
	}
}

func (s *Scheduler) lookup(id task.ID) (*entry, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, fault.UnknownTarget("task %s is not registered", id)
	}
	return e, nil
}

// Has reports whether id is registered.
func (s *Scheduler) Has(id task.ID) bool {
	_, ok := s.byID[id]
	return ok
}

// Lookup returns a copy of the descriptor of id.
func (s *Scheduler) Lookup(id task.ID) (task.Descriptor, bool) {
	e, ok := s.byID[id]
	if !ok {
		return task.Descriptor{}, false
	}
	return e.desc, true
}

// Tasks returns copies of all descriptors in execution order.
func (s *Scheduler) Tasks() []task.Descriptor {
	out := make([]task.Descriptor, len(s.order))
	for i, e := range s.order {
		out[i] = e.desc
	}
	return out
}

// Enable makes id runnable again and clears its failure counter.
func (s *Scheduler) Enable(id task.ID) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.desc.State = task.StateEnabled
	e.desc.Failures = 0
	return nil
}

// Disable stops scheduling id until it is enabled again.
func (s *Scheduler) Disable(id task.ID) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.desc.State = task.StateDisabled
	return nil
}

// Suspend parks id; only Enable or Restart resumes it.
func (s *Scheduler) Suspend(id task.ID) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.desc.State = task.StateSuspended
	return nil
}

// Restart clears the failure state of id, re-enables it and makes it due immediately.
func (s *Scheduler) Restart(id task.ID) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.desc.State = task.StateEnabled
	e.desc.Failures = 0
	e.desc.LastRun = time.Time{}
	return nil
}

// SetPeriod changes the run interval of id.
func (s *Scheduler) SetPeriod(id task.ID, period time.Duration) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if period <= 0 {
		return fault.Validation("task %s: period must be positive", id)
	}
	e.desc.Period = period
	return nil
}
