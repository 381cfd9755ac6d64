// Package supervisor ties the kernel components into one fixed-tick control
// loop: commands, scheduler, watchdog, then flush, in that order.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"cubesat-fsw/internal/command"
	"cubesat-fsw/internal/config"
	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/hal/emulator"
	"cubesat-fsw/internal/logging"
	"cubesat-fsw/internal/mode"
	"cubesat-fsw/internal/observability"
	"cubesat-fsw/internal/scheduler"
	"cubesat-fsw/internal/subsystems"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/telemetry"
	"cubesat-fsw/internal/watchdog"
)

// StatusObserver is notified with the kernel status after every tick. It runs
// on the loop goroutine and must not block.
type StatusObserver interface {
	ObserveStatus(st telemetry.KernelStatus)
}

// Options configures Boot. Only Profile is required.
type Options struct {
	Profile *config.Profile
	// Board defaults to Emulator's handles, or to an emulated board built
	// from the profile when neither is set.
	Board    *hal.Board
	Emulator *emulator.Board
	// Log defaults to a segment log in the profile's data directory.
	Log       datahandler.Log
	Mirror    datahandler.Mirror
	Logger    *slog.Logger
	Observers []StatusObserver
	Boot      string
	Now       time.Time
	Clock     func() time.Time
}

// Supervisor owns every kernel component for one boot session.
type Supervisor struct {
	profile *config.Profile
	boot    string
	logger  *slog.Logger
	clock   func() time.Time

	data   *datahandler.Handler
	modes  *mode.Manager
	sched  *scheduler.Scheduler
	wdt    *watchdog.Monitor
	proc   *command.Processor
	uplink *command.Queue
	acks   *command.AckQueue
	params *command.Params

	board     hal.Board
	emu       *emulator.Board
	payloadID task.ID
	observers []StatusObserver

	cycle      uint64
	flushEvery uint64
	status     atomic.Pointer[telemetry.KernelStatus]
}

// Boot builds the kernel from the profile: it resumes the frame sequence from
// the durable log, builds the task registry, and starts in the initial mode.
func Boot(opts Options) (*Supervisor, error) {
	p := opts.Profile
	if p == nil {
		return nil, fault.Validation("supervisor: profile is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	now := opts.Now
	if now.IsZero() {
		now = clock()
	}
	boot := opts.Boot
	if boot == "" {
		boot = uuid.NewString()
	}
	logger = logger.With("boot", boot)

	s := &Supervisor{
		profile:    p,
		boot:       boot,
		logger:     logger,
		clock:      clock,
		emu:        opts.Emulator,
		payloadID:  task.ID(p.Commands.PayloadTask),
		observers:  opts.Observers,
		flushEvery: uint64(p.Data.FlushEvery),
	}
	switch {
	case opts.Board != nil:
		s.board = *opts.Board
	default:
		if s.emu == nil {
			s.emu = emulator.New(p.Board.Emulator)
		}
		s.board = s.emu.HAL()
	}
	if s.flushEvery == 0 {
		s.flushEvery = 1
	}

	log := opts.Log
	startSeq := uint64(1)
	if log == nil {
		seg, err := datahandler.OpenSegmentLog(p.Data.SegmentLogConfig())
		if err != nil {
			return nil, fault.Storage(err, "open durable log")
		}
		if n := seg.Repaired(); n > 0 {
			logger.Warn("durable log tail repaired", "path", seg.Path(), "bytes", n)
		}
		last, ok, err := datahandler.LastSeq(seg.Path())
		if err != nil {
			return nil, fault.Storage(err, "scan durable log %s", seg.Path())
		}
		if ok {
			startSeq = last + 1
		}
		log = seg
	}
	s.data = datahandler.New(p.Data.HandlerConfig(), log,
		datahandler.WithBoot(boot),
		datahandler.WithStartSeq(startSeq),
		datahandler.WithMirror(opts.Mirror),
		datahandler.WithLogger(logger.With("component", "data")),
	)

	var err error
	s.modes, err = mode.NewManager(p.ModeTable(), s.data, logger.With("component", "mode"), now)
	if err != nil {
		return nil, err
	}
	s.params, err = command.NewParams(p.Params)
	if err != nil {
		return nil, err
	}
	s.wdt = watchdog.New(
		watchdog.RestartFunc(func(id task.ID) error { return s.sched.Restart(id) }),
		s.modes,
		s.board.Watchdog,
		watchdog.WithRecorder(s.data),
		watchdog.WithExpectation(func(id task.ID) bool { return s.modes.Snapshot().Eligible(id) }),
		watchdog.WithLogger(logger.With("component", "watchdog")),
	)
	s.sched = scheduler.New(s.modes, s.data,
		scheduler.WithHeartbeats(s.wdt),
		scheduler.WithSignals(s.modes),
		scheduler.WithParams(s.params),
		scheduler.WithClock(clock),
		scheduler.WithLogger(logger.With("component", "sched")),
	)
	s.uplink = command.NewQueue(p.Commands.QueueDepth)
	s.acks = command.NewAckQueue(p.Commands.AckDepth)

	deps := subsystems.Deps{Board: s.board, Uplink: s.uplink, Acks: s.acks, Boot: boot, Start: now}
	for _, tc := range p.Tasks {
		impl, err := subsystems.Build(tc.Spec(), deps)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", tc.ID, err)
		}
		if err := s.sched.Register(scheduler.Registration{
			ID:               task.ID(tc.ID),
			Name:             tc.Name,
			Task:             impl,
			Enabled:          tc.IsEnabled(),
			Budget:           tc.Budget,
			FailureThreshold: tc.FailureThreshold,
		}); err != nil {
			return nil, err
		}
		if wd, ok := tc.WatchdogConfig(); ok {
			if err := s.wdt.Watch(task.ID(tc.ID), wd, now); err != nil {
				return nil, err
			}
		}
	}

	procOpts := []command.Option{
		command.WithAcks(s.acks),
		command.WithParams(s.params),
		command.WithLogger(logger.With("component", "cmd")),
	}
	if s.board.Watchdog != nil {
		procOpts = append(procOpts, command.WithResetLine(s.board.Watchdog))
	}
	if s.payloadID != "" {
		procOpts = append(procOpts, command.WithPayloadTask(s.payloadID))
	}
	s.proc = command.NewProcessor(s.sched, s.modes, s.data, procOpts...)

	if _, err := s.data.Write(telemetry.SourceSupervisor, telemetry.ChannelKernel, map[string]any{
		"event":     "boot",
		"profile":   p.Name,
		"version":   p.Version,
		"start_seq": startSeq,
		"mode":      string(s.modes.Current()),
		"tasks":     len(p.Tasks),
	}, now); err != nil {
		return nil, err
	}
	logger.Info("kernel booted", "profile", p.Name, "mode", s.modes.Current(), "tasks", len(p.Tasks), "start_seq", startSeq)
	s.publish(now)
	return s, nil
}

// TickReport summarises one Step.
type TickReport struct {
	Cycle      uint64
	Mode       mode.Mode
	Acks       []command.Ack
	Sched      scheduler.CycleReport
	Trips      []watchdog.Trip
	Flush      *datahandler.FlushResult
	PayloadOff bool
}

// Step runs one tick at now.
func (s *Supervisor) Step(ctx context.Context, now time.Time) TickReport {
	s.cycle++
	ctx, span := observability.StartSpan(ctx, "supervisor.tick", attribute.Int64("fsw.cycle", int64(s.cycle)))
	defer span.End()

	report := TickReport{Cycle: s.cycle}
	report.Acks = s.proc.Process(s.uplink, now)
	report.Sched = s.sched.RunCycle(now)
	report.Trips = s.wdt.Check(now)
	report.PayloadOff = s.payloadInterlock(now)
	if s.cycle%s.flushEvery == 0 {
		res := s.data.Flush()
		report.Flush = &res
		if res.Err != nil {
			logging.FromContext(ctx).Warn("flush failed", "error", res.Err, "dropped", res.Dropped)
		}
	}
	report.Mode = s.modes.Current()
	span.SetAttributes(
		attribute.String("fsw.mode", string(report.Mode)),
		attribute.Int("fsw.tasks_run", len(report.Sched.Ran)),
		attribute.Int("fsw.commands", len(report.Acks)),
	)
	if s.board.Watchdog != nil && !resetAsserted(report.Trips) {
		s.board.Watchdog.Pet()
	}
	s.publish(now)
	return report
}

// resetAsserted reports whether a trip in this tick asserted the reset line.
func resetAsserted(trips []watchdog.Trip) bool {
	for _, t := range trips {
		if t.Action == watchdog.ActionHardwareReset && t.Err == nil {
			return true
		}
	}
	return false
}

// payloadInterlock powers the payload down once its task may no longer run.
func (s *Supervisor) payloadInterlock(now time.Time) bool {
	if s.payloadID == "" || s.board.Payload == nil || !s.board.Payload.Powered() {
		return false
	}
	d, ok := s.sched.Lookup(s.payloadID)
	if ok && d.State == task.StateEnabled && s.modes.Snapshot().Eligible(s.payloadID) {
		return false
	}
	if !subsystems.PowerOff(s.board.Payload) {
		return false
	}
	s.logger.Info("payload powered off", "mode", s.modes.Current(), "state", d.State)
	if _, err := s.data.Write(telemetry.SourceSupervisor, telemetry.ChannelKernel, map[string]any{
		"event": "payload_off",
		"mode":  string(s.modes.Current()),
	}, now); err != nil {
		s.logger.Warn("record payload interlock", "error", err)
	}
	return true
}

// Run ticks until ctx is done, then flushes and closes the durable log.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	log.Info("starting supervisor", "tick_interval", s.profile.Tick, "profile", s.profile.Name)
	ticker := time.NewTicker(s.profile.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Step(ctx, s.clock())
		case <-ctx.Done():
			log.Info("stopping supervisor", "cycles", s.cycle)
			return s.Close()
		}
	}
}

// Close flushes pending frames and closes the durable log.
func (s *Supervisor) Close() error {
	res := s.data.Flush()
	if err := s.data.Close(); err != nil {
		return err
	}
	return res.Err
}

// Submit queues a command for the next tick. It is safe to call from any goroutine.
func (s *Supervisor) Submit(r command.Request) (string, error) {
	return s.uplink.Push(r)
}

// Ack returns the outcome of a processed request. It is safe to call from any goroutine.
func (s *Supervisor) Ack(requestID string) (command.Ack, bool) {
	return s.acks.Lookup(requestID)
}

// Status returns the status published after the last tick. It is safe to call from any goroutine.
func (s *Supervisor) Status() telemetry.KernelStatus {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return telemetry.KernelStatus{}
}

// BootID returns the boot session id.
func (s *Supervisor) BootID() string { return s.boot }

// Emulator returns the emulated board, or nil on real hardware.
func (s *Supervisor) Emulator() *emulator.Board { return s.emu }

// Data returns the data handler. Only the loop goroutine may use it.
func (s *Supervisor) Data() *datahandler.Handler { return s.data }

// Modes returns the state manager. Only the loop goroutine may use it.
func (s *Supervisor) Modes() *mode.Manager { return s.modes }

// Scheduler returns the task registry. Only the loop goroutine may use it.
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.sched }

// Watchdog returns the fault monitor. Only the loop goroutine may use it.
func (s *Supervisor) Watchdog() *watchdog.Monitor { return s.wdt }

// Params returns the runtime parameter document. Only the loop goroutine may use it.
func (s *Supervisor) Params() *command.Params { return s.params }

func (s *Supervisor) publish(now time.Time) {
	snap := s.modes.Snapshot()
	st := telemetry.KernelStatus{
		Boot:      s.boot,
		Cycle:     s.cycle,
		Mode:      string(snap.Mode),
		ModeSince: snap.Since,
		Timestamp: now,
		Watchdog:  s.wdt.Status(),
		Data:      s.data.Stats(),
	}
	for _, d := range s.sched.Tasks() {
		st.Tasks = append(st.Tasks, telemetry.TaskStatus{
			ID:       string(d.ID),
			Name:     d.Name,
			State:    string(d.State),
			Priority: d.Priority,
			PeriodMS: d.Period.Milliseconds(),
			Critical: d.Critical,
			Eligible: snap.Eligible(d.ID),
			Failures: d.Failures,
			Runs:     d.Runs,
			LastRun:  d.LastRun,
		})
	}
	st.Commands.Accepted, st.Commands.Rejected = s.proc.Stats()
	st.Commands.Queued = s.uplink.Len()
	st.Commands.Dropped = s.uplink.Dropped()
	s.status.Store(&st)
	for _, o := range s.observers {
		o.ObserveStatus(st)
	}
}
