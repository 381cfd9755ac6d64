package command

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/mode"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/telemetry"
)

// MaxTaskPeriod bounds SET_TASK_PERIOD.
const MaxTaskPeriod = time.Hour

// Registry is the task registry as seen by commands.
type Registry interface {
	Lookup(id task.ID) (task.Descriptor, bool)
	Tasks() []task.Descriptor
	Enable(id task.ID) error
	Disable(id task.ID) error
	Suspend(id task.ID) error
	Restart(id task.ID) error
	SetPeriod(id task.ID, period time.Duration) error
}

// Modes is the state manager as seen by commands.
type Modes interface {
	Snapshot() *mode.Snapshot
	Known(m mode.Mode) bool
	Target(trigger mode.Trigger) (mode.Mode, bool)
	RequestTransition(trigger mode.Trigger, cause string, now time.Time) (mode.Mode, error)
}

// ResetLine asserts the external hardware reset.
type ResetLine interface {
	AssertReset(reason string)
}

type targetKind int

const (
	targetTask targetKind = iota
	targetPayload
	targetSubsystem
)

// definition describes one opcode. Checks run in the order validate, target,
// precondition; apply performs the whole effect in one step.
type definition struct {
	target       targetKind
	subsystem    string
	groundOnly   bool
	validate     func(p *Processor, r Request) error
	precondition func(p *Processor, r Request) error
	apply        func(p *Processor, r Request, now time.Time) error
}

var definitions = map[Opcode]definition{
	OpEnableTask: {
		target:       targetTask,
		precondition: requireEligible,
		apply:        func(p *Processor, r Request, _ time.Time) error { return p.registry.Enable(task.ID(r.Target)) },
	},
	OpDisableTask: {
		target:       targetTask,
		precondition: requireNonCritical,
		apply:        func(p *Processor, r Request, _ time.Time) error { return p.registry.Disable(task.ID(r.Target)) },
	},
	OpSuspendTask: {
		target:       targetTask,
		precondition: requireNonCritical,
		apply:        func(p *Processor, r Request, _ time.Time) error { return p.registry.Suspend(task.ID(r.Target)) },
	},
	OpRestartTask: {
		target:       targetTask,
		precondition: requireEligible,
		apply:        func(p *Processor, r Request, _ time.Time) error { return p.registry.Restart(task.ID(r.Target)) },
	},
	OpEnablePayload: {
		target:       targetPayload,
		precondition: requireEligible,
		apply:        func(p *Processor, r Request, _ time.Time) error { return p.registry.Enable(task.ID(r.Target)) },
	},
	OpDisablePayload: {
		target: targetPayload,
		apply:  func(p *Processor, r Request, _ time.Time) error { return p.registry.Disable(task.ID(r.Target)) },
	},
	OpSetTaskPeriod: {
		target:   targetTask,
		validate: validatePeriod,
		apply: func(p *Processor, r Request, _ time.Time) error {
			ms := gjson.GetBytes(r.Args, "period_ms").Int()
			return p.registry.SetPeriod(task.ID(r.Target), time.Duration(ms)*time.Millisecond)
		},
	},
	OpSetMode: {
		target:       targetSubsystem,
		subsystem:    TargetMode,
		validate:     validateMode,
		precondition: requireModeEdge,
		apply: func(p *Processor, r Request, now time.Time) error {
			to := mode.Mode(gjson.GetBytes(r.Args, "mode").String())
			_, err := p.modes.RequestTransition(mode.GotoTrigger(to), fmt.Sprintf("command %s from %s", r.ID, r.Source), now)
			return err
		},
	},
	OpSetParam: {
		target:    targetSubsystem,
		subsystem: TargetParams,
		validate:  validateParam,
		apply: func(p *Processor, r Request, _ time.Time) error {
			if p.params == nil {
				return fault.IllegalState("no parameter store")
			}
			return p.params.Set(gjson.GetBytes(r.Args, "key").String(), gjson.GetBytes(r.Args, "value").Raw)
		},
	},
	OpRequestHeartbeat: {
		target:    targetSubsystem,
		subsystem: TargetKernel,
		apply:     (*Processor).heartbeat,
	},
	OpForceReboot: {
		target:       targetSubsystem,
		subsystem:    TargetKernel,
		groundOnly:   true,
		precondition: requireResetLine,
		apply: func(p *Processor, r Request, _ time.Time) error {
			p.reset.AssertReset(fmt.Sprintf("command %s", r.ID))
			return nil
		},
	},
}

// Opcodes returns every supported opcode.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, len(definitions))
	for op := range definitions {
		out = append(out, op)
	}
	return out
}

// Processor runs the validation pipeline and applies accepted commands. It is
// driven by the supervisor loop and is not safe for concurrent use.
type Processor struct {
	registry  Registry
	modes     Modes
	params    *Params
	frames    telemetry.Recorder
	acks      *AckQueue
	reset     ResetLine
	payloadID task.ID
	logger    *slog.Logger

	accepted uint64
	rejected uint64
}

// Option configures a Processor.
type Option func(*Processor)

func WithAcks(q *AckQueue) Option { return func(p *Processor) { p.acks = q } }

func WithResetLine(r ResetLine) Option { return func(p *Processor) { p.reset = r } }

func WithParams(params *Params) Option { return func(p *Processor) { p.params = params } }

// WithPayloadTask sets the task targeted by payload opcodes without a target.
func WithPayloadTask(id task.ID) Option { return func(p *Processor) { p.payloadID = id } }

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// NewProcessor wires the processor to the registry and state manager.
func NewProcessor(registry Registry, modes Modes, frames telemetry.Recorder, opts ...Option) *Processor {
	p := &Processor{
		registry:  registry,
		modes:     modes,
		frames:    frames,
		payloadID: "payload",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit processes one request to completion and returns its ack. The outcome
// is always recorded as a frame and queued for the request's source.
func (p *Processor) Submit(r Request, now time.Time) Ack {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = now
	}
	def, err := p.check(&r)
	if err == nil {
		err = def.apply(p, r, now)
	}
	return p.conclude(r, err, now)
}

// conclude counts, logs, records and queues the outcome of r.
func (p *Processor) conclude(r Request, err error, now time.Time) Ack {
	ack := Ack{
		RequestID: r.ID,
		Opcode:    r.Opcode,
		Target:    r.Target,
		Source:    r.Source,
		Accepted:  err == nil,
		Reason:    ReasonFor(err),
		At:        now,
	}
	if err != nil {
		ack.Detail = err.Error()
		p.rejected++
		p.logger.Info("command rejected", "id", r.ID, "opcode", r.Opcode, "target", r.Target, "reason", ack.Reason, "error", err)
	} else {
		p.accepted++
		p.logger.Info("command accepted", "id", r.ID, "opcode", r.Opcode, "target", r.Target, "source", r.Source)
	}
	ack.FrameSeq = p.record(ack, now)
	if p.acks != nil {
		p.acks.Push(ack)
	}
	return ack
}

// Process submits every request drained from q, in arrival order, then
// rejects the requests q refused while full.
func (p *Processor) Process(q *Queue, now time.Time) []Ack {
	reqs := q.Drain()
	refused := q.TakeRefused()
	acks := make([]Ack, 0, len(reqs)+len(refused))
	for _, r := range reqs {
		acks = append(acks, p.Submit(r, now))
	}
	for _, r := range refused {
		if r.Source == "" {
			r.Source = SourceGround
		}
		acks = append(acks, p.conclude(r, ErrQueueFull, now))
	}
	return acks
}

// Stats returns the accept and reject counters.
func (p *Processor) Stats() (accepted, rejected uint64) {
	return p.accepted, p.rejected
}

func (p *Processor) check(r *Request) (definition, error) {
	if r.decodeErr != nil {
		return definition{}, r.decodeErr
	}
	def, ok := definitions[r.Opcode]
	if !ok {
		return def, &fault.Error{Kind: fault.ErrValidation, Msg: fmt.Sprintf("opcode %q", r.Opcode), Err: ErrUnknownOpcode}
	}
	if r.Source != SourceGround && r.Source != SourceAutonomous {
		return def, fault.Validation("unknown source %q", r.Source)
	}
	if err := verifyChecksum(*r); err != nil {
		return def, err
	}
	if def.target == targetTask && r.Target == "" {
		return def, fault.Validation("%s requires a target task", r.Opcode)
	}
	if def.validate != nil {
		if err := def.validate(p, *r); err != nil {
			return def, err
		}
	}

	switch def.target {
	case targetPayload:
		if r.Target == "" {
			r.Target = string(p.payloadID)
		}
		fallthrough
	case targetTask:
		if _, ok := p.registry.Lookup(task.ID(r.Target)); !ok {
			return def, fault.UnknownTarget("task %q", r.Target)
		}
	case targetSubsystem:
		if r.Target == "" {
			r.Target = def.subsystem
		}
		if r.Target != def.subsystem {
			return def, fault.UnknownTarget("%s targets %q, got %q", r.Opcode, def.subsystem, r.Target)
		}
	}

	if def.groundOnly && r.Source != SourceGround {
		return def, &fault.Error{Kind: fault.ErrIllegalState, Msg: fmt.Sprintf("%s from %s", r.Opcode, r.Source), Err: ErrNotPermitted}
	}
	if def.precondition != nil {
		if err := def.precondition(p, *r); err != nil {
			return def, err
		}
	}
	return def, nil
}

func (p *Processor) record(a Ack, now time.Time) uint64 {
	if p.frames == nil {
		return 0
	}
	payload := map[string]any{
		"id":          a.RequestID,
		"opcode":      string(a.Opcode),
		"target":      a.Target,
		"source":      string(a.Source),
		"accepted":    a.Accepted,
		"reason":      a.Reason.String(),
		"reason_code": int(a.Reason),
	}
	if a.Detail != "" {
		payload["detail"] = a.Detail
	}
	f, err := p.frames.Write(telemetry.SourceCommand, telemetry.ChannelCommand, payload, now)
	if err != nil {
		p.logger.Warn("record command frame", "error", err)
		return 0
	}
	return f.Seq
}

func (p *Processor) heartbeat(_ Request, now time.Time) error {
	snap := p.modes.Snapshot()
	states := make(map[string]any)
	for _, d := range p.registry.Tasks() {
		states[string(d.ID)] = string(d.State)
	}
	if p.frames == nil {
		return nil
	}
	_, err := p.frames.Write(telemetry.SourceCommand, telemetry.ChannelKernel, map[string]any{
		"mode":         string(snap.Mode),
		"time_in_mode": now.Sub(snap.Since).Milliseconds(),
		"transitions":  snap.Transitions,
		"tasks":        states,
	}, now)
	return err
}

func requireEligible(p *Processor, r Request) error {
	snap := p.modes.Snapshot()
	if !snap.Eligible(task.ID(r.Target)) {
		return fault.IllegalState("%s: task %s is not eligible in %s", r.Opcode, r.Target, snap.Mode)
	}
	return nil
}

func requireNonCritical(p *Processor, r Request) error {
	d, _ := p.registry.Lookup(task.ID(r.Target))
	if d.Critical {
		return fault.IllegalState("%s: task %s is critical", r.Opcode, r.Target)
	}
	return nil
}

func requireModeEdge(p *Processor, r Request) error {
	to := mode.Mode(gjson.GetBytes(r.Args, "mode").String())
	if _, ok := p.modes.Target(mode.GotoTrigger(to)); !ok {
		return fault.IllegalState("no commanded transition from %s to %s", p.modes.Snapshot().Mode, to)
	}
	return nil
}

func requireResetLine(p *Processor, _ Request) error {
	if p.reset == nil {
		return fault.IllegalState("no hardware reset line")
	}
	return nil
}

func validatePeriod(_ *Processor, r Request) error {
	v := gjson.GetBytes(r.Args, "period_ms")
	if !v.Exists() || v.Type != gjson.Number {
		return fault.Validation("period_ms is required")
	}
	ms := v.Int()
	if ms <= 0 || ms > MaxTaskPeriod.Milliseconds() {
		return fault.Validation("period_ms %d out of range", ms)
	}
	return nil
}

func validateMode(p *Processor, r Request) error {
	v := gjson.GetBytes(r.Args, "mode")
	if !v.Exists() || v.Type != gjson.String || v.String() == "" {
		return fault.Validation("mode is required")
	}
	if !p.modes.Known(mode.Mode(v.String())) {
		return fault.Validation("unknown mode %q", v.String())
	}
	return nil
}

func validateParam(_ *Processor, r Request) error {
	key := gjson.GetBytes(r.Args, "key")
	if !key.Exists() || key.Type != gjson.String {
		return fault.Validation("key is required")
	}
	if !paramKey.MatchString(key.String()) {
		return fault.Validation("invalid parameter key %q", key.String())
	}
	if !gjson.GetBytes(r.Args, "value").Exists() {
		return fault.Validation("value is required")
	}
	return nil
}
