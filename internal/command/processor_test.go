package command

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/mode"
	"cubesat-fsw/internal/scheduler"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/telemetry"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type idle struct{ task.Base }

func (idle) Execute(time.Time, *task.Context) task.Result { return task.Ready() }

type resetLine struct{ n int }

func (r *resetLine) AssertReset(string) { r.n++ }

type fixture struct {
	proc  *Processor
	sched *scheduler.Scheduler
	modes *mode.Manager
	data  *datahandler.Handler
	acks  *AckQueue
	param *Params
	reset *resetLine
}

func newFixture(t *testing.T, initial mode.Mode) *fixture {
	t.Helper()
	fx := &fixture{data: datahandler.New(datahandler.Config{}, nil), acks: NewAckQueue(8), reset: &resetLine{}}
	m, err := mode.NewManager(mode.Table{
		Initial: initial,
		Modes:   []mode.Mode{mode.Nominal, mode.LowPower, mode.Safe},
		Transitions: []mode.Transition{
			{From: mode.Nominal, Trigger: "BATTERY_LOW", To: mode.LowPower},
			{From: mode.Nominal, Trigger: mode.GotoTrigger(mode.Safe), To: mode.Safe},
			{From: mode.Safe, Trigger: mode.GotoTrigger(mode.Nominal), To: mode.Nominal},
		},
		Eligibility: map[mode.Mode][]task.ID{
			mode.Nominal:  {"eps", "adcs", "comms", "payload"},
			mode.LowPower: {"eps", "adcs"},
			mode.Safe:     {"eps"},
		},
	}, fx.data, nil, t0)
	require.NoError(t, err)
	fx.modes = m
	fx.sched = scheduler.New(m, fx.data)
	for _, r := range []struct {
		id       task.ID
		critical bool
		enabled  bool
	}{
		{"eps", true, true},
		{"adcs", true, true},
		{"comms", false, true},
		{"payload", false, false},
	} {
		require.NoError(t, fx.sched.Register(scheduler.Registration{
			ID: r.id, Task: idle{task.NewBase(time.Second, 1, r.critical)}, Enabled: r.enabled,
		}))
	}
	fx.param, err = NewParams(map[string]any{"eps": map[string]any{"low_v": 6.5}})
	require.NoError(t, err)
	fx.proc = NewProcessor(fx.sched, m, fx.data, WithAcks(fx.acks), WithParams(fx.param), WithResetLine(fx.reset))
	return fx
}

func req(op Opcode, target string, args string) Request {
	r := Request{Opcode: op, Target: target, Source: SourceGround}
	if args != "" {
		r.Args = json.RawMessage(args)
	}
	return r
}

func state(fx *fixture, id task.ID) task.State {
	d, _ := fx.sched.Lookup(id)
	return d.State
}

func TestEnablePayloadDependsOnMode(t *testing.T) {
	fx := newFixture(t, mode.LowPower)
	ack := fx.proc.Submit(req(OpEnablePayload, "", ""), t0)
	assert.False(t, ack.Accepted)
	assert.Equal(t, ReasonIllegalState, ack.Reason)
	var rejected *RejectedError
	assert.ErrorAs(t, ack.Err(), &rejected)
	assert.Equal(t, mode.LowPower, fx.modes.Current())
	assert.Equal(t, task.StateRegistered, state(fx, "payload"))

	fx = newFixture(t, mode.Nominal)
	ack = fx.proc.Submit(req(OpEnablePayload, "", ""), t0)
	require.True(t, ack.Accepted, ack.Detail)
	assert.Equal(t, "payload", ack.Target)
	assert.Equal(t, task.StateEnabled, state(fx, "payload"))
}

func TestEveryOutcomeIsRecorded(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	ok := fx.proc.Submit(req(OpDisableTask, "comms", ""), t0)
	bad := fx.proc.Submit(req(OpDisableTask, "radio", ""), t0)

	var frames []telemetry.Frame
	for f := range fx.data.Query(datahandler.Filter{Channel: telemetry.ChannelCommand}).All() {
		frames = append(frames, f)
	}
	require.Len(t, frames, 2)
	assert.Equal(t, true, frames[0].Payload["accepted"])
	assert.Equal(t, ok.FrameSeq, frames[0].Seq)
	assert.Equal(t, false, frames[1].Payload["accepted"])
	assert.Equal(t, int(ReasonUnknownTarget), frames[1].Payload["reason_code"])
	assert.Equal(t, bad.RequestID, frames[1].Payload["id"])

	accepted, rejected := fx.proc.Stats()
	assert.Equal(t, uint64(1), accepted)
	assert.Equal(t, uint64(1), rejected)
	assert.Len(t, fx.acks.Take(SourceGround), 2)
}

func TestCheckOrder(t *testing.T) {
	fx := newFixture(t, mode.LowPower)
	cases := []struct {
		name string
		req  Request
		want ReasonCode
	}{
		{"unknown opcode", req("SELF_DESTRUCT", "eps", ""), ReasonUnknownOpcode},
		{"missing target", req(OpEnableTask, "", ""), ReasonValidation},
		// validation wins over an unknown target
		{"bad args and target", req(OpSetTaskPeriod, "radio", `{"period_ms":-5}`), ReasonValidation},
		// target wins over the precondition
		{"unknown target", req(OpEnableTask, "radio", ""), ReasonUnknownTarget},
		{"not eligible", req(OpEnableTask, "comms", ""), ReasonIllegalState},
		{"critical", req(OpDisableTask, "adcs", ""), ReasonIllegalState},
		{"wrong subsystem", req(OpSetParam, "kernel", `{"key":"a","value":1}`), ReasonUnknownTarget},
		{"no edge", req(OpSetMode, "", `{"mode":"SAFE"}`), ReasonIllegalState},
		{"unknown mode", req(OpSetMode, "", `{"mode":"ORBIT"}`), ReasonValidation},
		{"bad source", Request{Opcode: OpRequestHeartbeat, Source: "ALIENS"}, ReasonValidation},
		{"decode error", Decode([]byte(`{"opcode":`)), ReasonValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := fx.proc.Submit(tc.req, t0)
			assert.False(t, ack.Accepted)
			assert.Equal(t, tc.want, ack.Reason, ack.Detail)
		})
	}
	assert.Equal(t, mode.LowPower, fx.modes.Current())
}

func TestSetMode(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	ack := fx.proc.Submit(req(OpSetMode, "", `{"mode":"SAFE"}`), t0)
	require.True(t, ack.Accepted, ack.Detail)
	assert.Equal(t, mode.Safe, fx.modes.Current())
	assert.Equal(t, TargetMode, ack.Target)
}

func TestSetTaskPeriod(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	ack := fx.proc.Submit(req(OpSetTaskPeriod, "eps", `{"period_ms":250}`), t0)
	require.True(t, ack.Accepted, ack.Detail)
	d, _ := fx.sched.Lookup("eps")
	assert.Equal(t, 250*time.Millisecond, d.Period)

	ack = fx.proc.Submit(req(OpSetTaskPeriod, "eps", `{"period_ms":"fast"}`), t0)
	assert.Equal(t, ReasonValidation, ack.Reason)
}

func TestSetParam(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	ack := fx.proc.Submit(req(OpSetParam, "", `{"key":"eps.low_v","value":6.3}`), t0)
	require.True(t, ack.Accepted, ack.Detail)
	v, ok := fx.param.Float("eps.low_v")
	require.True(t, ok)
	assert.Equal(t, 6.3, v)

	ack = fx.proc.Submit(req(OpSetParam, "", `{"key":"../etc","value":1}`), t0)
	assert.Equal(t, ReasonValidation, ack.Reason)
}

func TestForceRebootIsGroundOnly(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	r := req(OpForceReboot, "", "")
	r.Source = SourceAutonomous
	ack := fx.proc.Submit(r, t0)
	assert.Equal(t, ReasonNotPermitted, ack.Reason)
	assert.Zero(t, fx.reset.n)

	ack = fx.proc.Submit(req(OpForceReboot, "", ""), t0)
	require.True(t, ack.Accepted, ack.Detail)
	assert.Equal(t, 1, fx.reset.n)
}

func TestRequestHeartbeatWritesKernelFrame(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	ack := fx.proc.Submit(req(OpRequestHeartbeat, "", ""), t0.Add(3*time.Second))
	require.True(t, ack.Accepted, ack.Detail)
	f, ok := fx.data.Query(datahandler.Filter{Channel: telemetry.ChannelKernel}).Next()
	require.True(t, ok)
	assert.Equal(t, "NOMINAL", f.Payload["mode"])
	assert.Equal(t, int64(3000), f.Payload["time_in_mode"])
}

func TestChecksumIsVerified(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	wire, err := Encode(req(OpDisableTask, "comms", ""))
	require.NoError(t, err)
	ack := fx.proc.Submit(Decode(wire), t0)
	require.True(t, ack.Accepted, ack.Detail)

	r := req(OpEnableTask, "comms", "")
	sum := Checksum(OpEnableTask, "payload", nil)
	r.Checksum = &sum
	ack = fx.proc.Submit(r, t0)
	assert.Equal(t, ReasonBadChecksum, ack.Reason)
	assert.Equal(t, task.StateDisabled, state(fx, "comms"))
}

func TestProcessDrainsQueueInOrder(t *testing.T) {
	fx := newFixture(t, mode.Nominal)
	q := NewQueue(2)
	id1, err := q.Push(req(OpDisableTask, "comms", ""))
	require.NoError(t, err)
	_, err = q.Push(req(OpEnableTask, "comms", ""))
	require.NoError(t, err)
	refusedID, err := q.Push(req(OpEnableTask, "payload", ""))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, uint64(1), q.Dropped())

	acks := fx.proc.Process(q, t0)
	require.Len(t, acks, 3)
	assert.Equal(t, id1, acks[0].RequestID)
	assert.Equal(t, task.StateEnabled, state(fx, "comms"))
	assert.Zero(t, q.Len())

	got, ok := fx.acks.Lookup(id1)
	require.True(t, ok)
	assert.True(t, got.Accepted)

	refused := acks[2]
	assert.Equal(t, refusedID, refused.RequestID)
	assert.False(t, refused.Accepted)
	assert.Equal(t, ReasonQueueFull, refused.Reason)
	assert.NotEqual(t, task.StateEnabled, state(fx, "payload"))

	var frame telemetry.Frame
	for f := range fx.data.Query(datahandler.Filter{Channel: telemetry.ChannelCommand}).All() {
		if f.Payload["id"] == refusedID {
			frame = f
		}
	}
	require.NotZero(t, frame.Seq, "refused request has a command frame")
	assert.Equal(t, int(ReasonQueueFull), frame.Payload["reason_code"])
	assert.Equal(t, refused.FrameSeq, frame.Seq)

	assert.Empty(t, fx.proc.Process(q, t0), "refusals are reported once")
}

func TestAckRequeueKeepsOrderAndDepth(t *testing.T) {
	q := NewAckQueue(3)
	q.Push(Ack{RequestID: "a", Source: SourceGround})
	q.Push(Ack{RequestID: "b", Source: SourceGround})
	taken := q.Take(SourceGround)
	require.Len(t, taken, 2)
	q.Push(Ack{RequestID: "c", Source: SourceGround})
	q.Push(Ack{RequestID: "d", Source: SourceGround})

	q.Requeue(taken)
	got := q.Take(SourceGround)
	ids := make([]string, len(got))
	for i, a := range got {
		ids[i] = a.RequestID
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
}

func TestReasonForFaultKinds(t *testing.T) {
	assert.Equal(t, ReasonIllegalTransition, ReasonFor(fault.IllegalTransition("x")))
	assert.Equal(t, ReasonApplyFailed, ReasonFor(errors.New("boom")))
	assert.Equal(t, "UNKNOWN_TARGET", ReasonUnknownTarget.String())
}
