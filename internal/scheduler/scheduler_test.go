package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/mode"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/telemetry"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeTask struct {
	task.Base
	id     task.ID
	calls  int
	failAt int
	panics bool
	status task.Status
	log    *[]task.ID
}

func (f *fakeTask) Execute(now time.Time, tc *task.Context) task.Result {
	f.calls++
	if f.log != nil {
		*f.log = append(*f.log, f.id)
	}
	if f.failAt > 0 && f.calls >= f.failAt {
		if f.panics {
			panic("sensor bus wedged")
		}
		return task.Fail(errors.New("bad reading"))
	}
	if f.status == task.StatusPending {
		return task.Pending()
	}
	return task.Ready()
}

type beats struct{ ids []task.ID }

func (b *beats) Heartbeat(id task.ID, now time.Time) { b.ids = append(b.ids, id) }

type fixture struct {
	sched *Scheduler
	modes *mode.Manager
	data  *datahandler.Handler
	beats *beats
	log   []task.ID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{data: datahandler.New(datahandler.Config{}, nil), beats: &beats{}}
	m, err := mode.NewManager(mode.Table{
		Initial: mode.Nominal,
		Modes:   []mode.Mode{mode.Nominal, mode.Safe},
		Transitions: []mode.Transition{
			{From: mode.Nominal, Trigger: mode.TriggerWatchdogEscalation, To: mode.Safe},
		},
		Eligibility: map[mode.Mode][]task.ID{
			mode.Nominal: {"eps", "adcs", "comms", "payload"},
			mode.Safe:    {"eps"},
		},
	}, fx.data, nil, t0)
	require.NoError(t, err)
	fx.modes = m
	opts = append([]Option{WithHeartbeats(fx.beats)}, opts...)
	fx.sched = New(m, fx.data, opts...)
	return fx
}

func (fx *fixture) add(t *testing.T, id task.ID, period time.Duration, priority int, critical bool) *fakeTask {
	t.Helper()
	ft := &fakeTask{Base: task.NewBase(period, priority, critical), id: id, log: &fx.log}
	require.NoError(t, fx.sched.Register(Registration{ID: id, Task: ft, Enabled: true, FailureThreshold: 1}))
	return ft
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "eps", time.Second, 1, false)
	err := fx.sched.Register(Registration{ID: "eps", Task: &fakeTask{Base: task.NewBase(time.Second, 1, false)}})
	assert.ErrorIs(t, err, fault.ErrDuplicateTask)
}

func TestRunsInPriorityThenRegistrationOrder(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "comms", time.Second, 2, false)
	fx.add(t, "adcs", time.Second, 1, false)
	fx.add(t, "payload", time.Second, 2, false)
	fx.add(t, "eps", time.Second, 0, false)

	report := fx.sched.RunCycle(t0)
	want := []task.ID{"eps", "adcs", "comms", "payload"}
	assert.Equal(t, want, fx.log)
	assert.Equal(t, want, report.Ran)
}

func TestOnlyDueTasksRun(t *testing.T) {
	fx := newFixture(t)
	fast := fx.add(t, "eps", time.Second, 0, false)
	slow := fx.add(t, "adcs", 5*time.Second, 1, false)

	for i := 0; i <= 10; i++ {
		fx.sched.RunCycle(t0.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, 11, fast.calls)
	assert.Equal(t, 3, slow.calls)
}

func TestIneligibleTaskIsUntouched(t *testing.T) {
	fx := newFixture(t)
	payload := fx.add(t, "payload", time.Second, 0, false)
	_, err := fx.modes.RequestTransition(mode.TriggerWatchdogEscalation, "", t0)
	require.NoError(t, err)

	fx.sched.RunCycle(t0)
	assert.Zero(t, payload.calls)
	d, _ := fx.sched.Lookup("payload")
	assert.True(t, d.LastRun.IsZero())
}

func TestIdleCycleHasNoSideEffects(t *testing.T) {
	fx := newFixture(t)
	fx.add(t, "eps", 10*time.Second, 0, true)
	fx.sched.RunCycle(t0)
	seq := fx.data.NextSeq()
	before := fx.sched.Tasks()

	report := fx.sched.RunCycle(t0.Add(time.Second))
	assert.Empty(t, report.Ran)
	assert.Equal(t, seq, fx.data.NextSeq())
	assert.Equal(t, before, fx.sched.Tasks())
	assert.Len(t, fx.beats.ids, 1)
}

func TestDisabledTaskDoesNotRun(t *testing.T) {
	fx := newFixture(t)
	ft := fx.add(t, "eps", time.Second, 0, false)
	require.NoError(t, fx.sched.Disable("eps"))
	fx.sched.RunCycle(t0)
	assert.Zero(t, ft.calls)
	require.NoError(t, fx.sched.Enable("eps"))
	fx.sched.RunCycle(t0)
	assert.Equal(t, 1, ft.calls)
}

func TestFaultOnTenthInvocationMarksFailed(t *testing.T) {
	fx := newFixture(t)
	adcs := fx.add(t, "adcs", time.Second, 0, true)
	adcs.failAt = 10

	var failedAt int
	for i := 0; i < 15; i++ {
		r := fx.sched.RunCycle(t0.Add(time.Duration(i) * time.Second))
		if len(r.Failed) > 0 {
			failedAt = i + 1
		}
	}
	assert.Equal(t, 10, failedAt)
	assert.Equal(t, 10, adcs.calls)
	d, _ := fx.sched.Lookup("adcs")
	assert.Equal(t, task.StateFailed, d.State)
	assert.Len(t, fx.beats.ids, 9)
}

func TestPanicIsContained(t *testing.T) {
	fx := newFixture(t)
	ft := fx.add(t, "adcs", time.Second, 0, false)
	ft.failAt = 1
	ft.panics = true
	other := fx.add(t, "eps", time.Second, 1, false)

	r := fx.sched.RunCycle(t0)
	assert.Equal(t, []task.ID{"adcs"}, r.Faulted)
	assert.Equal(t, 1, other.calls)

	var last telemetry.Frame
	for f := range fx.data.Query(datahandler.Filter{Channel: telemetry.ChannelSchedule, Source: telemetry.SourceScheduler}).All() {
		if f.Payload["task"] == "adcs" {
			last = f
		}
	}
	assert.Contains(t, last.Payload["error"], "sensor bus wedged")
}

func TestFailureThresholdCountsConsecutiveFaults(t *testing.T) {
	fx := newFixture(t)
	ft := &fakeTask{Base: task.NewBase(time.Second, 0, false), failAt: 1}
	require.NoError(t, fx.sched.Register(Registration{ID: "adcs", Task: ft, Enabled: true, FailureThreshold: 3}))
	fx.sched.RunCycle(t0)
	fx.sched.RunCycle(t0.Add(time.Second))
	d, _ := fx.sched.Lookup("adcs")
	assert.Equal(t, task.StateEnabled, d.State)
	assert.Equal(t, 2, d.Failures)
	fx.sched.RunCycle(t0.Add(2 * time.Second))
	d, _ = fx.sched.Lookup("adcs")
	assert.Equal(t, task.StateFailed, d.State)
}

func TestPendingKeepsHeartbeat(t *testing.T) {
	fx := newFixture(t)
	ft := fx.add(t, "comms", time.Second, 0, true)
	ft.status = task.StatusPending
	r := fx.sched.RunCycle(t0)
	assert.Equal(t, []task.ID{"comms"}, r.Pending)
	assert.Equal(t, []task.ID{"comms"}, fx.beats.ids)
}

func TestBudgetOverrun(t *testing.T) {
	ticks := 0
	clock := func() time.Time {
		ticks++
		return t0.Add(time.Duration(ticks) * 30 * time.Millisecond)
	}
	fx := newFixture(t, WithClock(clock))
	ft := &fakeTask{Base: task.NewBase(time.Second, 0, false)}
	require.NoError(t, fx.sched.Register(Registration{ID: "eps", Task: ft, Enabled: true, Budget: 10 * time.Millisecond}))
	fx.sched.RunCycle(t0)

	d, _ := fx.sched.Lookup("eps")
	assert.Equal(t, uint64(1), d.Overruns)
	f, ok := fx.data.Query(datahandler.Filter{Channel: telemetry.ChannelSchedule}).Next()
	require.True(t, ok)
	assert.Equal(t, true, f.Payload["overrun"])
}

func TestRestartMakesTaskDue(t *testing.T) {
	fx := newFixture(t)
	ft := fx.add(t, "adcs", time.Minute, 0, false)
	ft.failAt = 1
	fx.sched.RunCycle(t0)
	ft.failAt = 0

	require.NoError(t, fx.sched.Restart("adcs"))
	fx.sched.RunCycle(t0.Add(time.Second))
	assert.Equal(t, 2, ft.calls)
}

func TestSetPeriod(t *testing.T) {
	fx := newFixture(t)
	ft := fx.add(t, "eps", time.Minute, 0, false)
	fx.sched.RunCycle(t0)
	require.NoError(t, fx.sched.SetPeriod("eps", time.Second))
	fx.sched.RunCycle(t0.Add(time.Second))
	assert.Equal(t, 2, ft.calls)

	assert.ErrorIs(t, fx.sched.SetPeriod("eps", 0), fault.ErrValidation)
	assert.ErrorIs(t, fx.sched.SetPeriod("nope", time.Second), fault.ErrUnknownTarget)
}
