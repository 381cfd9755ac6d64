package watchdog

import (
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

type restarter struct{ ids []task.ID }

func (r *restarter) Restart(id task.ID) error {
	r.ids = append(r.ids, id)
	return nil
}

type escalator struct {
	triggers []mode.Trigger
	err      error
}

func (e *escalator) RequestTransition(trigger mode.Trigger, cause string, now time.Time) (mode.Mode, error) {
	e.triggers = append(e.triggers, trigger)
	return mode.Safe, e.err
}

type resetLine struct{ reasons []string }

func (r *resetLine) AssertReset(reason string) { r.reasons = append(r.reasons, reason) }

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestTriggersExactlyOnceAtThreshold(t *testing.T) {
	esc := &escalator{}
	m := New(nil, esc, nil)
	require.NoError(t, m.Watch("adcs", Config{MaxSilence: time.Second, Threshold: 3, Action: ActionForceMode}, t0))

	// second 1 is within the allowed silence
	for sec := 1; sec <= 3; sec++ {
		assert.Empty(t, m.Check(at(sec)), "second %d", sec)
	}
	e, _ := m.Entry("adcs")
	assert.Equal(t, 2, e.Misses)

	trips := m.Check(at(4))
	require.Len(t, trips, 1)
	assert.Equal(t, ActionForceMode, trips[0].Action)
	assert.Equal(t, []mode.Trigger{mode.TriggerWatchdogEscalation}, esc.triggers)

	for sec := 5; sec <= 10; sec++ {
		assert.Empty(t, m.Check(at(sec)))
	}
	assert.Len(t, esc.triggers, 1)
}

func TestHeartbeatResetsEntry(t *testing.T) {
	rs := &restarter{}
	m := New(rs, nil, nil)
	require.NoError(t, m.Watch("comms", Config{MaxSilence: time.Second, Threshold: 2, Action: ActionRestartTask}, t0))

	m.Check(at(2))
	m.Heartbeat("comms", at(2))
	e, _ := m.Entry("comms")
	assert.Zero(t, e.Misses)

	m.Check(at(4))
	m.Check(at(5))
	assert.Equal(t, []task.ID{"comms"}, rs.ids)

	// a heartbeat re-arms the entry
	m.Heartbeat("comms", at(5))
	m.Check(at(7))
	m.Check(at(8))
	assert.Len(t, rs.ids, 2)
}

func TestHardwareReset(t *testing.T) {
	line := &resetLine{}
	m := New(nil, nil, line)
	require.NoError(t, m.Watch("sup", Config{MaxSilence: time.Second, Threshold: 1, Action: ActionHardwareReset}, t0))
	trips := m.Check(at(2))
	require.Len(t, trips, 1)
	assert.NoError(t, trips[0].Err)
	assert.Equal(t, []string{"watchdog: sup"}, line.reasons)
}

func TestMissingCollaboratorIsReported(t *testing.T) {
	data := datahandler.New(datahandler.Config{}, nil)
	m := New(nil, nil, nil, WithRecorder(data))
	require.NoError(t, m.Watch("adcs", Config{MaxSilence: time.Second, Threshold: 1, Action: ActionRestartTask}, t0))
	trips := m.Check(at(2))
	require.Len(t, trips, 1)
	assert.ErrorIs(t, trips[0].Err, fault.ErrIllegalState)

	f, ok := data.Query(datahandler.Filter{Channel: telemetry.ChannelWatchdog}).Next()
	require.True(t, ok)
	assert.Equal(t, false, f.Payload["recovered"])
	assert.Contains(t, f.Payload["error"], "watchdog timeout")
}

func TestExpectationPausesEntry(t *testing.T) {
	expected := false
	rs := &restarter{}
	m := New(rs, nil, nil, WithExpectation(func(task.ID) bool { return expected }))
	require.NoError(t, m.Watch("payload", Config{MaxSilence: time.Second, Threshold: 1, Action: ActionRestartTask}, t0))

	m.Check(at(10))
	assert.Empty(t, rs.ids)

	expected = true
	assert.Empty(t, m.Check(at(11)))
	assert.Len(t, m.Check(at(12)), 1)
}

func TestWatchValidation(t *testing.T) {
	m := New(nil, nil, nil)
	assert.ErrorIs(t, m.Watch("a", Config{Threshold: 1, Action: ActionRestartTask}, t0), fault.ErrValidation)
	assert.ErrorIs(t, m.Watch("a", Config{MaxSilence: time.Second, Action: ActionRestartTask}, t0), fault.ErrValidation)
	assert.ErrorIs(t, m.Watch("a", Config{MaxSilence: time.Second, Threshold: 1, Action: "REBOOT"}, t0), fault.ErrValidation)
	require.NoError(t, m.Watch("a", Config{MaxSilence: time.Second, Threshold: 1, Action: ActionRestartTask}, t0))
	assert.ErrorIs(t, m.Watch("a", Config{MaxSilence: time.Second, Threshold: 1, Action: ActionRestartTask}, t0), fault.ErrDuplicateTask)
	assert.Len(t, m.Status(), 1)
}
