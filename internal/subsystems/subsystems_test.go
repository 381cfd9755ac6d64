package subsystems

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubesat-fsw/internal/command"
	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/hal/emulator"
	"cubesat-fsw/internal/task"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type signals map[string]float64

func (s signals) Observe(name string, value float64, _ time.Time) { s[name] = value }

type rig struct {
	board  *emulator.Board
	data   *datahandler.Handler
	sig    signals
	uplink *command.Queue
	acks   *command.AckQueue
	params *command.Params
}

func newRig(t *testing.T, cfg emulator.Config) *rig {
	t.Helper()
	p, err := command.NewParams(nil)
	require.NoError(t, err)
	return &rig{
		board:  emulator.New(cfg),
		data:   datahandler.New(datahandler.Config{}, nil),
		sig:    signals{},
		uplink: command.NewQueue(4),
		acks:   command.NewAckQueue(4),
		params: p,
	}
}

func (r *rig) build(t *testing.T, spec Spec) task.Task {
	t.Helper()
	if spec.Period == 0 {
		spec.Period = time.Second
	}
	tk, err := Build(spec, Deps{Board: r.board.HAL(), Uplink: r.uplink, Acks: r.acks, Boot: "b1", Start: t0})
	require.NoError(t, err)
	return tk
}

func (r *rig) run(tk task.Task, id task.ID, mode string) task.Result {
	tc := task.NewContext(id, mode, t0, nil, r.data, r.sig, r.params)
	return tk.Execute(t0, tc)
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	_, err := Build(Spec{Kind: "propulsion", Period: time.Second}, Deps{})
	assert.Error(t, err)
	_, err = Build(Spec{Kind: KindEPS, Period: time.Second}, Deps{})
	assert.Error(t, err)
}

func TestEPSReportsVoltage(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	v := 6.2
	r.board.SetBatteryVoltage(&v)
	res := r.run(r.build(t, Spec{Kind: KindEPS}), "eps", "NOMINAL")
	assert.Equal(t, task.StatusReady, res.Status)
	assert.Equal(t, 6.2, r.sig[SignalBatteryVoltage])
	f, ok := r.data.Query(datahandler.Filter{Channel: "power"}).Next()
	require.True(t, ok)
	assert.Equal(t, "eps", f.Source)
}

func TestEPSDeviceError(t *testing.T) {
	cfg := emulator.DefaultConfig()
	cfg.FailureRates = map[string]float64{emulator.DevicePower: 1}
	r := newRig(t, cfg)
	res := r.run(r.build(t, Spec{Kind: KindEPS}), "eps", "NOMINAL")
	assert.Equal(t, task.StatusError, res.Status)
}

func TestADCSFaultInjection(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	tk := r.build(t, Spec{Kind: KindADCS, Options: Options{FailAfter: 3}})
	assert.Equal(t, task.StatusReady, r.run(tk, "adcs", "NOMINAL").Status)
	assert.Equal(t, task.StatusReady, r.run(tk, "adcs", "NOMINAL").Status)
	assert.Equal(t, task.StatusError, r.run(tk, "adcs", "NOMINAL").Status)
	assert.Greater(t, r.sig[SignalAngularRate], 0.0)
}

func TestADCSFaultViaParam(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	tk := r.build(t, Spec{Kind: KindADCS})
	assert.Equal(t, task.StatusReady, r.run(tk, "adcs", "DETUMBLE").Status)
	require.NoError(t, r.params.Set("adcs.fail_after", "1"))
	assert.Equal(t, task.StatusError, r.run(tk, "adcs", "DETUMBLE").Status)

	f, ok := r.data.Query(datahandler.Filter{Channel: "attitude"}).Next()
	require.True(t, ok)
	assert.Equal(t, "bdot", f.Payload["controller"])
}

func TestCommsQueuesUplinkAndDownlinksAcks(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	pkt, err := command.Encode(command.Request{Opcode: command.OpRequestHeartbeat, Source: command.SourceGround})
	require.NoError(t, err)
	r.board.Inject(pkt)
	r.board.Inject([]byte("noise"))
	r.acks.Push(command.Ack{RequestID: "r0", Source: command.SourceGround, Accepted: true})

	res := r.run(r.build(t, Spec{Kind: KindComms}), "comms", "NOMINAL")
	assert.Equal(t, task.StatusReady, res.Status)

	reqs := r.uplink.Drain()
	require.Len(t, reqs, 2)
	assert.Equal(t, command.OpRequestHeartbeat, reqs[0].Opcode)
	assert.Error(t, reqs[1].Err())

	sent := r.board.Sent()
	require.Len(t, sent, 1)
	var ack command.Ack
	require.NoError(t, json.Unmarshal(sent[0], &ack))
	assert.Equal(t, "r0", ack.RequestID)
}

func TestCommsKeepsAcksWhileRadioBusy(t *testing.T) {
	cfg := emulator.DefaultConfig()
	cfg.PendingRates = map[string]float64{emulator.DeviceRadio: 1}
	r := newRig(t, cfg)
	r.acks.Push(command.Ack{RequestID: "r0", Source: command.SourceGround, Accepted: true})
	r.acks.Push(command.Ack{RequestID: "r1", Source: command.SourceGround})

	res := r.run(r.build(t, Spec{Kind: KindComms}), "comms", "NOMINAL")
	assert.Equal(t, task.StatusReady, res.Status)
	assert.Empty(t, r.board.Sent())
	assert.Equal(t, 2, r.acks.Len())
	f, ok := r.data.Query(datahandler.Filter{Channel: "comms"}).Next()
	require.True(t, ok)
	assert.Equal(t, 2, f.Payload["held"])

	// the radio frees up: the held acks go out in order
	healthy := emulator.New(emulator.DefaultConfig())
	tk, err := Build(Spec{Kind: KindComms, Period: time.Second}, Deps{Board: healthy.HAL(), Uplink: r.uplink, Acks: r.acks, Start: t0})
	require.NoError(t, err)
	r.run(tk, "comms", "NOMINAL")
	sent := healthy.Sent()
	require.Len(t, sent, 2)
	var first command.Ack
	require.NoError(t, json.Unmarshal(sent[0], &first))
	assert.Equal(t, "r0", first.RequestID)
	assert.Zero(t, r.acks.Len())
}

func TestCommsIdleRecordsNothing(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	r.run(r.build(t, Spec{Kind: KindComms}), "comms", "NOMINAL")
	assert.Zero(t, r.data.Query(datahandler.Filter{}).Len())
}

func TestPayloadPowersOnThenCaptures(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	tk := r.build(t, Spec{Kind: KindPayload})
	assert.Equal(t, task.StatusPending, r.run(tk, "payload", "NOMINAL").Status)
	assert.True(t, r.board.HAL().Payload.Powered())
	assert.Equal(t, task.StatusReady, r.run(tk, "payload", "NOMINAL").Status)

	assert.True(t, PowerOff(r.board.HAL().Payload))
	assert.False(t, r.board.HAL().Payload.Powered())
	assert.False(t, PowerOff(r.board.HAL().Payload))
}

func TestBeaconTransmits(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	tk := r.build(t, Spec{Kind: KindBeacon})
	r.run(tk, "beacon", "SAFE")
	require.Len(t, r.board.Sent(), 1)

	require.NoError(t, r.params.Set("beacon.transmit", `"false"`))
	r.run(tk, "beacon", "SAFE")
	assert.Len(t, r.board.Sent(), 1)
	assert.Equal(t, 2, r.data.Query(datahandler.Filter{Channel: "beacon"}).Len())
}

func TestHealthNeedsConsecutivePasses(t *testing.T) {
	r := newRig(t, emulator.DefaultConfig())
	tk := r.build(t, Spec{Kind: KindHealth, Options: Options{RequiredPasses: 2, MinVoltage: 7.0}})
	r.run(tk, "health", "STARTUP")
	assert.Equal(t, 0.0, r.sig[SignalStartupChecks])
	r.run(tk, "health", "STARTUP")
	assert.Equal(t, 1.0, r.sig[SignalStartupChecks])

	low := 6.0
	r.board.SetBatteryVoltage(&low)
	r.run(tk, "health", "STARTUP")
	assert.Equal(t, 0.0, r.sig[SignalStartupChecks])
}
