// Package emulator provides a software-in-the-loop board for the HAL contract.
package emulator

import (
	"errors"
	"math"
	"math/rand"
	"sync"

	"cubesat-fsw/internal/hal"
)

// Device names used for failure and latency injection.
const (
	DevicePower   = "power"
	DeviceIMU     = "imu"
	DeviceRadio   = "radio"
	DevicePayload = "payload"
)

var errInjected = errors.New("injected failure")

// BatteryModel drives the simulated battery pack.
type BatteryModel struct {
	Initial        float64 `yaml:"initial_v"`
	Min            float64 `yaml:"min_v"`
	Max            float64 `yaml:"max_v"`
	DrainPerRead   float64 `yaml:"drain_v"`
	PayloadDrain   float64 `yaml:"payload_drain_v"`
	ChargePerRead  float64 `yaml:"charge_v"`
	OrbitReads     int     `yaml:"orbit_reads"`
	SunlitFraction float64 `yaml:"sunlit_fraction"`
}

// IMUModel drives the simulated tumble rate.
type IMUModel struct {
	InitialRate float64 `yaml:"initial_rate"`
	Damping     float64 `yaml:"damping"`
}

// Config configures the emulated board.
type Config struct {
	Seed         int64              `yaml:"seed"`
	FailureRates map[string]float64 `yaml:"failure_rates"`
	PendingRates map[string]float64 `yaml:"pending_rates"`
	Battery      BatteryModel       `yaml:"battery"`
	IMU          IMUModel           `yaml:"imu"`
}

// DefaultConfig returns a healthy board with a charged battery.
func DefaultConfig() Config {
	return Config{
		Seed: 1,
		Battery: BatteryModel{
			Initial:        7.6,
			Min:            5.8,
			Max:            8.4,
			DrainPerRead:   0.004,
			PayloadDrain:   0.02,
			ChargePerRead:  0.01,
			OrbitReads:     90,
			SunlitFraction: 0.6,
		},
		IMU: IMUModel{InitialRate: 0.3, Damping: 0.97},
	}
}

// Board is an emulated satellite board. It is safe for concurrent use so bench
// tooling can inject packets while the supervisor loop runs.
type Board struct {
	mu   sync.Mutex
	cfg  Config
	rand *rand.Rand

	voltage   float64
	reads     int
	rate      hal.Vec3
	payloadOn bool

	inbound  [][]byte
	outbound [][]byte

	pets    uint64
	resets  []string
	forcedV *float64
	onReset func(reason string)
}

// New creates a board from cfg.
func New(cfg Config) *Board {
	if cfg.Battery.Max == 0 {
		cfg.Battery = DefaultConfig().Battery
	}
	if cfg.IMU.Damping == 0 {
		cfg.IMU = DefaultConfig().IMU
	}
	r := cfg.IMU.InitialRate / math.Sqrt(3)
	return &Board{
		cfg:     cfg,
		rand:    rand.New(rand.NewSource(cfg.Seed)),
		voltage: cfg.Battery.Initial,
		rate:    hal.Vec3{X: r, Y: r, Z: r},
	}
}

// HAL returns the handle bundle handed to tasks.
func (b *Board) HAL() hal.Board {
	return hal.Board{
		Power:    powerMonitor{b},
		IMU:      imu{b},
		Radio:    radio{b},
		Payload:  payload{b},
		Watchdog: watchdogLine{b},
	}
}

// OnReset registers a callback fired when the reset line is asserted.
func (b *Board) OnReset(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = fn
}

// SetBatteryVoltage pins the reported voltage; nil resumes the model.
func (b *Board) SetBatteryVoltage(v *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedV = v
}

// Inject queues an uplink packet for the radio.
func (b *Board) Inject(packet []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), packet...)
	b.inbound = append(b.inbound, cp)
}

// Sent returns a copy of every downlinked packet.
func (b *Board) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.outbound))
	copy(out, b.outbound)
	return out
}

// Pets returns how many times the watchdog was petted.
func (b *Board) Pets() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pets
}

// Resets returns the reasons of every asserted reset.
func (b *Board) Resets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.resets...)
}

// inject decides whether a call on device fails or is not ready. Callers hold mu.
func (b *Board) inject(device string) (hal.Status, error) {
	if p := b.cfg.FailureRates[device]; p > 0 && b.rand.Float64() < p {
		return hal.Error, &hal.DeviceError{Device: device, Err: errInjected}
	}
	if p := b.cfg.PendingRates[device]; p > 0 && b.rand.Float64() < p {
		return hal.Pending, nil
	}
	return hal.Ready, nil
}

func (b *Board) stepBattery() {
	m := b.cfg.Battery
	b.reads++
	b.voltage -= m.DrainPerRead
	if b.payloadOn {
		b.voltage -= m.PayloadDrain
	}
	if m.OrbitReads > 0 {
		phase := float64(b.reads%m.OrbitReads) / float64(m.OrbitReads)
		if phase < m.SunlitFraction {
			b.voltage += m.ChargePerRead
		}
	}
	b.voltage = math.Max(m.Min, math.Min(m.Max, b.voltage))
}

type powerMonitor struct{ b *Board }

func (p powerMonitor) BatteryVoltage() hal.Result[float64] {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if st, err := p.b.inject(DevicePower); st != hal.Ready {
		if st == hal.Pending {
			return hal.PendingOf[float64]()
		}
		return hal.ErrorOf[float64](err)
	}
	p.b.stepBattery()
	if p.b.forcedV != nil {
		return hal.ReadyOf(*p.b.forcedV)
	}
	return hal.ReadyOf(p.b.voltage)
}

func (p powerMonitor) StateOfCharge() hal.Result[float64] {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	m := p.b.cfg.Battery
	v := p.b.voltage
	if p.b.forcedV != nil {
		v = *p.b.forcedV
	}
	soc := (v - m.Min) / (m.Max - m.Min) * 100
	return hal.ReadyOf(math.Max(0, math.Min(100, soc)))
}

type imu struct{ b *Board }

func (i imu) AngularRate() hal.Result[hal.Vec3] {
	i.b.mu.Lock()
	defer i.b.mu.Unlock()
	if st, err := i.b.inject(DeviceIMU); st != hal.Ready {
		if st == hal.Pending {
			return hal.PendingOf[hal.Vec3]()
		}
		return hal.ErrorOf[hal.Vec3](err)
	}
	d := i.b.cfg.IMU.Damping
	i.b.rate = hal.Vec3{X: i.b.rate.X * d, Y: i.b.rate.Y * d, Z: i.b.rate.Z * d}
	return hal.ReadyOf(i.b.rate)
}

type radio struct{ b *Board }

func (r radio) Receive() hal.Result[[]byte] {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if len(r.b.inbound) == 0 {
		return hal.PendingOf[[]byte]()
	}
	if st, err := r.b.inject(DeviceRadio); st == hal.Error {
		return hal.ErrorOf[[]byte](err)
	}
	pkt := r.b.inbound[0]
	r.b.inbound = r.b.inbound[1:]
	return hal.ReadyOf(pkt)
}

func (r radio) Transmit(packet []byte) hal.Result[int] {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if st, err := r.b.inject(DeviceRadio); st != hal.Ready {
		if st == hal.Pending {
			return hal.PendingOf[int]()
		}
		return hal.ErrorOf[int](err)
	}
	r.b.outbound = append(r.b.outbound, append([]byte(nil), packet...))
	return hal.ReadyOf(len(packet))
}

type payload struct{ b *Board }

func (p payload) SetPower(on bool) hal.Result[bool] {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if st, err := p.b.inject(DevicePayload); st != hal.Ready {
		if st == hal.Pending {
			return hal.PendingOf[bool]()
		}
		return hal.ErrorOf[bool](err)
	}
	p.b.payloadOn = on
	return hal.ReadyOf(on)
}

func (p payload) Powered() bool {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.b.payloadOn
}

type watchdogLine struct{ b *Board }

func (w watchdogLine) Pet() {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	w.b.pets++
}

func (w watchdogLine) AssertReset(reason string) {
	w.b.mu.Lock()
	w.b.resets = append(w.b.resets, reason)
	fn := w.b.onReset
	w.b.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}
