package scenario

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"cubesat-fsw/internal/command"
	"cubesat-fsw/internal/telemetry"
)

// Trigger events evaluated after every tick.
const (
	EventCycles = "cycles"       // Value ticks spent in the phase
	EventMode   = "mode_entered" // kernel reached Mode
)

// Scenario is a scripted bench run against the emulated board: ordered phases
// that inject conditions and uplink commands, advanced by triggers.
type Scenario struct {
	Name        string  `yaml:"name,omitempty"`
	Description string  `yaml:"description,omitempty"`
	Phases      []Phase `yaml:"phases"`
}

// Phase describes a stage of the run. Its actions are applied once on entry.
type Phase struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	BatteryV    *float64  `yaml:"battery_v,omitempty"`
	ReleaseV    bool      `yaml:"release_battery,omitempty"`
	Uplink      []Uplink  `yaml:"uplink,omitempty"`
	Triggers    []Trigger `yaml:"triggers,omitempty"`
}

// Uplink is a ground command radioed to the board on phase entry.
type Uplink struct {
	Opcode string         `yaml:"opcode"`
	Target string         `yaml:"target,omitempty"`
	Args   map[string]any `yaml:"args,omitempty"`
}

// Trigger moves the scenario to another phase based on an event.
type Trigger struct {
	Event string `yaml:"event"`
	Value int    `yaml:"value,omitempty"`
	Mode  string `yaml:"mode,omitempty"`
	Next  string `yaml:"next"`
}

// Event represents a runtime occurrence that may advance the scenario.
type Event struct {
	Type  string
	Value int
	Mode  string
}

// Load reads a YAML scenario definition from disk.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(s.Phases) == 0 {
		return nil, fmt.Errorf("scenario %s has no phases", path)
	}
	return &s, nil
}

// Resolve returns a built-in scenario by name, or loads nameOrPath from disk.
func Resolve(nameOrPath string) (*Scenario, error) {
	if sc, ok := BuiltIn()[nameOrPath]; ok {
		return &sc, nil
	}
	return Load(nameOrPath)
}

// NextPhase returns the name of the next phase given the current phase and event.
// If no trigger matches, ok will be false.
func (s *Scenario) NextPhase(current string, ev Event) (next string, ok bool) {
	for _, p := range s.Phases {
		if p.Name != current {
			continue
		}
		for _, tr := range p.Triggers {
			if tr.Event != ev.Type {
				continue
			}
			switch ev.Type {
			case EventMode:
				if tr.Mode == ev.Mode {
					return tr.Next, true
				}
			default:
				if ev.Value >= tr.Value {
					return tr.Next, true
				}
			}
		}
	}
	return "", false
}

func (s *Scenario) phase(name string) (Phase, bool) {
	for _, p := range s.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// Board is the part of the emulated board a scenario drives.
type Board interface {
	SetBatteryVoltage(v *float64)
	Inject(packet []byte)
}

// Runner plays a scenario against a board. It observes kernel status on the
// loop goroutine and applies phase actions as phases are entered.
type Runner struct {
	sc      *Scenario
	board   Board
	logger  *slog.Logger
	current string
	entered uint64
	started bool
}

// NewRunner creates a runner positioned before the first phase.
func NewRunner(sc *Scenario, board Board, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sc: sc, board: board, logger: logger.With("scenario", sc.Name)}
}

// Phase returns the current phase name.
func (r *Runner) Phase() string { return r.current }

// ObserveStatus advances the scenario from a kernel status snapshot.
func (r *Runner) ObserveStatus(st telemetry.KernelStatus) {
	if !r.started {
		r.started = true
		r.enter(r.sc.Phases[0].Name, st.Cycle)
		return
	}
	if next, ok := r.sc.NextPhase(r.current, Event{Type: EventMode, Mode: st.Mode}); ok {
		r.enter(next, st.Cycle)
		return
	}
	if next, ok := r.sc.NextPhase(r.current, Event{Type: EventCycles, Value: int(st.Cycle - r.entered)}); ok {
		r.enter(next, st.Cycle)
	}
}

func (r *Runner) enter(name string, cycle uint64) {
	p, ok := r.sc.phase(name)
	if !ok {
		r.logger.Warn("unknown scenario phase", "phase", name)
		return
	}
	r.current = name
	r.entered = cycle
	r.logger.Info("scenario phase", "phase", name, "cycle", cycle)
	if p.ReleaseV {
		r.board.SetBatteryVoltage(nil)
	}
	if p.BatteryV != nil {
		v := *p.BatteryV
		r.board.SetBatteryVoltage(&v)
	}
	for _, u := range p.Uplink {
		pkt, err := u.encode()
		if err != nil {
			r.logger.Warn("encode scenario uplink", "opcode", u.Opcode, "error", err)
			continue
		}
		r.board.Inject(pkt)
	}
}

func (u Uplink) encode() ([]byte, error) {
	req := command.Request{Opcode: command.Opcode(u.Opcode), Target: u.Target, Source: command.SourceGround}
	if len(u.Args) > 0 {
		args, err := json.Marshal(u.Args)
		if err != nil {
			return nil, err
		}
		req.Args = args
	}
	return command.Encode(req)
}
