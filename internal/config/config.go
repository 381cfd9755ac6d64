// Mission profile loader with CUE validation
package config

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/hal"
	"cubesat-fsw/internal/hal/emulator"
	"cubesat-fsw/internal/mode"
	"cubesat-fsw/internal/subsystems"
	"cubesat-fsw/internal/task"
	"cubesat-fsw/internal/watchdog"
)

// SupportedVersions is the range of profile versions this kernel accepts.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

//go:embed schema/profile.cue
var profileSchema []byte

// TransitionConfig is one row of the transition table.
type TransitionConfig struct {
	From    string `yaml:"from"`
	Trigger string `yaml:"trigger"`
	To      string `yaml:"to"`
}

// GuardConfig maps a signal threshold crossing to a trigger.
type GuardConfig struct {
	Signal    string  `yaml:"signal"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
	Trigger   string  `yaml:"trigger"`
}

// WatchdogConfig is the recovery policy of a critical task.
type WatchdogConfig struct {
	MaxSilence time.Duration `yaml:"max_silence"`
	Threshold  int           `yaml:"threshold"`
	Action     string        `yaml:"action"`
}

// TaskConfig is one entry of the static task registry.
type TaskConfig struct {
	ID               string             `yaml:"id"`
	Name             string             `yaml:"name"`
	Kind             string             `yaml:"kind"`
	Period           time.Duration      `yaml:"period"`
	Priority         int                `yaml:"priority"`
	Critical         bool               `yaml:"critical"`
	Enabled          *bool              `yaml:"enabled"`
	Budget           time.Duration      `yaml:"budget"`
	FailureThreshold int                `yaml:"failure_threshold"`
	Watchdog         *WatchdogConfig    `yaml:"watchdog"`
	Options          subsystems.Options `yaml:"options"`
}

// IsEnabled reports whether the task starts ENABLED. Tasks are enabled unless stated otherwise.
func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// DataConfig sizes the telemetry buffers and the durable log.
type DataConfig struct {
	DefaultCapacity int            `yaml:"default_capacity"`
	Capacities      map[string]int `yaml:"capacities"`
	FlushEvery      int            `yaml:"flush_every"`
	BatchSize       int            `yaml:"batch_size"`
	Retries         int            `yaml:"retries"`
	Dir             string         `yaml:"dir"`
	LogName         string         `yaml:"log_name"`
	SegmentMB       int            `yaml:"segment_mb"`
	Backups         int            `yaml:"backups"`
}

// LogPath is the active segment path of the durable log.
func (d DataConfig) LogPath() string { return filepath.Join(d.Dir, d.LogName) }

// CommandConfig sizes the command queues.
type CommandConfig struct {
	QueueDepth  int    `yaml:"queue_depth"`
	AckDepth    int    `yaml:"ack_depth"`
	PayloadTask string `yaml:"payload_task"`
}

// BoardConfig carries board-specific identifiers and the emulator model.
type BoardConfig struct {
	Pins     hal.Pins        `yaml:"pins"`
	Buses    hal.Buses       `yaml:"buses"`
	Emulator emulator.Config `yaml:"emulator"`
}

// Profile is the root mission configuration.
type Profile struct {
	Version     string              `yaml:"version"`
	Name        string              `yaml:"name"`
	Tick        time.Duration       `yaml:"tick"`
	InitialMode string              `yaml:"initial_mode"`
	Modes       []string            `yaml:"modes"`
	Transitions []TransitionConfig  `yaml:"transitions"`
	Eligibility map[string][]string `yaml:"eligibility"`
	Guards      []GuardConfig       `yaml:"guards"`
	Tasks       []TaskConfig        `yaml:"tasks"`
	Data        DataConfig          `yaml:"data"`
	Commands    CommandConfig       `yaml:"commands"`
	Params      map[string]any      `yaml:"params"`
	Board       BoardConfig         `yaml:"board"`
}

// Builtin returns the names of the embedded profiles.
func Builtin() []string {
	entries, _ := builtinProfiles.ReadDir("profiles")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names
}

// Read returns the raw YAML of a builtin profile name or a file path.
func Read(nameOrPath string) (string, []byte, error) {
	if !strings.ContainsAny(nameOrPath, `/\`) && filepath.Ext(nameOrPath) == "" {
		data, err := builtinProfiles.ReadFile("profiles/" + nameOrPath + ".yaml")
		if err != nil {
			return "", nil, fmt.Errorf("unknown builtin profile %q (have %s)", nameOrPath, strings.Join(Builtin(), ", "))
		}
		return nameOrPath + ".yaml", data, nil
	}
	data, err := os.ReadFile(nameOrPath)
	if err != nil {
		return "", nil, fmt.Errorf("cannot read profile: %w", err)
	}
	return nameOrPath, data, nil
}

// Load reads, schema-validates, decodes and checks a profile.
func Load(nameOrPath string) (*Profile, error) {
	filename, data, err := Read(nameOrPath)
	if err != nil {
		return nil, err
	}
	return Parse(filename, data, profileSchema)
}

// LoadWithSchema is Load with an external CUE schema file.
func LoadWithSchema(nameOrPath, schemaPath string) (*Profile, error) {
	filename, data, err := Read(nameOrPath)
	if err != nil {
		return nil, err
	}
	schema, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read CUE schema: %w", err)
	}
	return Parse(filename, data, schema)
}

// Parse validates data against schema and decodes it.
func Parse(filename string, data, schema []byte) (*Profile, error) {
	if err := ValidateWithCue(filename, data, schema); err != nil {
		return nil, err
	}
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("cannot decode profile: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.Data.DefaultCapacity == 0 {
		p.Data.DefaultCapacity = 64
	}
	if p.Data.FlushEvery == 0 {
		p.Data.FlushEvery = 1
	}
	if p.Data.Dir == "" {
		p.Data.Dir = "data"
	}
	if p.Data.LogName == "" {
		p.Data.LogName = "frames.log"
	}
	if p.Data.SegmentMB == 0 {
		p.Data.SegmentMB = 1
	}
	if p.Commands.QueueDepth == 0 {
		p.Commands.QueueDepth = 16
	}
	if p.Commands.AckDepth == 0 {
		p.Commands.AckDepth = 32
	}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Critical && t.Watchdog == nil {
			t.Watchdog = &WatchdogConfig{MaxSilence: 2 * t.Period, Threshold: 3, Action: string(watchdog.ActionRestartTask)}
		}
	}
}

// CheckVersion verifies the profile version against SupportedVersions.
func (p *Profile) CheckVersion() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fault.Validation("profile version %q: %v", p.Version, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fault.Validation("profile version %s is outside %s", v, SupportedVersions)
	}
	return nil
}

// Validate runs the checks that need more than the schema: versions,
// cross references between sections, and watchdog coverage.
func (p *Profile) Validate() error {
	if err := p.CheckVersion(); err != nil {
		return err
	}
	if p.Tick <= 0 {
		return fault.Validation("tick must be positive")
	}
	if len(p.Tasks) == 0 {
		return fault.Validation("profile defines no tasks")
	}
	kinds := make(map[string]bool)
	for _, k := range subsystems.Kinds() {
		kinds[k] = true
	}
	ids := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if ids[t.ID] {
			return fault.Validation("task %s defined twice", t.ID)
		}
		ids[t.ID] = true
		if !kinds[t.Kind] {
			return fault.Validation("task %s: unknown kind %q", t.ID, t.Kind)
		}
		if t.Period <= 0 {
			return fault.Validation("task %s: period must be positive", t.ID)
		}
		if t.Watchdog != nil {
			if !t.Critical {
				return fault.Validation("task %s: watchdog set on a non-critical task", t.ID)
			}
			if !watchdog.Action(t.Watchdog.Action).Valid() {
				return fault.Validation("task %s: unknown watchdog action %q", t.ID, t.Watchdog.Action)
			}
			if t.Watchdog.MaxSilence < t.Period {
				return fault.Validation("task %s: max_silence %s is shorter than its period %s", t.ID, t.Watchdog.MaxSilence, t.Period)
			}
		}
	}
	for m, list := range p.Eligibility {
		for _, id := range list {
			if !ids[id] {
				return fault.Validation("eligibility for %s names unknown task %q", m, id)
			}
		}
	}
	if p.Commands.PayloadTask != "" && !ids[p.Commands.PayloadTask] {
		return fault.Validation("commands.payload_task %q is not a task", p.Commands.PayloadTask)
	}
	return p.ModeTable().Validate()
}

// ModeTable converts the mode sections into a state machine table.
func (p *Profile) ModeTable() mode.Table {
	t := mode.Table{
		Initial:     mode.Mode(p.InitialMode),
		Eligibility: make(map[mode.Mode][]task.ID, len(p.Eligibility)),
	}
	for _, m := range p.Modes {
		t.Modes = append(t.Modes, mode.Mode(m))
	}
	for _, tr := range p.Transitions {
		t.Transitions = append(t.Transitions, mode.Transition{
			From:    mode.Mode(tr.From),
			Trigger: mode.Trigger(tr.Trigger),
			To:      mode.Mode(tr.To),
		})
	}
	for m, list := range p.Eligibility {
		ids := make([]task.ID, len(list))
		for i, id := range list {
			ids[i] = task.ID(id)
		}
		t.Eligibility[mode.Mode(m)] = ids
	}
	for _, g := range p.Guards {
		t.Guards = append(t.Guards, mode.Guard{
			Signal:    g.Signal,
			Op:        g.Op,
			Threshold: g.Threshold,
			Trigger:   mode.Trigger(g.Trigger),
		})
	}
	return t
}

// HandlerConfig converts the data section for the data handler.
func (d DataConfig) HandlerConfig() datahandler.Config {
	return datahandler.Config{
		DefaultCapacity: d.DefaultCapacity,
		Capacities:      d.Capacities,
		BatchSize:       d.BatchSize,
		Retries:         d.Retries,
	}
}

// SegmentLogConfig converts the data section for the durable log.
func (d DataConfig) SegmentLogConfig() datahandler.SegmentLogConfig {
	return datahandler.SegmentLogConfig{
		Dir:        d.Dir,
		Name:       d.LogName,
		MaxSizeMB:  d.SegmentMB,
		MaxBackups: d.Backups,
	}
}

// WatchdogConfig converts the task's watchdog section.
func (t TaskConfig) WatchdogConfig() (watchdog.Config, bool) {
	if t.Watchdog == nil {
		return watchdog.Config{}, false
	}
	return watchdog.Config{
		MaxSilence: t.Watchdog.MaxSilence,
		Threshold:  t.Watchdog.Threshold,
		Action:     watchdog.Action(t.Watchdog.Action),
	}, true
}

// Spec converts the task for the subsystem factory.
func (t TaskConfig) Spec() subsystems.Spec {
	return subsystems.Spec{
		Kind:     t.Kind,
		Period:   t.Period,
		Priority: t.Priority,
		Critical: t.Critical,
		Options:  t.Options,
	}
}

// ApplyEnv overrides profile values from the environment.
func (p *Profile) ApplyEnv() error {
	if dir := os.Getenv("FSW_DATA_DIR"); dir != "" {
		p.Data.Dir = dir
	}
	if envTick := os.Getenv("TICK_INTERVAL"); envTick != "" {
		d, err := time.ParseDuration(envTick)
		if err != nil {
			return fmt.Errorf("invalid TICK_INTERVAL: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid TICK_INTERVAL: %s", envTick)
		}
		p.Tick = d
	}
	return nil
}
