package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/mode"
)

func TestLoadBuiltinProfiles(t *testing.T) {
	for _, name := range []string{"flight", "ground"} {
		t.Run(name, func(t *testing.T) {
			p, err := Load(name)
			if err != nil {
				t.Fatalf("Load(%q) returned error: %v", name, err)
			}
			if p.Name != name {
				t.Errorf("name = %q", p.Name)
			}
			if len(p.Tasks) < 5 {
				t.Errorf("expected at least 5 tasks, got %d", len(p.Tasks))
			}
			for _, tc := range p.Tasks {
				if tc.Critical && tc.Watchdog == nil {
					t.Errorf("critical task %s has no watchdog", tc.ID)
				}
			}
		})
	}
}

func TestFlightProfileValues(t *testing.T) {
	p, err := Load("flight")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Tick != time.Second {
		t.Errorf("tick = %s", p.Tick)
	}
	var low float64
	for _, g := range p.Guards {
		if g.Trigger == "BATTERY_LOW" {
			low = g.Threshold
		}
	}
	if low != 6.5 {
		t.Errorf("BATTERY_LOW threshold = %v, want 6.5", low)
	}
	for _, tc := range p.Tasks {
		if tc.ID == "payload" && tc.IsEnabled() {
			t.Errorf("payload should start disabled")
		}
		if tc.ID == "adcs" {
			wd, ok := tc.WatchdogConfig()
			if !ok || wd.Action != "FORCE_MODE" || wd.Threshold != 3 {
				t.Errorf("adcs watchdog = %+v", wd)
			}
		}
	}
	if p.Board.Emulator.Seed != 7 {
		t.Errorf("emulator seed = %d", p.Board.Emulator.Seed)
	}
	table := p.ModeTable()
	if table.Initial != mode.Startup || len(table.Modes) != 6 {
		t.Errorf("unexpected table %+v", table)
	}
}

func TestLoadFromFile(t *testing.T) {
	_, data, err := Read("ground")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bench.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load(file): %v", err)
	}
}

func TestUnknownBuiltin(t *testing.T) {
	if _, err := Load("orbit"); err == nil {
		t.Fatal("expected error for unknown builtin")
	}
}

func mutate(t *testing.T, from, to string) []byte {
	t.Helper()
	_, data, err := Read("flight")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, from) {
		t.Fatalf("profile does not contain %q", from)
	}
	return []byte(strings.Replace(s, from, to, 1))
}

func TestSchemaRejects(t *testing.T) {
	cases := map[string][2]string{
		"bad action":   {"action: FORCE_MODE", "action: SELF_DESTRUCT"},
		"bad kind":     {"kind: eps", "kind: propulsion"},
		"bad duration": {"tick: 1s", "tick: soon"},
		"extra field":  {"name: flight", "name: flight\ncolour: red"},
		"bad guard op": {"op: below", "op: equals"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse("flight.yaml", mutate(t, c[0], c[1]), profileSchema); err == nil {
				t.Fatal("expected schema error")
			}
		})
	}
}

func TestSemanticRejects(t *testing.T) {
	cases := map[string][2]string{
		"version too new":      {`version: "1.0.0"`, `version: "2.1.0"`},
		"unknown eligibility":  {"STARTUP: [health, eps, adcs]", "STARTUP: [health, eps, adcs, radio]"},
		"silence below period": {"watchdog: {max_silence: 2s", "watchdog: {max_silence: 500ms"},
		"undeclared mode":      {"{from: SAFE, trigger: GOTO_RECOVERY, to: RECOVERY}", "{from: SAFE, trigger: GOTO_RECOVERY, to: ORBIT}"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("flight.yaml", mutate(t, c[0], c[1]), profileSchema)
			if !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	p, err := Load("flight")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Setenv("FSW_DATA_DIR", "/tmp/fsw")
	t.Setenv("TICK_INTERVAL", "250ms")
	if err := p.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if p.Data.Dir != "/tmp/fsw" || p.Tick != 250*time.Millisecond {
		t.Errorf("env not applied: dir=%s tick=%s", p.Data.Dir, p.Tick)
	}
	if p.Data.LogPath() != filepath.Join("/tmp/fsw", "frames.log") {
		t.Errorf("log path = %s", p.Data.LogPath())
	}

	t.Setenv("TICK_INTERVAL", "fast")
	if err := p.ApplyEnv(); err == nil {
		t.Fatal("expected error for invalid TICK_INTERVAL")
	}
}
