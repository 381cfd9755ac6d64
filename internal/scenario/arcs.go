package scenario

func volts(v float64) *float64 { return &v }

// BuiltIn returns predefined bench scenarios for the flight profile.
func BuiltIn() map[string]Scenario {
	return map[string]Scenario{
		"eclipse": {
			Name:        "Eclipse",
			Description: "Battery sags through an eclipse, the kernel sheds load, then recovers in sunlight.",
			Phases: []Phase{
				{
					Name:        "commission",
					Description: "Boot and wait for NOMINAL, then power the payload.",
					Triggers:    []Trigger{{Event: EventMode, Mode: "NOMINAL", Next: "science"}},
				},
				{
					Name:        "science",
					Description: "Payload runs in sunlight.",
					Uplink:      []Uplink{{Opcode: "ENABLE_PAYLOAD"}},
					Triggers:    []Trigger{{Event: EventCycles, Value: 10, Next: "eclipse"}},
				},
				{
					Name:        "eclipse",
					Description: "Bus voltage drops below the low-power guard.",
					BatteryV:    volts(6.2),
					Triggers:    []Trigger{{Event: EventMode, Mode: "LOW_POWER", Next: "sunlight"}},
				},
				{
					Name:        "sunlight",
					Description: "Panels recharge the pack and the battery model resumes.",
					BatteryV:    volts(7.2),
					Triggers:    []Trigger{{Event: EventMode, Mode: "NOMINAL", Next: "resolution"}},
				},
				{
					Name:     "resolution",
					ReleaseV: true,
				},
			},
		},
		"safe-hold": {
			Name:        "Safe hold",
			Description: "Ground commands the spacecraft into SAFE and back out.",
			Phases: []Phase{
				{
					Name:     "commission",
					Triggers: []Trigger{{Event: EventMode, Mode: "NOMINAL", Next: "hold"}},
				},
				{
					Name:     "hold",
					Uplink:   []Uplink{{Opcode: "SET_MODE", Args: map[string]any{"mode": "SAFE"}}},
					Triggers: []Trigger{{Event: EventMode, Mode: "SAFE", Next: "release"}},
				},
				{
					Name:     "release",
					Uplink:   []Uplink{{Opcode: "SET_MODE", Args: map[string]any{"mode": "NOMINAL"}}},
					Triggers: []Trigger{{Event: EventMode, Mode: "NOMINAL", Next: "resolution"}},
				},
				{
					Name: "resolution",
				},
			},
		},
	}
}
