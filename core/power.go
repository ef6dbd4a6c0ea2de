package core

import (
	"fmt"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// PowerLoad is one named consumer charged against the battery for a
// tick.
type PowerLoad struct {
	Name  string
	Watts float64
}

// PowerSystem integrates the battery state of charge:
//
//	SOC' = SOC + (P_solar - P_load) * dt / capacity
//
// clamped to [0, 1]. It is deterministic given its inputs and never
// errors: bad deltas degrade to alerts, and depletion is ordinary state
// that consumers gate on, not an error.
type PowerSystem struct {
	capacityJ   float64
	generationW float64
}

// NewPowerSystem builds the system from validated configuration.
func NewPowerSystem(cfg config.PowerConfig) *PowerSystem {
	return &PowerSystem{
		capacityJ:   cfg.CapacityWh * 3600,
		generationW: cfg.SolarGenerationW,
	}
}

// Depleted reports whether the battery can power payload activity.
// Camera and compute must consult this before consuming, never after.
func Depleted(s model.PowerState) bool {
	return s.ChargeLevel <= 0
}

// Update advances the state of charge over dt sim seconds. The blackout
// alert fires exactly once per transition to zero; remaining at zero is
// silent, as is clamping at full charge.
func (p *PowerSystem) Update(prior model.PowerState, sunlit bool, loads []PowerLoad, dt float64, simTime float64) (model.PowerState, []model.Alert) {
	var alerts []model.Alert

	if dt <= 0 {
		alerts = append(alerts, model.Alert{
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("non-positive time delta %.3fs, treating as zero", dt),
			Source:   "power",
			SimTime:  simTime,
		})
		dt = 0
	}

	generation := 0.0
	if sunlit {
		generation = p.generationW
	}

	load := 0.0
	for _, l := range loads {
		load += l.Watts
	}

	soc := prior.ChargeLevel + (generation-load)*dt/p.capacityJ

	blackout := prior.Blackout
	switch {
	case soc <= 0:
		soc = 0
		if !blackout {
			alerts = append(alerts, model.Alert{
				Severity: model.SeverityCritical,
				Message:  "battery depleted, entering blackout",
				Source:   "power",
				SimTime:  simTime,
			})
		}
		blackout = true
	case soc >= 1:
		soc = 1
		blackout = false
	default:
		if blackout {
			alerts = append(alerts, model.Alert{
				Severity: model.SeverityInfo,
				Message:  "battery recovering, blackout cleared",
				Source:   "power",
				SimTime:  simTime,
			})
		}
		blackout = false
	}

	return model.PowerState{
		ChargeLevel: soc,
		GenerationW: generation,
		LoadW:       load,
		Blackout:    blackout,
	}, alerts
}
