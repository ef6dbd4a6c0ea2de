package core

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// ErrComputeBusy is returned when an inference is requested while one
// is already in flight. Requests are refused, never queued; the
// scheduler turns a refusal into a deferral.
var ErrComputeBusy = errors.New("compute: inference already in flight")

// ComputeEmulator charges the latency and energy of on-board inference
// against the simulation without running any model. Costs come from the
// benchmarked per-model profile table; confidence is sampled from a
// config-seeded RNG so runs replay identically.
type ComputeEmulator struct {
	profiles  map[string]config.ModelProfile
	threshold float64
	rng       *rand.Rand
}

// NewComputeEmulator builds the emulator from validated configuration.
func NewComputeEmulator(cfg config.ComputeConfig) *ComputeEmulator {
	return &ComputeEmulator{
		profiles:  cfg.Models,
		threshold: cfg.ConfidenceThreshold,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// RunInference charges one inference for taskID using the named model.
// It refuses with ErrComputeBusy while prior.BusyUntil is in the
// future, and with an ordinary error for an unknown model (a config
// table gap, caught by the kernel's tick-boundary policy).
func (c *ComputeEmulator) RunInference(modelName, taskID string, prior model.ComputeState, simTime float64) (model.ComputeState, model.InferenceResult, error) {
	if prior.BusyUntil > simTime {
		return prior, model.InferenceResult{}, ErrComputeBusy
	}

	profile, ok := c.profiles[modelName]
	if !ok {
		return prior, model.InferenceResult{}, fmt.Errorf("compute: no profile for model %q", modelName)
	}

	latency := (profile.PreprocessTimeMs + profile.InferenceTimeMs) / 1000
	energy := profile.PreprocessPowerMw/1000*profile.PreprocessTimeMs/1000 +
		profile.InferencePowerMw/1000*profile.InferenceTimeMs/1000

	confidence := c.rng.Float64()
	result := model.InferenceResult{
		TaskID:       taskID,
		Model:        modelName,
		Confidence:   confidence,
		LatencyS:     latency,
		EnergyJ:      energy,
		PeakMemoryKb: profile.PeakMemoryKb,
		Detection:    confidence >= c.threshold,
	}

	next := model.ComputeState{
		BusyUntil:     simTime + latency,
		EnergyJ:       prior.EnergyJ + energy,
		LastInference: &result,
	}
	return next, result, nil
}

// IdleDraw returns the accelerator's idle floor for the named model in
// watts, zero for an unknown model. The kernel charges this against the
// battery every tick; inference energy comes on top of it.
func (c *ComputeEmulator) IdleDraw(modelName string) float64 {
	profile, ok := c.profiles[modelName]
	if !ok {
		return 0
	}
	return profile.IdlePowerMw / 1000
}
