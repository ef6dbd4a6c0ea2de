package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full testbed configuration. It is loaded once at
// startup from defaults, an optional JSON file, and environment
// overrides (in that order), then validated strictly: any violation is
// fatal before the tick loop or any listener starts.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Simulation SimulationConfig `json:"simulation"`
	TLE        TLEConfig        `json:"tle"`
	Attitude   AttitudeConfig   `json:"attitude"`
	Power      PowerConfig      `json:"power"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Camera     CameraConfig     `json:"camera"`
	Compute    ComputeConfig    `json:"compute"`
	Server     ServerConfig     `json:"server"`
	Recorder   RecorderConfig   `json:"recorder"`
}

// GeneralConfig holds logging knobs.
type GeneralConfig struct {
	LogLevel  string `json:"log_level" env:"CVT_LOG_LEVEL"`
	LogFormat string `json:"log_format" env:"CVT_LOG_FORMAT"`
}

// SimulationConfig holds tick-loop settings.
type SimulationConfig struct {
	// TickRateHz is the logical heartbeat of the simulation.
	TickRateHz float64 `json:"tick_rate_hz" env:"CVT_TICK_RATE_HZ"`
	// TimeWarpFactor converts real elapsed time to simulated elapsed
	// time. 1.0 is real time.
	TimeWarpFactor float64 `json:"time_warp_factor" env:"CVT_TIME_WARP_FACTOR"`
	// Accelerated disables pacing entirely; used for batch runs.
	Accelerated bool `json:"accelerated" env:"CVT_ACCELERATED"`
	// Epoch is the mission epoch in RFC 3339. Empty means "now".
	Epoch string `json:"epoch" env:"CVT_EPOCH"`
}

// TLEConfig identifies the orbit to propagate.
type TLEConfig struct {
	Name  string `json:"name"`
	Line1 string `json:"line1" env:"CVT_TLE_LINE1"`
	Line2 string `json:"line2" env:"CVT_TLE_LINE2"`
}

// AttitudeConfig tunes the kinematic pointing model.
type AttitudeConfig struct {
	// MaxSlewRateDegS caps how fast the boresight may rotate.
	MaxSlewRateDegS float64 `json:"max_slew_rate_deg_s"`
}

// PowerConfig describes the battery and the static power budget.
type PowerConfig struct {
	CapacityWh    float64 `json:"capacity_wh"`
	InitialCharge float64 `json:"initial_charge"`
	// SolarGenerationW is the panel output while sunlit.
	SolarGenerationW float64 `json:"solar_generation_w"`
	// IdleLoadW is the bus load drawn every tick regardless of payload
	// activity.
	IdleLoadW float64 `json:"idle_load_w"`
}

// SchedulerConfig tunes imaging task scheduling.
type SchedulerConfig struct {
	// AutoCaptureIntervalSec is the period of auto-enqueued strip tasks.
	// Zero disables strip generation.
	AutoCaptureIntervalSec float64 `json:"auto_capture_interval_sec"`
	// StripWindowSec bounds how long a strip task stays eligible.
	StripWindowSec    float64 `json:"strip_window_sec"`
	StripPriority     int     `json:"strip_priority"`
	SpotPriority      int     `json:"spot_priority"`
	TipAndCuePriority int     `json:"tip_and_cue_priority"`
	// RetryLimit caps deferrals for spot and tip-and-cue tasks.
	RetryLimit int `json:"retry_limit"`
	// TipAndCuePerTickCap bounds how many tasks inference may cue in a
	// single tick, so a runaway detection loop cannot grow the queue
	// without bound.
	TipAndCuePerTickCap int `json:"tip_and_cue_per_tick_cap"`
}

// CameraConfig describes the emulated sensor and its degradations.
type CameraConfig struct {
	Width              int     `json:"width"`
	Height             int     `json:"height"`
	BitDepth           int     `json:"bit_depth"`
	NoiseLevel         float64 `json:"noise_level"`
	BlurLevel          float64 `json:"blur_level"`
	CompressionQuality int     `json:"compression_quality"`
	// CapturePowerW and ExposureS together price one capture.
	CapturePowerW float64 `json:"capture_power_w"`
	ExposureS     float64 `json:"exposure_s"`
}

// ModelProfile carries benchmarked costs for one on-board model. The
// table is data, not kernel logic.
type ModelProfile struct {
	InferenceTimeMs   float64 `json:"inference_time_ms"`
	PreprocessTimeMs  float64 `json:"preprocess_time_ms"`
	InferencePowerMw  float64 `json:"inference_power_mw"`
	PreprocessPowerMw float64 `json:"preprocess_power_mw"`
	IdlePowerMw       float64 `json:"idle_power_mw"`
	PeakMemoryKb      float64 `json:"peak_memory_kb"`
}

// ComputeConfig describes the payload computer emulation.
type ComputeConfig struct {
	// Seed drives every sampled quantity for reproducible runs.
	Seed int64 `json:"seed" env:"CVT_COMPUTE_SEED"`
	// DefaultModel selects the profile used for capture inference.
	DefaultModel string `json:"default_model"`
	// ConfidenceThreshold gates tip-and-cue proposals.
	ConfidenceThreshold float64                 `json:"confidence_threshold"`
	Models              map[string]ModelProfile `json:"models"`
}

// ServerConfig holds the listener addresses.
type ServerConfig struct {
	ListenAddr  string `json:"listen_addr" env:"CVT_LISTEN_ADDR"`
	MetricsAddr string `json:"metrics_addr" env:"CVT_METRICS_ADDR"`
	// SendBuffer is the per-observer snapshot buffer; a full buffer
	// drops the oldest snapshot rather than blocking the kernel.
	SendBuffer int `json:"send_buffer"`
}

// RecorderConfig controls the per-tick flight log.
type RecorderConfig struct {
	// Path of the JSONL flight log. Empty disables recording.
	Path string `json:"path" env:"CVT_RECORDER_PATH"`
}

// Default returns the configuration used when a field is absent from
// both the file and the environment. Defaults mirror a 4.5 kg CubeSat
// with a single benchmarked detection model.
func Default() Config {
	return Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Simulation: SimulationConfig{
			TickRateHz:     10,
			TimeWarpFactor: 1.0,
		},
		TLE: TLEConfig{
			Name:  "ISS (ZARYA)",
			Line1: "1 25544U 98067A   25299.54407407  .00016717  00000-0  10270-3 0  9997",
			Line2: "2 25544  51.6416 247.4627 0006703 130.5360 325.0158 15.49814673420011",
		},
		Attitude: AttitudeConfig{
			MaxSlewRateDegS: 2.0,
		},
		Power: PowerConfig{
			CapacityWh:       20,
			InitialCharge:    1.0,
			SolarGenerationW: 8,
			IdleLoadW:        1.5,
		},
		Scheduler: SchedulerConfig{
			AutoCaptureIntervalSec: 300,
			StripWindowSec:         600,
			StripPriority:          10,
			SpotPriority:           50,
			TipAndCuePriority:      90,
			RetryLimit:             3,
			TipAndCuePerTickCap:    2,
		},
		Camera: CameraConfig{
			Width:              640,
			Height:             480,
			BitDepth:           8,
			NoiseLevel:         0.02,
			BlurLevel:          0.5,
			CompressionQuality: 95,
			CapturePowerW:      2.5,
			ExposureS:          1.0,
		},
		Compute: ComputeConfig{
			Seed:                42,
			DefaultModel:        "ship-detect-v1",
			ConfidenceThreshold: 0.8,
			Models: map[string]ModelProfile{
				"ship-detect-v1": {
					InferenceTimeMs:   100,
					PreprocessTimeMs:  20,
					InferencePowerMw:  150,
					PreprocessPowerMw: 50,
					IdlePowerMw:       10,
					PeakMemoryKb:      80,
				},
			},
		},
		Server: ServerConfig{
			ListenAddr:  ":8000",
			MetricsAddr: ":9090",
			SendBuffer:  8,
		},
	}
}

// Load builds a Config from defaults, the optional JSON file at path,
// and environment overrides, then validates it. Errors are fatal to the
// caller; no partially initialised configuration is ever returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %q: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TickInterval converts the configured rate into a tick duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Simulation.TickRateHz)
}

// EpochTime resolves the mission epoch, defaulting to the current wall
// time when unset. Validate has already checked the format.
func (c Config) EpochTime() time.Time {
	if c.Simulation.Epoch == "" {
		return time.Now().UTC()
	}
	t, _ := time.Parse(time.RFC3339, c.Simulation.Epoch)
	return t.UTC()
}

// Validate applies the strict-on-startup policy from the error-handling
// design: every violation is reported, none is papered over.
func (c Config) Validate() error {
	var problems []string

	if c.Simulation.TickRateHz <= 0 {
		problems = append(problems, "simulation.tick_rate_hz must be > 0")
	}
	if c.Simulation.TimeWarpFactor <= 0 {
		problems = append(problems, "simulation.time_warp_factor must be > 0")
	}
	if c.Simulation.Epoch != "" {
		if _, err := time.Parse(time.RFC3339, c.Simulation.Epoch); err != nil {
			problems = append(problems, fmt.Sprintf("simulation.epoch: %v", err))
		}
	}

	if err := validateTLELine(c.TLE.Line1, '1'); err != nil {
		problems = append(problems, fmt.Sprintf("tle.line1: %v", err))
	}
	if err := validateTLELine(c.TLE.Line2, '2'); err != nil {
		problems = append(problems, fmt.Sprintf("tle.line2: %v", err))
	}

	if c.Attitude.MaxSlewRateDegS <= 0 {
		problems = append(problems, "attitude.max_slew_rate_deg_s must be > 0")
	}

	if c.Power.CapacityWh <= 0 {
		problems = append(problems, "power.capacity_wh must be > 0")
	}
	if c.Power.InitialCharge < 0 || c.Power.InitialCharge > 1 {
		problems = append(problems, "power.initial_charge must be within [0, 1]")
	}
	if c.Power.SolarGenerationW < 0 {
		problems = append(problems, "power.solar_generation_w must be >= 0")
	}
	if c.Power.IdleLoadW < 0 {
		problems = append(problems, "power.idle_load_w must be >= 0")
	}

	if c.Scheduler.AutoCaptureIntervalSec < 0 {
		problems = append(problems, "scheduler.auto_capture_interval_sec must be >= 0")
	}
	if c.Scheduler.RetryLimit < 0 {
		problems = append(problems, "scheduler.retry_limit must be >= 0")
	}
	if c.Scheduler.TipAndCuePerTickCap < 0 {
		problems = append(problems, "scheduler.tip_and_cue_per_tick_cap must be >= 0")
	}

	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		problems = append(problems, "camera resolution must be positive")
	}
	if c.Camera.CompressionQuality < 1 || c.Camera.CompressionQuality > 100 {
		problems = append(problems, "camera.compression_quality must be within [1, 100]")
	}
	if c.Camera.ExposureS < 0 || c.Camera.CapturePowerW < 0 {
		problems = append(problems, "camera capture cost must be >= 0")
	}

	if len(c.Compute.Models) == 0 {
		problems = append(problems, "compute.models must not be empty")
	}
	if _, ok := c.Compute.Models[c.Compute.DefaultModel]; !ok {
		problems = append(problems, fmt.Sprintf("compute.default_model %q has no profile", c.Compute.DefaultModel))
	}
	if c.Compute.ConfidenceThreshold < 0 || c.Compute.ConfidenceThreshold > 1 {
		problems = append(problems, "compute.confidence_threshold must be within [0, 1]")
	}
	for name, m := range c.Compute.Models {
		if m.InferenceTimeMs <= 0 {
			problems = append(problems, fmt.Sprintf("compute.models[%s].inference_time_ms must be > 0", name))
		}
	}

	if c.Server.SendBuffer <= 0 {
		problems = append(problems, "server.send_buffer must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateTLELine(line string, lineNo byte) error {
	if line == "" {
		return fmt.Errorf("missing")
	}
	if len(line) < 69 {
		return fmt.Errorf("too short (%d chars, want 69)", len(line))
	}
	if line[0] != lineNo || line[1] != ' ' {
		return fmt.Errorf("must start with %q", string(lineNo)+" ")
	}
	return nil
}
