package model

import "time"

// Severity grades an Alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator-visible event raised during a tick. The alert
// list is rebuilt every tick; alerts are never carried forward.
type Alert struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Source   string   `json:"source"`
	SimTime  float64  `json:"sim_time"`
}

// OrbitState is the propagated orbital state for one tick.
type OrbitState struct {
	// PositionKm and VelocityKmS are in the inertial TEME frame.
	PositionKm  Vec3 `json:"position_km"`
	VelocityKmS Vec3 `json:"velocity_km_s"`
	// Sunlit is derived from the Earth-shadow geometry.
	Sunlit bool `json:"sunlit"`
}

// AttitudeState is the spacecraft orientation for one tick.
type AttitudeState struct {
	Orientation Quaternion `json:"orientation"`
	// PointingTaskID names the task the attitude is slewing toward,
	// empty when nadir pointing.
	PointingTaskID string `json:"pointing_task_id,omitempty"`
}

// PowerState is the electrical state for one tick.
type PowerState struct {
	// ChargeLevel is the normalised state of charge in [0, 1].
	ChargeLevel float64 `json:"charge_level"`
	GenerationW float64 `json:"generation_w"`
	LoadW       float64 `json:"load_w"`
	// Blackout is true while ChargeLevel sits at zero. The transition
	// into blackout raises a single CRITICAL alert; the flag itself is
	// ordinary state that consumers gate on.
	Blackout bool `json:"blackout"`
}

// InferenceResult is the output of one emulated on-board inference.
type InferenceResult struct {
	TaskID     string  `json:"task_id"`
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
	LatencyS   float64 `json:"latency_s"`
	EnergyJ    float64 `json:"energy_j"`
	// PeakMemoryKb is the benchmarked working-set high-water mark of the
	// model that produced this result.
	PeakMemoryKb float64 `json:"peak_memory_kb"`
	// Detection is true when the model reported a find; detections may
	// cue follow-up spot tasks.
	Detection bool `json:"detection"`
}

// ComputeState is the on-board compute occupancy for one tick.
type ComputeState struct {
	// BusyUntil is the sim time at which the current inference ends;
	// compute is idle when BusyUntil <= sim time.
	BusyUntil float64 `json:"busy_until"`
	// EnergyJ is cumulative energy charged to the payload computer.
	EnergyJ       float64          `json:"energy_j"`
	LastInference *InferenceResult `json:"last_inference,omitempty"`
}

// Image is the metadata of one degraded capture. The pixel pipeline is
// an external collaborator; the kernel tracks only what it produced.
type Image struct {
	TaskID             string  `json:"task_id"`
	Width              int     `json:"width"`
	Height             int     `json:"height"`
	BitDepth           int     `json:"bit_depth"`
	NoiseLevel         float64 `json:"noise_level"`
	BlurLevel          float64 `json:"blur_level"`
	CompressionQuality int     `json:"compression_quality"`
	SizeBytes          int     `json:"size_bytes"`
	CapturedAt         float64 `json:"captured_at"`
}

// TaskBoard is the scheduler view embedded in a snapshot.
type TaskBoard struct {
	// Pending holds queued tasks in selection order.
	Pending []ImagingTask `json:"pending"`
	// Active is the task owned by the current tick, if any.
	Active *ImagingTask `json:"active,omitempty"`
}

// SatelliteState is the canonical simulation snapshot. It is created by
// the kernel, committed wholesale once per tick, and immutable
// afterwards; every consumer receives its own clone.
type SatelliteState struct {
	// Seq counts committed ticks, starting at 1 for the first tick.
	Seq uint64 `json:"seq"`
	// SimTime is seconds since mission epoch, strictly non-decreasing.
	SimTime float64 `json:"sim_time"`
	// Timestamp is the epoch-relative wall representation of SimTime.
	Timestamp time.Time `json:"timestamp"`

	Orbit    OrbitState    `json:"orbit"`
	Attitude AttitudeState `json:"attitude"`
	Power    PowerState    `json:"power"`
	Compute  ComputeState  `json:"compute"`
	Tasks    TaskBoard     `json:"tasks"`

	// LastImage is the capture produced this tick, if any.
	LastImage *Image `json:"last_image,omitempty"`

	Alerts []Alert `json:"alerts"`
	// ErrorFlag marks a tick that failed partially; untouched fields
	// carry the prior tick's values.
	ErrorFlag bool `json:"error_flag"`
}

// Clone returns a deep copy of the state. Committed states are shared
// read-only between the kernel, recorder, and broadcaster, so any
// mutation must start from a clone.
func (s *SatelliteState) Clone() *SatelliteState {
	out := *s
	if s.Compute.LastInference != nil {
		inf := *s.Compute.LastInference
		out.Compute.LastInference = &inf
	}
	if s.LastImage != nil {
		img := *s.LastImage
		out.LastImage = &img
	}
	if s.Tasks.Active != nil {
		active := *s.Tasks.Active
		out.Tasks.Active = &active
	}
	out.Tasks.Pending = append([]ImagingTask(nil), s.Tasks.Pending...)
	out.Alerts = append([]Alert(nil), s.Alerts...)
	return &out
}
