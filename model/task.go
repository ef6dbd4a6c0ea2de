package model

// TaskKind distinguishes how an imaging task entered the system.
type TaskKind string

const (
	// TaskStrip is a periodic, automatically scheduled strip capture.
	TaskStrip TaskKind = "strip"
	// TaskSpot is an externally commanded point capture.
	TaskSpot TaskKind = "spot"
	// TaskTipAndCue is a follow-up capture proposed by an inference result.
	TaskTipAndCue TaskKind = "tip_and_cue"
)

// TaskStatus is the lifecycle state of an imaging task.
//
// pending -> active -> {completed, missed}
// active  -> pending (deferred, attempt counter incremented)
// pending -> missed  (window elapsed or retries exhausted)
//
// completed and missed are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskMissed    TaskStatus = "missed"
)

// GroundTarget is a point on the Earth's surface in geodetic degrees.
type GroundTarget struct {
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
}

// ImagingTask is one unit of payload work tracked by the scheduler.
// Tasks are value types; the scheduler owns the single mutable copy and
// snapshots expose clones.
type ImagingTask struct {
	ID       string       `json:"id"`
	Kind     TaskKind     `json:"kind"`
	Target   GroundTarget `json:"target"`
	Priority int          `json:"priority"`

	// NotBefore and Deadline bound the eligible window in sim seconds.
	// Deadline <= 0 means the task has no deadline.
	NotBefore float64 `json:"not_before"`
	Deadline  float64 `json:"deadline"`

	Status   TaskStatus `json:"status"`
	Attempts int        `json:"attempts"`

	// Seq is the arrival order assigned by the scheduler; it breaks
	// priority ties FIFO by arrival.
	Seq uint64 `json:"seq"`
}

// Eligible reports whether the task may be selected at simTime.
func (t ImagingTask) Eligible(simTime float64) bool {
	if t.Status != TaskPending {
		return false
	}
	if simTime < t.NotBefore {
		return false
	}
	return !t.Expired(simTime)
}

// Expired reports whether the task's capture window has elapsed.
func (t ImagingTask) Expired(simTime float64) bool {
	return t.Deadline > 0 && simTime > t.Deadline
}

// Terminal reports whether the task is in a terminal state.
func (t ImagingTask) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskMissed
}
