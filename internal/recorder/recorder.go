// Package recorder appends one JSON line per committed tick to a flight
// log, so a run can be replayed or analysed offline.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/signalsfoundry/cubesat-testbed/internal/logging"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// Record is the per-tick line written to the flight log. It is a
// flattened digest of the snapshot, not the full state.
type Record struct {
	Seq          uint64        `json:"seq"`
	SimTime      float64       `json:"sim_time"`
	Timestamp    time.Time     `json:"timestamp"`
	ChargeLevel  float64       `json:"charge_level"`
	GenerationW  float64       `json:"generation_w"`
	LoadW        float64       `json:"load_w"`
	Sunlit       bool          `json:"sunlit"`
	Blackout     bool          `json:"blackout"`
	PendingTasks int           `json:"pending_tasks"`
	ActiveTask   string        `json:"active_task,omitempty"`
	ImageTask    string        `json:"image_task,omitempty"`
	Detection    bool          `json:"detection"`
	Alerts       []model.Alert `json:"alerts,omitempty"`
	ErrorFlag    bool          `json:"error_flag"`
}

// Recorder writes tick records to a JSONL file. Write failures are
// logged and swallowed: losing flight log lines must never stall or
// kill the simulation.
type Recorder struct {
	log logging.Logger

	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// New opens (or creates, truncating) the flight log at path.
func New(path string, log logging.Logger) (*Recorder, error) {
	if log == nil {
		log = logging.Noop()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create %q: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	return &Recorder{
		log: log,
		f:   f,
		buf: buf,
		enc: json.NewEncoder(buf),
	}, nil
}

// Publish appends one record for the committed snapshot.
func (r *Recorder) Publish(s *model.SatelliteState) {
	rec := Record{
		Seq:          s.Seq,
		SimTime:      s.SimTime,
		Timestamp:    s.Timestamp,
		ChargeLevel:  s.Power.ChargeLevel,
		GenerationW:  s.Power.GenerationW,
		LoadW:        s.Power.LoadW,
		Sunlit:       s.Orbit.Sunlit,
		Blackout:     s.Power.Blackout,
		PendingTasks: len(s.Tasks.Pending),
		Alerts:       s.Alerts,
		ErrorFlag:    s.ErrorFlag,
	}
	if s.Tasks.Active != nil {
		rec.ActiveTask = s.Tasks.Active.ID
	}
	if s.LastImage != nil {
		rec.ImageTask = s.LastImage.TaskID
	}
	if s.Compute.LastInference != nil && s.Compute.LastInference.TaskID == rec.ImageTask {
		rec.Detection = s.Compute.LastInference.Detection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return
	}
	if err := r.enc.Encode(rec); err != nil {
		r.log.Warn(context.Background(), "flight log write failed",
			logging.Uint64("seq", s.Seq),
			logging.Err(err),
		)
	}
}

// Close flushes and closes the flight log. Publish after Close is a
// no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	flushErr := r.buf.Flush()
	closeErr := r.f.Close()
	r.f = nil
	r.buf = nil
	r.enc = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
