package core

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// TaskScheduler owns the pending imaging task queue and the per-task
// state machine. It is mutated only from the kernel goroutine, during
// command ingestion at tick start and during the scheduling step, so it
// carries no lock of its own.
type TaskScheduler struct {
	cfg     config.SchedulerConfig
	queue   taskHeap
	active  *model.ImagingTask
	nextSeq uint64
	// nextStripAt is the sim time the next periodic strip task is due.
	nextStripAt float64
	stripCount  uint64
	// cueBudget is the remaining tip-and-cue allowance for the current
	// tick; reset by BeginTick.
	cueBudget int
}

// NewTaskScheduler builds a scheduler with an empty queue.
func NewTaskScheduler(cfg config.SchedulerConfig) *TaskScheduler {
	return &TaskScheduler{cfg: cfg}
}

// Submit enqueues a task, assigning its ID, arrival order, and pending
// status. The filled-in task is returned for logging.
func (s *TaskScheduler) Submit(task model.ImagingTask) model.ImagingTask {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = model.TaskPending
	task.Attempts = 0
	s.nextSeq++
	task.Seq = s.nextSeq
	heap.Push(&s.queue, task)
	return task
}

// AutoEnqueue generates the periodic strip tasks that have come due by
// simTime. Disabled when the configured interval is zero.
func (s *TaskScheduler) AutoEnqueue(simTime float64) []model.ImagingTask {
	if s.cfg.AutoCaptureIntervalSec <= 0 {
		return nil
	}

	var created []model.ImagingTask
	for simTime >= s.nextStripAt {
		s.stripCount++
		task := s.Submit(model.ImagingTask{
			ID:        fmt.Sprintf("strip-%d", s.stripCount),
			Kind:      model.TaskStrip,
			Priority:  s.cfg.StripPriority,
			NotBefore: s.nextStripAt,
			Deadline:  s.nextStripAt + s.cfg.StripWindowSec,
		})
		created = append(created, task)
		s.nextStripAt += s.cfg.AutoCaptureIntervalSec
	}
	return created
}

// BeginTick resets per-tick accounting. The kernel calls it once at the
// start of every tick before any scheduling activity.
func (s *TaskScheduler) BeginTick() {
	s.cueBudget = s.cfg.TipAndCuePerTickCap
}

// CueFromInference turns a detection into a tip-and-cue task aimed at
// the detection's ground target. The per-tick budget bounds how many
// tasks inference may cue within a single tick, so a runaway detection
// loop cannot grow the queue without bound.
func (s *TaskScheduler) CueFromInference(target model.GroundTarget, simTime float64) (model.ImagingTask, bool) {
	if s.cueBudget <= 0 {
		return model.ImagingTask{}, false
	}
	s.cueBudget--
	task := s.Submit(model.ImagingTask{
		Kind:      model.TaskTipAndCue,
		Target:    target,
		Priority:  s.cfg.TipAndCuePriority,
		NotBefore: simTime,
	})
	return task, true
}

// Select runs one scheduling pass at simTime: expired pending tasks are
// dropped and returned as missed, then the highest-priority eligible
// task becomes active. At most one task is active at a time; if one is
// already active it is kept.
func (s *TaskScheduler) Select(simTime float64) (*model.ImagingTask, []model.ImagingTask) {
	missed := s.expire(simTime)

	if s.active != nil {
		return s.active, missed
	}

	// Pop until an eligible task surfaces. Tasks not yet eligible go
	// back; the heap order guarantees the first eligible pop is the
	// best choice among eligible tasks.
	var deferred []model.ImagingTask
	for s.queue.Len() > 0 {
		task := heap.Pop(&s.queue).(model.ImagingTask)
		if task.Eligible(simTime) {
			task.Status = model.TaskActive
			s.active = &task
			break
		}
		deferred = append(deferred, task)
	}
	for _, t := range deferred {
		heap.Push(&s.queue, t)
	}

	return s.active, missed
}

// Complete retires the active task successfully.
func (s *TaskScheduler) Complete() {
	if s.active == nil {
		return
	}
	s.active.Status = model.TaskCompleted
	s.active = nil
}

// Defer returns the active task to the queue because a resource was
// unavailable this tick. Spot and tip-and-cue tasks retry up to the
// configured limit before being dropped; strip tasks simply wait out
// their window. A non-nil return is the task dropped as missed.
func (s *TaskScheduler) Defer() *model.ImagingTask {
	if s.active == nil {
		return nil
	}
	task := *s.active
	s.active = nil

	task.Attempts++
	if task.Kind != model.TaskStrip && task.Attempts > s.cfg.RetryLimit {
		task.Status = model.TaskMissed
		return &task
	}

	task.Status = model.TaskPending
	heap.Push(&s.queue, task)
	return nil
}

// Snapshot clones the scheduler view for a state commit. Pending tasks
// are listed in selection order.
func (s *TaskScheduler) Snapshot() model.TaskBoard {
	board := model.TaskBoard{
		Pending: make([]model.ImagingTask, len(s.queue)),
	}
	copy(board.Pending, s.queue)
	sort.Slice(board.Pending, func(i, j int) bool {
		return taskHeap(board.Pending).Less(i, j)
	})
	if s.active != nil {
		active := *s.active
		board.Active = &active
	}
	return board
}

// PendingLen reports the queue depth, for metrics.
func (s *TaskScheduler) PendingLen() int { return s.queue.Len() }

// expire drops pending tasks whose window has elapsed and returns them
// marked missed.
func (s *TaskScheduler) expire(simTime float64) []model.ImagingTask {
	var missed []model.ImagingTask
	kept := s.queue[:0]
	for _, task := range s.queue {
		if task.Expired(simTime) {
			task.Status = model.TaskMissed
			missed = append(missed, task)
			continue
		}
		kept = append(kept, task)
	}
	if len(missed) > 0 {
		s.queue = kept
		heap.Init(&s.queue)
	}
	return missed
}

// taskHeap orders tasks by descending priority, then earliest eligible
// time, then arrival order (FIFO for full ties).
type taskHeap []model.ImagingTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if h[i].NotBefore != h[j].NotBefore {
		return h[i].NotBefore < h[j].NotBefore
	}
	return h[i].Seq < h[j].Seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(model.ImagingTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
