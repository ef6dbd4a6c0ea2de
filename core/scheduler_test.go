package core

import (
	"testing"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		AutoCaptureIntervalSec: 60,
		StripWindowSec:         120,
		StripPriority:          10,
		SpotPriority:           50,
		TipAndCuePriority:      90,
		RetryLimit:             2,
		TipAndCuePerTickCap:    2,
	}
}

func newTestScheduler(t *testing.T) *TaskScheduler {
	t.Helper()
	s := NewTaskScheduler(testSchedulerConfig())
	s.BeginTick()
	return s
}

func TestSchedulerSelectsHighestPriority(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "strip-a", Kind: model.TaskStrip, Priority: 10})
	s.Submit(model.ImagingTask{ID: "spot-b", Kind: model.TaskSpot, Priority: 50})

	active, missed := s.Select(0)
	if len(missed) != 0 {
		t.Fatalf("unexpected missed tasks: %+v", missed)
	}
	if active == nil || active.ID != "spot-b" {
		t.Fatalf("Select picked %+v, want spot-b despite later arrival", active)
	}
	if active.Status != model.TaskActive {
		t.Fatalf("active task status = %s, want active", active.Status)
	}
}

func TestSchedulerTieBreaksFIFO(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "first", Kind: model.TaskSpot, Priority: 50})
	s.Submit(model.ImagingTask{ID: "second", Kind: model.TaskSpot, Priority: 50})

	active, _ := s.Select(0)
	if active == nil || active.ID != "first" {
		t.Fatalf("Select picked %+v, want first by arrival order", active)
	}
}

func TestSchedulerRespectsNotBefore(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "later", Kind: model.TaskSpot, Priority: 50, NotBefore: 100})

	if active, _ := s.Select(0); active != nil {
		t.Fatalf("Select picked %+v before its eligible time", active)
	}
	if active, _ := s.Select(100); active == nil || active.ID != "later" {
		t.Fatalf("Select did not pick task at its eligible time")
	}
}

func TestSchedulerDeferRetriesThenDrops(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "spot", Kind: model.TaskSpot, Priority: 50})

	// RetryLimit is 2: two deferrals return to pending, the third drops.
	for attempt := 1; attempt <= 2; attempt++ {
		active, _ := s.Select(0)
		if active == nil {
			t.Fatalf("attempt %d: no task selected", attempt)
		}
		if dropped := s.Defer(); dropped != nil {
			t.Fatalf("attempt %d: task dropped early: %+v", attempt, dropped)
		}
	}

	active, _ := s.Select(0)
	if active == nil {
		t.Fatal("task vanished before retries were exhausted")
	}
	dropped := s.Defer()
	if dropped == nil || dropped.Status != model.TaskMissed {
		t.Fatalf("expected task dropped as missed, got %+v", dropped)
	}
	if s.PendingLen() != 0 {
		t.Fatalf("queue should be empty, has %d", s.PendingLen())
	}
}

func TestSchedulerStripDeferNeverDrops(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "strip", Kind: model.TaskStrip, Priority: 10, Deadline: 1000})

	for i := 0; i < 10; i++ {
		if active, _ := s.Select(0); active == nil {
			t.Fatalf("iteration %d: strip task missing", i)
		}
		if dropped := s.Defer(); dropped != nil {
			t.Fatalf("strip task dropped by retries: %+v", dropped)
		}
	}
	// Past its window it is dropped by expiry instead.
	_, missed := s.Select(2000)
	if len(missed) != 1 || missed[0].ID != "strip" || missed[0].Status != model.TaskMissed {
		t.Fatalf("expected strip missed by window, got %+v", missed)
	}
}

func TestSchedulerExpiresWindows(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "old", Kind: model.TaskSpot, Priority: 50, Deadline: 10})
	s.Submit(model.ImagingTask{ID: "fresh", Kind: model.TaskSpot, Priority: 40})

	active, missed := s.Select(20)
	if len(missed) != 1 || missed[0].ID != "old" {
		t.Fatalf("expected old task missed, got %+v", missed)
	}
	if active == nil || active.ID != "fresh" {
		t.Fatalf("Select picked %+v, want fresh", active)
	}
}

func TestSchedulerAutoEnqueueStrips(t *testing.T) {
	s := newTestScheduler(t)

	created := s.AutoEnqueue(0)
	if len(created) != 1 {
		t.Fatalf("expected 1 strip task at start, got %d", len(created))
	}
	if created[0].Kind != model.TaskStrip {
		t.Fatalf("kind = %s, want strip", created[0].Kind)
	}

	if created := s.AutoEnqueue(30); len(created) != 0 {
		t.Fatalf("strip created before its interval: %+v", created)
	}
	// Catch-up after a long gap produces one task per elapsed interval.
	if created := s.AutoEnqueue(180); len(created) != 3 {
		t.Fatalf("expected 3 catch-up strips, got %d", len(created))
	}
}

func TestSchedulerCueBudgetBoundsTipAndCue(t *testing.T) {
	s := newTestScheduler(t)

	target := model.GroundTarget{LatDeg: 1, LonDeg: 2}
	cued := 0
	for i := 0; i < 10; i++ {
		if _, ok := s.CueFromInference(target, 5); ok {
			cued++
		}
	}
	if cued != 2 {
		t.Fatalf("cued %d tasks, want cap of 2", cued)
	}

	// The budget resets at the next tick.
	s.BeginTick()
	if _, ok := s.CueFromInference(target, 6); !ok {
		t.Fatal("cue refused after budget reset")
	}
}

func TestSchedulerCompleteIsTerminal(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "spot", Kind: model.TaskSpot, Priority: 50})

	active, _ := s.Select(0)
	if active == nil {
		t.Fatal("no task selected")
	}
	s.Complete()

	if s.PendingLen() != 0 {
		t.Fatal("completed task re-entered the queue")
	}
	if active, _ := s.Select(0); active != nil {
		t.Fatalf("completed task selected again: %+v", active)
	}
}

func TestSchedulerSnapshotSelectionOrder(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(model.ImagingTask{ID: "low", Kind: model.TaskStrip, Priority: 10})
	s.Submit(model.ImagingTask{ID: "high", Kind: model.TaskSpot, Priority: 50})
	s.Submit(model.ImagingTask{ID: "mid", Kind: model.TaskSpot, Priority: 30})

	board := s.Snapshot()
	want := []string{"high", "mid", "low"}
	if len(board.Pending) != len(want) {
		t.Fatalf("pending length = %d, want %d", len(board.Pending), len(want))
	}
	for i, id := range want {
		if board.Pending[i].ID != id {
			t.Fatalf("pending[%d] = %s, want %s", i, board.Pending[i].ID, id)
		}
	}
}
