package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalsfoundry/cubesat-testbed/model"
)

func sampleState(seq uint64) *model.SatelliteState {
	return &model.SatelliteState{
		Seq:     seq,
		SimTime: float64(seq) * 0.1,
		Power: model.PowerState{
			ChargeLevel: 0.9,
			GenerationW: 8,
			LoadW:       1.5,
		},
		Orbit: model.OrbitState{Sunlit: true},
		Tasks: model.TaskBoard{
			Pending: []model.ImagingTask{{ID: "t1"}, {ID: "t2"}},
		},
	}
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open flight log: %v", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad JSONL line %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan flight log: %v", err)
	}
	return records
}

func TestRecorderWritesOneLinePerTick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.jsonl")
	rec, err := New(path, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		rec.Publish(sampleState(seq))
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 3 {
		t.Fatalf("flight log has %d records, want 3", len(records))
	}
	for i, r := range records {
		if r.Seq != uint64(i+1) {
			t.Fatalf("record %d has seq %d", i, r.Seq)
		}
		if r.PendingTasks != 2 || !r.Sunlit || r.ChargeLevel != 0.9 {
			t.Fatalf("record %d digest wrong: %+v", i, r)
		}
	}
}

func TestRecorderFlattensPayloadFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.jsonl")
	rec, err := New(path, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	state := sampleState(1)
	state.LastImage = &model.Image{TaskID: "spot-7"}
	state.Compute.LastInference = &model.InferenceResult{TaskID: "spot-7", Detection: true}
	state.Alerts = []model.Alert{{Severity: model.SeverityWarning, Message: "x", Source: "scheduler"}}
	rec.Publish(state)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("flight log has %d records, want 1", len(records))
	}
	r := records[0]
	if r.ImageTask != "spot-7" || !r.Detection {
		t.Fatalf("payload fields not flattened: %+v", r)
	}
	if len(r.Alerts) != 1 || r.Alerts[0].Source != "scheduler" {
		t.Fatalf("alerts not recorded: %+v", r.Alerts)
	}
}

func TestRecorderPublishAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.jsonl")
	rec, err := New(path, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rec.Publish(sampleState(1)) // must not panic or write

	if records := readRecords(t, path); len(records) != 0 {
		t.Fatalf("post-close publish wrote %d records", len(records))
	}
}

func TestRecorderRejectsUnwritablePath(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing", "flight.jsonl"), nil); err == nil {
		t.Fatal("expected error for unwritable path")
	}
}
