package stream

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/cubesat-testbed/core"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	commands []core.Command
	err      error
}

func (f *fakeSubmitter) SubmitCommand(cmd core.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

type fakeMetrics struct {
	observers atomic.Int64
	dropped   atomic.Int64
}

func (f *fakeMetrics) SetObserverCount(n int) { f.observers.Store(int64(n)) }
func (f *fakeMetrics) IncDroppedSnapshots()   { f.dropped.Add(1) }

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForObservers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ObserverCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("observer count = %d, want %d", hub.ObserverCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
}

func TestHubFansOutSnapshots(t *testing.T) {
	hub := NewHub(&fakeSubmitter{}, 8, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	a := dialHub(t, srv)
	b := dialHub(t, srv)
	waitForObservers(t, hub, 2)

	hub.Publish(&model.SatelliteState{Seq: 7, SimTime: 0.7})

	for _, conn := range []*websocket.Conn{a, b} {
		var got model.SatelliteState
		readJSON(t, conn, &got)
		if got.Seq != 7 {
			t.Fatalf("observer saw seq %d, want 7", got.Seq)
		}
	}
}

func TestHubObserverDisconnectLeavesOthersUnaffected(t *testing.T) {
	hub := NewHub(&fakeSubmitter{}, 8, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	a := dialHub(t, srv)
	b := dialHub(t, srv)
	c := dialHub(t, srv)
	waitForObservers(t, hub, 3)

	hub.Publish(&model.SatelliteState{Seq: 1})
	for _, conn := range []*websocket.Conn{a, b, c} {
		var got model.SatelliteState
		readJSON(t, conn, &got)
		if got.Seq != 1 {
			t.Fatalf("observer saw seq %d, want 1", got.Seq)
		}
	}

	b.Close()
	waitForObservers(t, hub, 2)

	// The survivors keep receiving every snapshot, in order, with no
	// gap from the departed observer.
	for seq := uint64(2); seq <= 6; seq++ {
		hub.Publish(&model.SatelliteState{Seq: seq})
	}
	for _, conn := range []*websocket.Conn{a, c} {
		for seq := uint64(2); seq <= 6; seq++ {
			var got model.SatelliteState
			readJSON(t, conn, &got)
			if got.Seq != seq {
				t.Fatalf("observer saw seq %d, want %d", got.Seq, seq)
			}
		}
	}
}

func TestHubDropsForSlowObserver(t *testing.T) {
	metrics := &fakeMetrics{}
	hub := NewHub(&fakeSubmitter{}, 1, nil, metrics)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	// The observer reads nothing; after the 1-slot buffer fills, every
	// further publish is dropped without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(&model.SatelliteState{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}
	if metrics.dropped.Load() == 0 {
		t.Fatal("no snapshots recorded as dropped")
	}
	_ = conn
}

func TestHubSubmitsSpotCommands(t *testing.T) {
	submitter := &fakeSubmitter{}
	hub := NewHub(submitter, 8, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	msg := map[string]any{
		"type":     "submit_spot_task",
		"target":   map[string]float64{"lat_deg": 48.85, "lon_deg": 2.35},
		"priority": 60,
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	var r reply
	readJSON(t, conn, &r)
	if r.Type != "accepted" {
		t.Fatalf("reply = %+v, want accepted", r)
	}
	if submitter.count() != 1 {
		t.Fatalf("submitter saw %d commands, want 1", submitter.count())
	}
	submitter.mu.Lock()
	cmd := submitter.commands[0]
	submitter.mu.Unlock()
	if cmd.Kind != core.CommandSubmitSpot || cmd.Task.Target.LatDeg != 48.85 || cmd.Task.Priority != 60 {
		t.Fatalf("command mangled: %+v", cmd)
	}
}

func TestHubRepliesErrorOnMalformedFrame(t *testing.T) {
	hub := NewHub(&fakeSubmitter{}, 8, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var r reply
	readJSON(t, conn, &r)
	if r.Type != "error" || r.Error == "" {
		t.Fatalf("reply = %+v, want error", r)
	}

	// The connection survives a bad frame.
	hub.Publish(&model.SatelliteState{Seq: 1})
	var got model.SatelliteState
	readJSON(t, conn, &got)
	if got.Seq != 1 {
		t.Fatalf("snapshot after bad frame: %+v", got)
	}
}

type fakeWarp struct {
	mu     sync.Mutex
	factor float64
}

func (f *fakeWarp) SetWarp(w float64) error {
	if w <= 0 {
		return errors.New("time warp factor must be > 0")
	}
	f.mu.Lock()
	f.factor = w
	f.mu.Unlock()
	return nil
}

func TestHubSetsTimeWarp(t *testing.T) {
	warp := &fakeWarp{}
	hub := NewHub(&fakeSubmitter{}, 8, nil, nil)
	hub.SetWarpController(warp)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	if err := conn.WriteJSON(map[string]any{"type": "set_time_warp", "factor": 30.0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var r reply
	readJSON(t, conn, &r)
	if r.Type != "accepted" {
		t.Fatalf("reply = %+v, want accepted", r)
	}
	warp.mu.Lock()
	factor := warp.factor
	warp.mu.Unlock()
	if factor != 30 {
		t.Fatalf("warp factor = %v, want 30", factor)
	}

	// Rejected factors surface as error replies.
	if err := conn.WriteJSON(map[string]any{"type": "set_time_warp", "factor": -1.0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readJSON(t, conn, &r)
	if r.Type != "error" {
		t.Fatalf("reply = %+v, want error for bad factor", r)
	}
}

func TestHubWarpUnavailableWithoutController(t *testing.T) {
	hub := NewHub(&fakeSubmitter{}, 8, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	if err := conn.WriteJSON(map[string]any{"type": "set_time_warp", "factor": 2.0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var r reply
	readJSON(t, conn, &r)
	if r.Type != "error" {
		t.Fatalf("reply = %+v, want error when no controller is bound", r)
	}
}

func TestHubRepliesErrorOnUnknownType(t *testing.T) {
	hub := NewHub(&fakeSubmitter{}, 8, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	if err := conn.WriteJSON(map[string]string{"type": "reboot"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var r reply
	readJSON(t, conn, &r)
	if r.Type != "error" || !strings.Contains(r.Error, "reboot") {
		t.Fatalf("reply = %+v, want error naming the type", r)
	}
}

func TestHubRepliesErrorWhenKernelRejects(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("target out of range")}
	hub := NewHub(submitter, 8, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	if err := conn.WriteJSON(map[string]any{"type": "submit_spot_task"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var r reply
	readJSON(t, conn, &r)
	if r.Type != "error" || !strings.Contains(r.Error, "out of range") {
		t.Fatalf("reply = %+v, want kernel rejection", r)
	}
}

func TestHubShutdownDisconnectsObservers(t *testing.T) {
	metrics := &fakeMetrics{}
	hub := NewHub(&fakeSubmitter{}, 8, nil, metrics)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	waitForObservers(t, hub, 1)

	hub.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if metrics.observers.Load() != 0 {
		t.Fatalf("observer gauge = %d after shutdown", metrics.observers.Load())
	}

	// New connections are refused once shut down.
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if c, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := c.ReadMessage(); err == nil {
			t.Fatal("post-shutdown connection stayed open")
		}
		c.Close()
	}
}
