// Package stream fans committed state snapshots out to WebSocket
// observers and feeds observer commands back into the kernel.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/cubesat-testbed/core"
	"github.com/signalsfoundry/cubesat-testbed/internal/logging"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

const (
	// writeWait bounds a single frame write to a subscriber.
	writeWait = 5 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at a fraction of it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound command frames.
	maxMessageSize = 4 * 1024
)

// CommandSubmitter is the slice of the kernel the hub needs: staging
// commands for the next tick.
type CommandSubmitter interface {
	SubmitCommand(cmd core.Command) error
}

// WarpSetter adjusts the pacing time-warp factor at runtime.
type WarpSetter interface {
	SetWarp(warp float64) error
}

// Metrics is the slice of the observability collector the hub drives.
type Metrics interface {
	SetObserverCount(n int)
	IncDroppedSnapshots()
}

type noopMetrics struct{}

func (noopMetrics) SetObserverCount(int) {}
func (noopMetrics) IncDroppedSnapshots() {}

// inboundMessage is the envelope observers send: spot task submission
// and time-warp adjustment.
type inboundMessage struct {
	Type     string             `json:"type"`
	Target   model.GroundTarget `json:"target"`
	Priority int                `json:"priority"`
	Factor   float64            `json:"factor"`
}

// reply is the envelope the hub sends back for an inbound message.
type reply struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Hub owns the observer set. Publish never blocks: a subscriber whose
// buffer is full loses that snapshot and the tick loop moves on.
type Hub struct {
	log     logging.Logger
	kernel  CommandSubmitter
	warp    WarpSetter
	metrics Metrics

	upgrader   websocket.Upgrader
	sendBuffer int

	mu        sync.Mutex
	observers map[*observer]struct{}
	closed    bool
}

// NewHub builds a hub publishing to observers with the given per-
// subscriber buffer depth.
func NewHub(kernel CommandSubmitter, sendBuffer int, log logging.Logger, metrics Metrics) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &Hub{
		log:     log,
		kernel:  kernel,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		observers:  make(map[*observer]struct{}),
	}
}

type observer struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

// close must only be called while holding the hub mutex, so no send
// can race the channel close.
func (o *observer) close() {
	o.closeOnce.Do(func() {
		close(o.send)
	})
}

// SetWarpController enables the time-warp admin command. Must be
// called before the hub starts serving.
func (h *Hub) SetWarpController(w WarpSetter) {
	h.warp = w
}

// Publish marshals the snapshot once and offers it to every observer.
// Implements the kernel sink contract: it must never block the caller.
func (h *Hub) Publish(s *model.SatelliteState) {
	data, err := json.Marshal(s)
	if err != nil {
		h.log.Error(context.Background(), "snapshot marshal failed",
			logging.Uint64("seq", s.Seq),
			logging.Err(err),
		)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.observers {
		select {
		case o.send <- data:
		default:
			// Slow consumer: this snapshot is lost for this observer.
			h.metrics.IncDroppedSnapshots()
		}
	}
}

// ObserverCount reports the current number of connected observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// ServeHTTP upgrades the request and runs the observer until either
// side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	o := &observer{
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}
	if !h.register(o) {
		conn.Close()
		return
	}
	h.log.Info(r.Context(), "observer connected",
		logging.String("remote", conn.RemoteAddr().String()),
	)

	go h.writePump(o)
	h.readPump(o)
}

// Shutdown disconnects every observer and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	for o := range h.observers {
		o.close()
	}
	h.observers = make(map[*observer]struct{})
	h.mu.Unlock()

	h.metrics.SetObserverCount(0)
}

func (h *Hub) register(o *observer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.observers[o] = struct{}{}
	h.metrics.SetObserverCount(len(h.observers))
	return true
}

func (h *Hub) unregister(o *observer) {
	h.mu.Lock()
	if _, ok := h.observers[o]; ok {
		delete(h.observers, o)
		h.metrics.SetObserverCount(len(h.observers))
	}
	o.close()
	h.mu.Unlock()
}

// writePump drains the observer's buffer onto the wire. A failed or
// overdue write tears the connection down; the tick loop is never the
// one waiting.
func (h *Hub) writePump(o *observer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case data, ok := <-o.send:
			if !ok {
				o.conn.SetWriteDeadline(time.Now().Add(writeWait))
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump parses observer commands and stages them on the kernel.
// Malformed frames get an error reply instead of a disconnect.
func (h *Hub) readPump(o *observer) {
	defer h.unregister(o)

	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn(context.Background(), "observer read failed", logging.Err(err))
			}
			return
		}
		h.handleMessage(o, raw)
	}
}

func (h *Hub) handleMessage(o *observer, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendReply(o, reply{Type: "error", Error: fmt.Sprintf("malformed message: %v", err)})
		return
	}

	switch msg.Type {
	case string(core.CommandSubmitSpot):
		err := h.kernel.SubmitCommand(core.Command{
			Kind: core.CommandSubmitSpot,
			Task: model.ImagingTask{
				Target:   msg.Target,
				Priority: msg.Priority,
			},
		})
		if err != nil {
			h.sendReply(o, reply{Type: "error", Error: err.Error()})
			return
		}
		h.sendReply(o, reply{Type: "accepted"})
	case "set_time_warp":
		if h.warp == nil {
			h.sendReply(o, reply{Type: "error", Error: "time warp control unavailable"})
			return
		}
		if err := h.warp.SetWarp(msg.Factor); err != nil {
			h.sendReply(o, reply{Type: "error", Error: err.Error()})
			return
		}
		h.log.Info(context.Background(), "time warp changed",
			logging.Float64("factor", msg.Factor),
		)
		h.sendReply(o, reply{Type: "accepted"})
	default:
		h.sendReply(o, reply{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// sendReply shares the snapshot buffer; a reply lost to a full buffer
// is acceptable for the same reason snapshots are.
func (h *Hub) sendReply(o *observer, r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o]; !ok {
		return
	}
	select {
	case o.send <- data:
	default:
		h.metrics.IncDroppedSnapshots()
	}
}
