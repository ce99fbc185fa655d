// Package api exposes the optional synthesis monitor: a small HTTP API
// plus a websocket hub streaming progress events. The monitor is
// read-only with respect to the synthesis loop: it observes atomic
// counters and never touches the PRNG, so enabling it does not perturb
// the generator's deterministic output.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/synth-engine/internal/synth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local monitoring dashboard only
	},
}

// Hub maintains the set of active websocket clients and broadcasts
// progress messages to them.
type Hub struct {
	conns     map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

// NewHub returns an idle hub; call Run on its own goroutine.
func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		conns:     make(map[*websocket.Conn]bool),
	}
}

// Run drains the broadcast channel into every connected client.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for conn := range h.conns {
			// A blocked client must not hang the hub.
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Websocket write error: %v", err)
				conn.Close()
				delete(h.conns, conn)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades an incoming connection and registers it.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade websocket: %v", err)
		return
	}

	h.mutex.Lock()
	h.conns[conn] = true
	n := len(h.conns)
	h.mutex.Unlock()
	log.Printf("New WebSocket client connected. Total clients: %d", n)

	// We only push down, but must keep reading to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.conns, conn)
			n := len(h.conns)
			h.mutex.Unlock()
			conn.Close()
			log.Printf("WebSocket client disconnected. Total clients: %d", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket error: %v", err)
				}
				return
			}
		}
	}()
}

// BroadcastProgress pushes a progress snapshot to every client.
func (h *Hub) BroadcastProgress(runID string, s synth.Snapshot) {
	payload, err := json.Marshal(struct {
		RunID string `json:"run_id"`
		synth.Snapshot
	}{RunID: runID, Snapshot: s})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		// Drop the event rather than block the caller.
	}
}
