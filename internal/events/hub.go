// Package events broadcasts queue lifecycle events to WebSocket clients
// and in-process subscribers. The hub implements coordinator.EventSink.
package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"opqueue/internal/coordinator"
	"opqueue/internal/logging"
	"opqueue/internal/models"
	"opqueue/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local clients only
		return r.Host == "localhost" || strings.HasPrefix(r.Host, "localhost:") ||
			r.Host == "127.0.0.1" || strings.HasPrefix(r.Host, "127.0.0.1:")
	},
}

// Event types published by the hub.
const (
	EventRunStarted         = "sync.run_started"
	EventRunCompleted       = "sync.run_completed"
	EventOperationSynced    = "operation.synced"
	EventOperationFailed    = "operation.failed"
	EventOperationExhausted = "operation.exhausted"
	EventQueuePending       = "queue.pending_count"
)

// Event wraps every message published by the hub.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client represents one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans events out to connected WebSocket clients and in-process
// subscriber channels. Publishing never blocks; a slow consumer is
// dropped (WebSocket) or skipped (in-process).
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*client
	subscribers map[int]chan Event
	nextSubID   int

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

// NewHub creates a Hub and starts its broadcast loop.
func NewHub() *Hub {
	h := &Hub{
		clients:     make(map[string]*client),
		subscribers: make(map[int]chan Event),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *client),
		unregister:  make(chan *client),
		done:        make(chan struct{}),
	}
	go h.run()
	return h
}

// Close stops the broadcast loop and disconnects all clients.
func (h *Hub) Close() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Event client connected", map[string]interface{}{
				"client_id": c.id,
				"total":     total,
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Event client disconnected", map[string]interface{}{
				"client_id": c.id,
				"total":     total,
			})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Send buffer full, drop the client
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish broadcasts an event to every WebSocket client and subscriber.
func (h *Hub) Publish(eventType string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	bytes, err := json.Marshal(event)
	if err != nil {
		logging.Error("Failed to marshal event", err,
			map[string]interface{}{"event_type": eventType})
		return
	}

	select {
	case h.broadcast <- bytes:
	case <-h.done:
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber not keeping up, skip this event for it
		}
	}
}

// Subscribe returns an in-process event channel and a cancel function.
// The channel is closed on cancel or hub Close.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RunStarted implements coordinator.EventSink.
func (h *Hub) RunStarted() {
	h.Publish(EventRunStarted, map[string]interface{}{
		"status": "started",
	})
}

// RunFinished implements coordinator.EventSink.
func (h *Hub) RunFinished(result coordinator.RunResult) {
	h.Publish(EventRunCompleted, map[string]interface{}{
		"synced":      result.Synced,
		"failed":      result.Failed,
		"skipped":     result.Skipped,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// OperationSynced implements coordinator.EventSink.
func (h *Hub) OperationSynced(op *models.Operation) {
	h.Publish(EventOperationSynced, map[string]interface{}{
		"operation_id": op.ID,
		"op_type":      string(op.Type),
		"resource_id":  op.ResourceID,
	})
}

// OperationFailed implements coordinator.EventSink.
func (h *Hub) OperationFailed(op *models.Operation, reason string, exhausted bool) {
	eventType := EventOperationFailed
	if exhausted {
		eventType = EventOperationExhausted
	}
	h.Publish(eventType, map[string]interface{}{
		"operation_id": op.ID,
		"op_type":      string(op.Type),
		"resource_id":  op.ResourceID,
		"retry_count":  op.RetryCount,
		"reason":       reason,
	})
}

// Handler returns an http.HandlerFunc that upgrades requests to
// WebSocket connections registered with the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("Failed to upgrade WebSocket connection", err, nil)
			return
		}

		c := &client{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}

		h.register <- c

		go c.writePump()
		go c.readPump()
	}
}

// readPump drains client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}
	}
}

// writePump forwards hub messages and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
