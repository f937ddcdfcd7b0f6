package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/pkg/types"
)

// hubMessageType mirrors the teacher's MessageType but narrowed to the
// execution-run event push this core actually needs.
type hubMessageType string

const (
	msgTypeExecutionEvent hubMessageType = "execution_event"
	msgTypeHeartbeat      hubMessageType = "heartbeat"
	msgTypeSubscribe      hubMessageType = "subscribe"
)

type wsMessage struct {
	Type      hubMessageType  `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// wsClient is one connected dashboard socket.
type wsClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	mu            sync.RWMutex
	subscriptions map[string]bool
}

// Hub fans out ExecutionEvents to WebSocket clients subscribed to a run's
// channel, grounded on the teacher's api.Hub (register/unregister channels,
// per-channel subscriber sets, a 30s heartbeat ticker) narrowed from a
// general pub/sub surface to just `run:{id}` channels.
type Hub struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	channels   map[string]map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws_hub"),
		clients:    make(map[*wsClient]bool),
		channels:   make(map[string]map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run drives the hub's event loop; call it once on its own goroutine.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for channel := range c.subscriptions {
					delete(h.channels[channel], c)
				}
			}
			h.mu.Unlock()
		case <-ticker.C:
			h.broadcastHeartbeat()
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	msg, _ := json.Marshal(wsMessage{Type: msgTypeHeartbeat, Timestamp: time.Now().UnixMilli()})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func runChannel(runID types.ID) string { return "run:" + runID.String() }

// subscribe binds a client to a run's channel so PublishEvent reaches it.
func (h *Hub) subscribe(c *wsClient, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*wsClient]bool)
	}
	h.channels[channel][c] = true
	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()
}

// PublishEvent pushes one ExecutionEvent to every client subscribed to its
// run's channel. The Orchestrator does not call it (it has no knowledge of
// transport), and cmd/server does not wire it to the event sink.
func (h *Hub) PublishEvent(ev types.ExecutionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal execution event", zap.Error(err))
		return
	}
	msg, err := json.Marshal(wsMessage{Type: msgTypeExecutionEvent, Channel: runChannel(ev.RunID), Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	channel := runChannel(ev.RunID)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) readPump(h *Hub) {
	defer func() { h.unregister <- c }()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in wsMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			continue
		}
		if in.Type == msgTypeSubscribe && in.Channel != "" {
			h.subscribe(c, in.Channel)
		}
	}
}
