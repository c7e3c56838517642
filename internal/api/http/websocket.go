// Package http provides the websocket stream of evolution events.
package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 256
)

// Event types that can be broadcasted to WebSocket clients.
const (
	EventTypeEvolutionStarted    = "evolution.started"
	EventTypeGenerationEvaluated = "generation.evaluated"
	EventTypeGenerationEvolved   = "generation.evolved"
	EventTypeStrategyPromoted    = "strategy.promoted"
	EventTypeStepRequested       = "step.requested"
)

// WSMessage is one event frame sent to dashboards.
type WSMessage struct {
	Type         string      `json:"type"`
	RunID        *uuid.UUID  `json:"run_id,omitempty"`
	StrategyType string      `json:"strategy_type,omitempty"`
	Data         interface{} `json:"data"`
	Timestamp    time.Time   `json:"timestamp"`
}

// SubscriptionMessage changes a client's filter. Action is "subscribe",
// "unsubscribe" or "clear". RunID and StrategyType replace the current
// scope filter when set on subscribe.
type SubscriptionMessage struct {
	Action       string   `json:"action"`
	EventTypes   []string `json:"event_types"`
	RunID        string   `json:"run_id,omitempty"`
	StrategyType string   `json:"strategy_type,omitempty"`
}

// Filter selects the events a client receives. Empty fields match
// everything. Events without a run scope pass the run and strategy checks.
type Filter struct {
	EventTypes   map[string]bool
	RunID        uuid.UUID
	StrategyType string
}

func (f *Filter) matches(m *outbound) bool {
	if len(f.EventTypes) > 0 && !f.EventTypes[m.eventType] {
		return false
	}
	if !m.scoped {
		return true
	}
	if f.RunID != uuid.Nil && m.scope.RunID != uuid.Nil && f.RunID != m.scope.RunID {
		return false
	}
	if f.StrategyType != "" && m.scope.StrategyType != "" && f.StrategyType != m.scope.StrategyType {
		return false
	}
	return true
}

// filterFromQuery reads ?events=a,b&run_id=...&strategy_type=... from the
// upgrade request.
func filterFromQuery(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{EventTypes: make(map[string]bool), StrategyType: q.Get("strategy_type")}
	for _, t := range strings.Split(q.Get("events"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.EventTypes[t] = true
		}
	}
	if raw := q.Get("run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Filter{}, err
		}
		f.RunID = id
	}
	return f, nil
}

// outbound is an encoded frame plus what filters need to route it.
type outbound struct {
	eventType string
	scope     events.Scope
	scoped    bool
	payload   []byte
}

// Client is one dashboard connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu     sync.RWMutex
	filter Filter
}

// Hub fans evolution events out to connected dashboards.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	dropped    int
	logger     *zap.Logger
	done       chan struct{}
}

// NewHub creates a new Hub instance.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Shutdown.
func (h *Hub) Run() {
	h.logger.Info("Event stream hub started")
	defer h.logger.Info("Event stream hub stopped")

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Dashboard connected", zap.Int("clients", n))

		case c := <-h.unregister:
			h.remove(c)

		case m := <-h.broadcast:
			h.deliver(m)

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("Dashboard disconnected", zap.Int("clients", len(h.clients)))
}

// deliver queues m on every matching client. A client whose buffer is full
// is disconnected.
func (h *Hub) deliver(m *outbound) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(m) {
			continue
		}
		select {
		case c.send <- m.payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow dashboard", zap.String("event_type", m.eventType))
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.remove(c)
	}
}

// BroadcastEvent sends data to every client whose filter accepts eventType.
// data that implements events.Scoped is also matched on run and strategy.
func (h *Hub) BroadcastEvent(eventType string, data interface{}) {
	msg := WSMessage{Type: eventType, Data: data, Timestamp: time.Now()}
	m := &outbound{eventType: eventType}
	if s, ok := data.(events.Scoped); ok {
		m.scope, m.scoped = s.EventScope(), true
		if m.scope.RunID != uuid.Nil {
			id := m.scope.RunID
			msg.RunID = &id
		}
		msg.StrategyType = m.scope.StrategyType
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	m.payload = payload

	select {
	case h.broadcast <- m:
	default:
		h.logger.Warn("Event stream backlog full, dropping event", zap.String("event_type", eventType))
	}
}

// Broadcast implements events.Broadcaster.
func (h *Hub) Broadcast(routingKey string, event interface{}) {
	h.BroadcastEvent(mapRoutingKeyToEventType(routingKey), event)
}

// mapRoutingKeyToEventType maps a message routing key to the event type
// clients subscribe to. Unknown keys pass through.
func mapRoutingKeyToEventType(routingKey string) string {
	switch routingKey {
	case events.RoutingKeyEvolutionStarted:
		return EventTypeEvolutionStarted
	case events.RoutingKeyGenerationEvaluated:
		return EventTypeGenerationEvaluated
	case events.RoutingKeyGenerationEvolved:
		return EventTypeGenerationEvolved
	case events.RoutingKeyStrategyPromoted:
		return EventTypeStrategyPromoted
	case events.RoutingKeyStepRequested:
		return EventTypeStepRequested
	default:
		return routingKey
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedClients returns how many clients were cut off for falling behind.
func (h *Hub) DroppedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Shutdown stops Run and disconnects every client.
func (h *Hub) Shutdown() {
	close(h.done)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
	h.clients = make(map[*Client]bool)
}

func (c *Client) wants(m *outbound) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(m)
}

// isSubscribed reports whether an unscoped event of eventType would reach c.
func (c *Client) isSubscribed(eventType string) bool {
	return c.wants(&outbound{eventType: eventType})
}

// apply updates the client's filter from a subscription message.
func (c *Client) apply(msg SubscriptionMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filter.EventTypes == nil {
		c.filter.EventTypes = make(map[string]bool)
	}

	switch msg.Action {
	case "subscribe":
		for _, t := range msg.EventTypes {
			c.filter.EventTypes[t] = true
		}
		if msg.RunID != "" {
			id, err := uuid.Parse(msg.RunID)
			if err != nil {
				return err
			}
			c.filter.RunID = id
		}
		if msg.StrategyType != "" {
			c.filter.StrategyType = msg.StrategyType
		}
	case "unsubscribe":
		for _, t := range msg.EventTypes {
			delete(c.filter.EventTypes, t)
		}
	case "clear":
		c.filter = Filter{EventTypes: make(map[string]bool)}
	default:
		c.logger.Debug("Unknown subscription action", zap.String("action", msg.Action))
		return nil
	}

	c.logger.Debug("Dashboard filter updated",
		zap.String("action", msg.Action),
		zap.Int("event_types", len(c.filter.EventTypes)),
		zap.String("run_id", c.filter.RunID.String()),
		zap.String("strategy_type", c.filter.StrategyType),
	)
	return nil
}

// readPump applies subscription messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	extend := func() { c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	extend()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Dashboard read failed", zap.Error(err))
			}
			return
		}
		extend()

		// browsers cannot send ping frames
		if string(raw) == "ping" {
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
			continue
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("Ignoring non-JSON dashboard message")
			continue
		}
		if err := c.apply(msg); err != nil {
			c.logger.Debug("Rejected subscription", zap.Error(err))
		}
	}
}

// writePump writes queued frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades a dashboard connection. The initial filter comes from
// the query string.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid run_id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		filter: filter,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}
