package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/modhost"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

const wsOwner = "websocket"

// clientMessage is what a connected client sends: subscribe and
// unsubscribe manage bus subscriptions relayed to the socket, publish
// puts an event on the bus.
type clientMessage struct {
	Action  string          `json:"action"`
	Pattern string          `json:"pattern,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverMessage is what the hub sends back.
type serverMessage struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Event     string    `json:"event,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Hub bridges the event bus to WebSocket clients: clients subscribe to
// patterns and receive matching events as JSON frames, and events
// published as websocket.broadcast or websocket.send reach clients
// without any subscription.
type Hub struct {
	bus      *modhost.EventBus
	logger   modhost.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan serverMessage
	done chan struct{}

	mu   sync.Mutex
	subs map[string]string // pattern -> subscription id

	closeOnce sync.Once
}

// NewHub creates a hub on the bus.
func NewHub(bus *modhost.EventBus, logger modhost.Logger) *Hub {
	if logger == nil {
		logger = modhost.NopLogger{}
	}
	return &Hub{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Start wires the hub's own bus subscriptions: websocket.broadcast fans
// its payload out to every client, websocket.send targets the client
// named in the payload.
func (h *Hub) Start() error {
	_, err := h.bus.Subscribe(modhost.EventWebSocketBroadcast, func(_ context.Context, e modhost.Event) error {
		h.Broadcast(serverMessage{Type: "event", Event: e.Name, Payload: e.Payload, Source: e.Source, Timestamp: e.CreatedAt})
		return nil
	}, modhost.WithOwner(wsOwner))
	if err != nil {
		return err
	}
	_, err = h.bus.Subscribe(modhost.EventWebSocketSend, func(_ context.Context, e modhost.Event) error {
		fields, _ := e.Payload.(map[string]any)
		id, _ := fields["client"].(string)
		h.sendTo(id, serverMessage{Type: "event", Event: e.Name, Payload: e.Payload, Source: e.Source, Timestamp: e.CreatedAt})
		return nil
	}, modhost.WithOwner(wsOwner))
	return err
}

// Stop disconnects every client and removes the hub's subscriptions.
func (h *Hub) Stop() {
	h.bus.UnsubscribeOwned(wsOwner)
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues a message for every connected client.
func (h *Hub) Broadcast(msg serverMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.queue(msg)
	}
}

func (h *Hub) sendTo(id string, msg serverMessage) {
	h.mu.Lock()
	c, ok := h.clients[id]
	h.mu.Unlock()
	if ok {
		c.queue(msg)
	}
}

// Handle upgrades the request and serves the client until it disconnects.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan serverMessage, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]string),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.publish(r.Context(), modhost.EventWebSocketConnected, c.id)
	c.queue(serverMessage{Type: "welcome", ClientID: c.id, Timestamp: time.Now()})

	go c.writePump()
	c.readPump(r.Context())
}

func (h *Hub) publish(ctx context.Context, event, clientID string) {
	err := h.bus.Publish(ctx, modhost.Event{
		Name:    event,
		Payload: map[string]any{"client": clientID},
		Source:  wsOwner,
	})
	if err != nil {
		h.logger.Debug("websocket event not published", "event", event, "error", err)
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if !present {
		return
	}
	h.bus.UnsubscribeOwned(wsOwner + ":" + c.id)
	h.publish(context.Background(), modhost.EventWebSocketDisconnected, c.id)
}

// queue delivers without blocking; a slow consumer loses messages rather
// than stalling the bus, and a closed client drops silently.
func (c *wsClient) queue(msg serverMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.hub.logger.Warn("websocket client send buffer full, dropping", "client", c.id)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.hub.drop(c)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) readPump(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.queue(serverMessage{Type: "error", Error: "malformed message"})
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *wsClient) handleMessage(ctx context.Context, msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		c.subscribe(msg.Pattern)
	case "unsubscribe":
		c.unsubscribe(msg.Pattern)
	case "publish":
		var payload any
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.queue(serverMessage{Type: "error", Error: "malformed payload"})
				return
			}
		}
		err := c.hub.bus.Publish(ctx, modhost.Event{
			Name:    msg.Event,
			Payload: payload,
			Source:  wsOwner + ":" + c.id,
		})
		if err != nil {
			c.queue(serverMessage{Type: "error", Event: msg.Event, Error: err.Error()})
		}
	default:
		c.queue(serverMessage{Type: "error", Error: "unknown action " + msg.Action})
	}
}

func (c *wsClient) subscribe(pattern string) {
	c.mu.Lock()
	_, exists := c.subs[pattern]
	c.mu.Unlock()
	if exists {
		c.queue(serverMessage{Type: "subscribed", Pattern: pattern})
		return
	}
	id, err := c.hub.bus.Subscribe(pattern, func(_ context.Context, e modhost.Event) error {
		c.queue(serverMessage{
			Type: "event", Event: e.Name, Payload: e.Payload,
			Source: e.Source, Timestamp: e.CreatedAt,
		})
		return nil
	}, modhost.WithOwner(wsOwner+":"+c.id))
	if err != nil {
		c.queue(serverMessage{Type: "error", Pattern: pattern, Error: err.Error()})
		return
	}
	c.mu.Lock()
	c.subs[pattern] = id
	c.mu.Unlock()
	c.queue(serverMessage{Type: "subscribed", Pattern: pattern})
}

func (c *wsClient) unsubscribe(pattern string) {
	c.mu.Lock()
	id, ok := c.subs[pattern]
	delete(c.subs, pattern)
	c.mu.Unlock()
	if ok {
		c.hub.bus.Unsubscribe(id)
	}
	c.queue(serverMessage{Type: "unsubscribed", Pattern: pattern})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
