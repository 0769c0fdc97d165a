// Package ws bridges WebSocket connections to the coordinator and the
// signal bus: inbound frames become operations, bus payloads become pushed
// events for the affected user and session channels.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/server/middleware"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// opTimeout bounds a single dispatched operation.
	opTimeout = 15 * time.Second
)

// busPatterns are the signal bus channels the hub forwards to clients. Each
// user's events flow on "user:<id>"; session broadcasts on "session:<id>".
var busPatterns = []string{
	"user:*",
	"session:*",
}

// upgrader configures the WebSocket upgrade parameters. Origin checking is
// handled by the CORS middleware in front of the handler.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dispatcher executes named operations on behalf of an authenticated user.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, op string, payload json.RawMessage) (any, error)
	// HandleDisconnect is invoked once when the user's last connection drops.
	HandleDisconnect(ctx context.Context, userID string)
}

// requestFrame is one inbound client message.
type requestFrame struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ackFrame answers a requestFrame, correlated by ID.
type ackFrame struct {
	ID     string    `json:"id,omitempty"`
	Ok     bool      `json:"ok"`
	Result any       `json:"result,omitempty"`
	Error  *ackError `json:"error,omitempty"`
}

type ackError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// subscribePayload selects session channels for the subscribe/unsubscribe ops.
type subscribePayload struct {
	SessionIDs []string `json:"session_ids"`
}

// client represents a single authenticated WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	subs   map[string]bool // subscribed session channels
	mu     sync.RWMutex
}

// Hub manages the connected clients and routes signal-bus payloads to them.
type Hub struct {
	clients    map[*client]bool
	byUser     map[string]int // connection count per user
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client

	bus        domain.SignalBus
	presence   domain.Presence
	dispatcher Dispatcher
	mu         sync.RWMutex
	logger     *slog.Logger
}

// broadcastMsg carries a payload along with its source channel so the hub
// can route it only to the affected connections.
type broadcastMsg struct {
	channel string
	data    []byte
}

// NewHub creates a Hub bridging the signal bus to WebSocket clients.
func NewHub(bus domain.SignalBus, presence domain.Presence, dispatcher Dispatcher, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		byUser:     make(map[string]int),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		presence:   presence,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and routing. The loop exits when the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, pattern := range busPatterns {
		go h.subscribeToPattern(ctx, pattern)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.byUser = make(map[string]int)
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.byUser[c.userID]++
			h.mu.Unlock()
			h.logger.Info("client connected",
				slog.String("user_id", c.userID),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			last := false
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.byUser[c.userID]--
				if h.byUser[c.userID] <= 0 {
					delete(h.byUser, c.userID)
					last = true
				}
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.String("user_id", c.userID),
				slog.Int("total_clients", h.clientCount()),
			)
			if last {
				// Last connection for this user: start the grace-period flow.
				h.dispatcher.HandleDisconnect(ctx, c.userID)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping message for slow client",
						slog.String("user_id", c.userID),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribeToPattern subscribes to one bus pattern and forwards payloads to
// the routing loop.
func (h *Hub) subscribeToPattern(ctx context.Context, pattern string) {
	msgCh, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("pattern", pattern),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				h.logger.Warn("bus subscription closed",
					slog.String("pattern", pattern),
				)
				return
			}
			h.broadcast <- broadcastMsg{channel: msg.Channel, data: msg.Payload}
		}
	}
}

// HandleWS upgrades an authenticated HTTP request to a WebSocket connection.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]bool),
	}

	if err := h.presence.Heartbeat(r.Context(), userID); err != nil {
		h.logger.Warn("heartbeat on connect failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// wants reports whether this connection should receive a payload published
// on the given bus channel.
func (c *client) wants(channel string) bool {
	if strings.HasPrefix(channel, "user:") {
		return channel == "user:"+c.userID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// readPump reads frames from the connection and dispatches operations.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// A responsive connection doubles as a liveness signal.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.hub.presence.Heartbeat(ctx, c.userID); err != nil {
			c.hub.logger.Warn("heartbeat failed",
				slog.String("user_id", c.userID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var req requestFrame
		if err := json.Unmarshal(message, &req); err != nil || req.Op == "" {
			c.sendAck(ackFrame{ID: req.ID, Ok: false, Error: &ackError{
				Kind:    string(domain.KindValidation),
				Message: "malformed frame",
			}})
			continue
		}
		c.handleRequest(req)
	}
}

// handleRequest executes one frame: connection-level ops locally, everything
// else through the dispatcher.
func (c *client) handleRequest(req requestFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ctx = middleware.WithUserID(ctx, c.userID)

	switch req.Op {
	case "heartbeat":
		if err := c.hub.presence.Heartbeat(ctx, c.userID); err != nil {
			c.sendAck(errorAck(req.ID, err))
			return
		}
		c.sendAck(ackFrame{ID: req.ID, Ok: true})
		return

	case "subscribe", "unsubscribe":
		var sub subscribePayload
		if err := json.Unmarshal(req.Payload, &sub); err != nil || len(sub.SessionIDs) == 0 {
			c.sendAck(ackFrame{ID: req.ID, Ok: false, Error: &ackError{
				Kind:    string(domain.KindValidation),
				Message: "session_ids is required",
			}})
			return
		}
		c.updateSubscriptions(sub.SessionIDs, req.Op == "subscribe")
		c.sendAck(ackFrame{ID: req.ID, Ok: true})
		return
	}

	result, err := c.hub.dispatcher.Dispatch(ctx, c.userID, req.Op, req.Payload)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			c.hub.logger.ErrorContext(ctx, "operation failed",
				slog.String("op", req.Op),
				slog.String("user_id", c.userID),
				slog.String("error", err.Error()),
			)
		}
		c.sendAck(errorAck(req.ID, err))
		return
	}

	// Joining or creating a session implies interest in its broadcasts.
	if req.Op == "join_stream" || req.Op == "create_stream" {
		if id := sessionIDFromResult(result); id != "" {
			c.updateSubscriptions([]string{id}, true)
		}
	}

	c.sendAck(ackFrame{ID: req.ID, Ok: true, Result: result})
}

// sessionIDFromResult pulls the session ID out of an operation response.
func sessionIDFromResult(result any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}

func (c *client) updateSubscriptions(sessionIDs []string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sessionIDs {
		ch := "session:" + id
		if add {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
}

func errorAck(id string, err error) ackFrame {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		// Unclassified errors can carry connection strings or hostnames;
		// clients get a generic message, the real one is logged server-side.
		msg = "internal error"
	}
	return ackFrame{ID: id, Ok: false, Error: &ackError{
		Kind:    string(kind),
		Code:    domain.CodeOf(err),
		Message: msg,
	}}
}

func (c *client) sendAck(ack ackFrame) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps messages from the hub to the connection and sends periodic
// ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
