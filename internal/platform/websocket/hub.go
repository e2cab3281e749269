// Package websocket pushes slot availability changes to connected clients.
// Clients subscribe to schedule topics within their tenant and receive an
// event whenever a slot on that schedule is booked or released. The Hub also
// serves as the process-wide record of which users are online.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

const (
	EventSlotBooked   = "slot.booked"
	EventSlotReleased = "slot.released"

	scheduleTopicPrefix = "schedule:"
)

// ScheduleTopic is the topic carrying events for one schedule.
func ScheduleTopic(scheduleID string) string {
	return scheduleTopicPrefix + scheduleID
}

// Event is a slot change notification. Events are hints to refetch
// availability; they are never a source of truth.
type Event struct {
	Type       string    `json:"type"`
	Tenant     string    `json:"tenant"`
	Topic      string    `json:"topic"`
	ScheduleID string    `json:"scheduleId"`
	Date       string    `json:"date,omitempty"`
	TimeSlot   string    `json:"timeSlot"`
	Timestamp  time.Time `json:"timestamp"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Tenant string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients, their topic subscriptions and the set of online users.
// Subscriptions are keyed by tenant so events never cross tenants.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // tenant/topic -> clients
	all     map[*Client]struct{}
	online  map[string]int // tenant/user -> open connections
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		online:  make(map[string]int),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

func key(tenant, s string) string { return tenant + "/" + s }

func validTopic(topic string) bool {
	return strings.HasPrefix(topic, scheduleTopicPrefix) && len(topic) > len(scheduleTopicPrefix)
}

// Register adds a client to the hub along with its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if client.UserID != "" {
		h.online[key(client.Tenant, client.UserID)]++
	}
	topics := client.Topics
	client.Topics = nil
	h.subscribeLocked(client, topics)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	h.unsubscribeLocked(client, client.Topics)
	if client.UserID != "" {
		k := key(client.Tenant, client.UserID)
		if h.online[k]--; h.online[k] <= 0 {
			delete(h.online, k)
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Topics other than schedule
// topics are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if !validTopic(topic) {
			continue
		}
		k := key(client.Tenant, topic)
		if h.clients[k] == nil {
			h.clients[k] = make(map[*Client]struct{})
		}
		if _, dup := h.clients[k][client]; dup {
			continue
		}
		h.clients[k][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topics)
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	removeSet := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		removeSet[topic] = struct{}{}
		k := key(client.Tenant, topic)
		if subscribers, ok := h.clients[k]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, k)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast delivers event to the subscribers of its tenant and topic. Slow
// clients whose buffer is full miss the event.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[key(event.Tenant, event.Topic)] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client_id", client.ID).Msg("client buffer full, event dropped")
		}
	}
}

// Publish broadcasts the event locally.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a tenant's topic.
func (h *Hub) TopicCount(tenant, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key(tenant, topic)])
}

// IsOnline reports whether the user has at least one open connection.
func (h *Hub) IsOnline(tenant, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[key(tenant, userID)] > 0
}

// OnlineUsers lists the users of a tenant with an open connection.
func (h *Hub) OnlineUsers(tenant string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	prefix := tenant + "/"
	var users []string
	for k := range h.online {
		if strings.HasPrefix(k, prefix) {
			users = append(users, strings.TrimPrefix(k, prefix))
		}
	}
	return users
}

// WebSocketHandler upgrades authenticated requests and pumps hub events to
// the connection.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler accepts connections from the listed origins. An empty
// list or "*" accepts any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection and registers the client under the
// caller's tenant and user.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	tenant, _ := c.Get("tenant_id").(string)

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: id.UserID,
		Tenant: tenant,
		Send:   make(chan []byte, 256),
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxFrameSize = 4096
)

// readPump applies subscribe and unsubscribe frames until the peer goes away
// or misses a pong, then unregisters the client.
func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				continue
			}
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				wsh.hub.logger.Debug().Err(err).Str("client_id", client.ID).Msg("websocket closed")
			}
			return
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump drains the client's queue and keeps the connection alive with
// pings. It exits when Unregister closes the queue or a write fails.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, open := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
