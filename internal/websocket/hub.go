package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/fuomag9/serverlord/internal/auth"
	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/monitor"
)

// Message represents a WebSocket message
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TaskUpdate is the payload of a "task_update" message
type TaskUpdate struct {
	TaskID          int64         `json:"task_id"`
	Name            string        `json:"name"`
	Status          models.Status `json:"status"`
	PreviousStatus  models.Status `json:"previous_status"`
	Transition      bool          `json:"transition"`
	LastPing        *time.Time    `json:"last_ping"`
	Timestamp       time.Time     `json:"timestamp"`
	UptimeSeconds   float64       `json:"uptime_seconds"`
	DowntimeSeconds float64       `json:"downtime_seconds"`
}

// Conn is the part of *websocket.Conn a client uses
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Client represents a WebSocket client
type Client struct {
	OwnerID int64
	Conn    Conn
	Hub     *Hub
	Send    chan []byte
}

type envelope struct {
	ownerID int64
	data    []byte
}

// Hub maintains connected dashboard clients and pushes task updates to the
// clients of the task's owner
type Hub struct {
	clients        map[*Client]bool
	broadcast      chan envelope
	register       chan *Client
	unregister     chan *Client
	done           chan struct{}
	mu             sync.RWMutex
	jwtSecret      string
	allowedOrigins []string
	logger         *slog.Logger
}

// Compile-time assertion that Hub observes engine events.
var _ monitor.Observer = (*Hub)(nil)

// NewHub creates a new Hub
func NewHub(jwtSecret string, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:        make(map[*Client]bool),
		broadcast:      make(chan envelope, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// Run dispatches messages until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "owner_id", client.OwnerID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.logger.Debug("websocket client disconnected", "owner_id", client.OwnerID)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.OwnerID != msg.ownerID {
					continue
				}
				select {
				case client.Send <- msg.data:
				default:
					// slow client
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToOwner queues a message for every client of one owner. It never
// blocks; messages are dropped when the queue is full.
func (h *Hub) SendToOwner(ownerID int64, msgType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msgJSON, err := json.Marshal(Message{Type: msgType, Payload: payloadJSON})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- envelope{ownerID: ownerID, data: msgJSON}:
	default:
		h.logger.Warn("websocket queue full, dropping message", "owner_id", ownerID)
	}
	return nil
}

// TaskChanged pushes a task_update message to the task owner's clients
func (h *Hub) TaskChanged(e monitor.Event) {
	update := TaskUpdate{
		TaskID:          e.Task.ID,
		Name:            e.Task.Name,
		Status:          e.Task.Status,
		PreviousStatus:  e.Task.PreviousStatus,
		Transition:      e.Transition(),
		LastPing:        e.Task.LastPingAt,
		Timestamp:       e.Sample.Timestamp,
		UptimeSeconds:   e.Task.UptimeSeconds(),
		DowntimeSeconds: e.Task.DowntimeSeconds(),
	}
	if err := h.SendToOwner(e.Task.OwnerID, "task_update", update); err != nil {
		h.logger.Error("failed to encode task update", "task_id", e.Task.ID, "err", err)
	}
}

// HandleWebSocket handles WebSocket connections. The bearer token is taken
// from the "token" query parameter or the Authorization header.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}

	ownerID, err := auth.ParseOwner(token, h.jwtSecret)
	if err != nil {
		h.logger.Debug("websocket connection rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	allowedOrigins := h.allowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"localhost:3000"}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originHosts(allowedOrigins),
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		OwnerID: ownerID,
		Conn:    conn,
		Hub:     h,
		Send:    make(chan []byte, 256),
	}

	if !h.attach(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// attach registers client and starts its pumps. It reports false once the
// hub has stopped.
func (h *Hub) attach(client *Client) bool {
	select {
	case h.register <- client:
	case <-h.done:
		return false
	}

	go client.writePump()
	go client.readPump()
	return true
}

// originHosts strips schemes; origin patterns match against host only
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		hosts = append(hosts, o)
	}
	return hosts
}

func expectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		_, message, err := c.Conn.Read(ctx)
		if err != nil {
			if !expectedClose(err) {
				c.Hub.logger.Debug("websocket read error", "owner_id", c.OwnerID, "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump writes queued messages until Send is closed
func (c *Client) writePump() {
	for message := range c.Send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			if !expectedClose(err) {
				c.Hub.logger.Debug("websocket write error", "owner_id", c.OwnerID, "err", err)
			}
			// unblocks readPump, which unregisters the client
			c.Conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
	c.Conn.Close(websocket.StatusGoingAway, "")
}

// handleMessage answers keepalive pings; other messages are ignored
func (c *Client) handleMessage(msg Message) {
	if msg.Type != "ping" {
		return
	}
	response, _ := json.Marshal(Message{
		Type:    "pong",
		Payload: json.RawMessage(`{}`),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Conn.Write(ctx, websocket.MessageText, response)
}
