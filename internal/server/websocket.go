package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// WSMessage is pushed to connected approval dashboards.
type WSMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Status    string      `json:"status,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type wsClient struct {
	id       string
	conn     *websocket.Conn
	send     chan WSMessage
	hub      *Hub
	user     *auth.User
	closedMu sync.Mutex
	closed   bool
}

// pendingLister is the slice of the approval store the hub needs to seed
// new connections. Both the workflow and the raw store satisfy it.
type pendingLister interface {
	List(ctx context.Context, status approval.Status) ([]approval.Item, error)
}

// Hub fans approval events out to websocket clients. It also implements
// approval.Notifier so the workflow pushes straight into it.
type Hub struct {
	clients      map[*wsClient]bool
	broadcast    chan WSMessage
	register     chan *wsClient
	unregister   chan *wsClient
	mu           sync.RWMutex
	approvals    pendingLister
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

func NewHub(approvals pendingLister) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		approvals:  approvals,
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.run()
	return h
}

// Notify satisfies approval.Notifier: each lifecycle event becomes one
// broadcast frame.
func (h *Hub) Notify(ctx context.Context, kind approval.NotifyKind, item approval.Item) error {
	msg := WSMessage{
		Type:      "approval_" + string(kind),
		RequestID: item.RequestID,
		Status:    string(item.Status),
		Data:      item,
	}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
	}
	return nil
}

func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		log.Info().Msg("shutting down websocket hub")
		h.cancel()

		h.mu.Lock()
		for client := range h.clients {
			client.safeClose()
		}
		h.mu.Unlock()
	})
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", client.id).Int("total", total).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.safeClose()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", client.id).Int("total", total).Msg("client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					go func(c *wsClient) {
						select {
						case h.unregister <- c:
						case <-h.ctx.Done():
						}
					}(client)
				}
			}
			h.mu.RUnlock()

		case <-h.ctx.Done():
			return
		}
	}
}

func (c *wsClient) safeClose() {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
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

// WSHandler upgrades authenticated connections and seeds them with the
// pending queue.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Auth happens via token validation upstream.
				return true
			},
		},
	}
}

func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	user := auth.UserFromContext(c)
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return err
	}

	client := &wsClient{
		id:   user.ID + "-" + uuid.NewString(),
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  h.hub,
		user: user,
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		_ = conn.Close()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := h.hub.approvals.List(ctx, approval.StatusPending)
	if err == nil {
		client.send <- WSMessage{
			Type: "approval_snapshot",
			Data: map[string]interface{}{
				"total":   len(pending),
				"pending": pending,
			},
		}
	}

	go client.writePump()
	go client.readPump()

	return nil
}
