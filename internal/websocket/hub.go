// Package websocket pushes live session and task events to connected
// frontend clients.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/browserpilot/backend/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced at the API layer
	},
}

// Message represents a WebSocket message
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Client represents a WebSocket client
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients    map[*Client]bool
	userMap    map[string][]*Client // userID -> clients
	broadcast  chan *BroadcastMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

type BroadcastMessage struct {
	Target  string // "all" or "user:<id>"
	Type    string
	Payload interface{}
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		userMap:    make(map[string][]*Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the Hub main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.userID != "" {
				h.userMap[client.userID] = append(h.userMap[client.userID], client)
			}
			h.mu.Unlock()
			logger.Get().Debug().Str("user_id", client.userID).Msg("websocket client connected")

		case client := <-h.unregister:
			h.drop(client)
			logger.Get().Debug().Str("user_id", client.userID).Msg("websocket client disconnected")

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleBroadcast(msg *BroadcastMessage) {
	data, err := json.Marshal(Message{
		Type:    msg.Type,
		Payload: msg.Payload,
	})
	if err != nil {
		logger.Get().Error().Err(err).Msg("failed to marshal websocket message")
		return
	}

	// A full send buffer means the client stopped draining; collect those and
	// drop them after the read lock so the channel is only ever closed once.
	var stale []*Client

	h.mu.RLock()
	switch {
	case msg.Target == "all":
		for client := range h.clients {
			select {
			case client.send <- data:
			default:
				stale = append(stale, client)
			}
		}
	case len(msg.Target) > 5 && msg.Target[:5] == "user:":
		userID := msg.Target[5:]
		for _, client := range h.userMap[userID] {
			select {
			case client.send <- data:
			default:
				stale = append(stale, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.drop(client)
	}
}

// drop removes a client from the hub and closes its send channel. Safe to
// call more than once for the same client.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if clients, ok := h.userMap[client.userID]; ok {
		for i, c := range clients {
			if c == client {
				h.userMap[client.userID] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		if len(h.userMap[client.userID]) == 0 {
			delete(h.userMap, client.userID)
		}
	}
}

// BroadcastToAll sends a message to all connected clients
func (h *Hub) BroadcastToAll(msgType string, payload interface{}) {
	h.broadcast <- &BroadcastMessage{
		Target:  "all",
		Type:    msgType,
		Payload: payload,
	}
}

// BroadcastToUser sends a message to a specific user
func (h *Hub) BroadcastToUser(userID, msgType string, payload interface{}) {
	h.broadcast <- &BroadcastMessage{
		Target:  "user:" + userID,
		Type:    msgType,
		Payload: payload,
	}
}

// SessionEvent notifies a user about a session lifecycle change.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	DeviceID  string `json:"device_id,omitempty"`
}

// BroadcastSessionEvent sends a session event to a user.
func (h *Hub) BroadcastSessionEvent(userID string, event SessionEvent) {
	h.BroadcastToUser(userID, "session:status", event)
}

// ConfirmationEvent asks the user to approve or deny a high-risk action.
type ConfirmationEvent struct {
	Token       string    `json:"token"`
	Domain      string    `json:"domain"`
	Description string    `json:"description"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// BroadcastConfirmationRequest pushes a pending confirmation to the user.
func (h *Hub) BroadcastConfirmationRequest(userID string, event ConfirmationEvent) {
	h.BroadcastToUser(userID, "confirmation:required", event)
}

// ServeWs handles websocket requests from the peer. The JWT arrives as a
// query parameter since browsers cannot set headers on websocket upgrades.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, jwtSecret string) {
	token := r.URL.Query().Get("token")
	userID := ""

	if token != "" {
		claims := &jwt.RegisteredClaims{}
		parsedToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(jwtSecret), nil
		})
		if err == nil && parsedToken.Valid {
			userID = claims.Subject
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Get().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Get().Debug().Err(err).Msg("websocket read error")
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second) // Ping interval
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages into the same frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// handleMessage processes incoming WebSocket messages
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "ping":
		c.send <- []byte(`{"type":"pong"}`)
	}
}
