package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54 seconds

	// TopicFrames carries binary JPEG frames of the mirrored screen
	TopicFrames = "frames"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 2 * 1024 * 1024, // 2MB for JPEG frames
}

type outbound struct {
	binary bool
	data   []byte
}

type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan outbound

	mu         sync.Mutex
	subscribed map[string]bool
}

func (c *Client) isSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[topic]
}

func (c *Client) setSubscribed(topic string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subscribed[topic] = true
	} else {
		delete(c.subscribed, topic)
	}
}

// WebSocketHub fans JSON events out to every viewer and binary frames to
// viewers subscribed to a topic
type WebSocketHub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.SugaredLogger
}

func NewWebSocketHub(log *zap.SugaredLogger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *WebSocketHub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infof("Client connected (total: %d)", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infof("Client disconnected (total: %d)", total)

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every client and stops Run
func (h *WebSocketHub) Close() {
	close(h.quit)
	<-h.done
}

// HasSubscribers reports whether any client listens on topic
func (h *WebSocketHub) HasSubscribers(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.isSubscribed(topic) {
			return true
		}
	}
	return false
}

// BroadcastBinary sends data to clients subscribed to topic. A slow client
// loses its oldest queued message rather than stalling the others.
func (h *WebSocketHub) BroadcastBinary(topic string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	msg := outbound{binary: true, data: data}
	for client := range h.clients {
		if !client.isSubscribed(topic) {
			continue
		}
		select {
		case client.send <- msg:
			sent++
		default:
			// Channel full - drop oldest and try again (backpressure)
			select {
			case <-client.send:
			default:
			}
			select {
			case client.send <- msg:
				sent++
			default:
				h.log.Debugf("Client channel full, skipping frame")
			}
		}
	}
	return sent
}

// BroadcastToAll sends a JSON message to all connected clients
func (h *WebSocketHub) BroadcastToAll(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Errorf("Failed to marshal message: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- outbound{data: data}:
		default:
			h.log.Warnf("⚠️ Client channel full, skipping")
		}
	}
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan outbound, 64),
		subscribed: make(map[string]bool),
	}

	select {
	case hub.register <- client:
	case <-hub.quit:
		conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client (subscriptions)
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnf("WebSocket error: %v", err)
			}
			break
		}

		// Handle subscription messages
		var msg struct {
			Type     string `json:"type"`
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(message, &msg); err != nil || msg.DeviceID == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.setSubscribed(msg.DeviceID, true)
			c.hub.log.Infof("Client subscribed to %s", msg.DeviceID)
		case "unsubscribe":
			c.setSubscribed(msg.DeviceID, false)
			c.hub.log.Infof("Client unsubscribed from %s", msg.DeviceID)
		}
	}
}

// writePump handles outgoing messages to the client (frames, events and ping)
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			kind := websocket.TextMessage
			if msg.binary {
				kind = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(kind, msg.data); err != nil {
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
