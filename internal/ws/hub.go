// Package ws streams lifecycle notifications to UI clients over
// websockets. Every client receives every notification; filtering is
// the client's job.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arkvisor/arkvisor/internal/events"
)

// Message is one frame pushed to clients
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client is one connected websocket
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan *Message
	Hub  *Hub
}

// Hub fans bus notifications out to all connected clients
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	broadcast  chan *Message

	clients map[string]*Client
	mu      sync.RWMutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		clients:    make(map[string]*Client),
	}
}

// Run pumps registrations and broadcasts until ctx is cancelled. sub
// is the hub's subscription on the notification bus.
func (h *Hub) Run(ctx context.Context, sub <-chan events.Notification) {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToAll(message)

		case n, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			h.broadcastToAll(&Message{
				Type:      string(n.Kind),
				Payload:   n,
				Timestamp: n.Timestamp,
			})

		case <-ctx.Done():
			log.Println("[WebSocket] Hub shutting down")
			h.shutdown()
			return
		}
	}
}

// Broadcast queues a message for every connected client
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	select {
	case h.broadcast <- &Message{Type: msgType, Payload: payload, Timestamp: time.Now()}:
	default:
		log.Printf("[WebSocket] Broadcast queue full, dropping %s", msgType)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	log.Printf("[WebSocket] Client %s connected. Clients: %d", client.ID, len(h.clients))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		log.Printf("[WebSocket] Client %s disconnected. Clients: %d", client.ID, len(h.clients))
	}
}

func (h *Hub) broadcastToAll(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Send <- message:
		default:
			// Client's send channel is full; drop rather than stall
			// the hub on one slow reader.
			log.Printf("[WebSocket] Client %s send channel full, dropping message", client.ID)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.Send)
		client.Conn.Close()
	}
	h.clients = make(map[string]*Client)
}

// ReadPump drains client frames. Clients send nothing meaningful; the
// read loop exists to notice disconnects and answer pings.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] Read error: %v", err)
			}
			return
		}
	}
}

// WritePump pushes queued messages and keepalive pings to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				log.Printf("[WebSocket] Failed to marshal message: %v", err)
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
