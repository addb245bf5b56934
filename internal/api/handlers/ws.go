package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/ws"
)

// WSHandler upgrades ticket-authenticated connections onto the
// notification hub.
type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates a websocket handler
func NewWSHandler(hub *ws.Hub, cors config.CORSConfig) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), cors.AllowedOrigins)
			},
		},
	}
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
// Ticket validation happens in middleware before this runs.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WebSocket] Failed to upgrade: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	client := &ws.Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan *ws.Message, 64),
		Hub:  h.hub,
	}

	h.hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

func originAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == "0.0.0.0/0" || allowed == origin {
			return true
		}
	}
	return false
}
