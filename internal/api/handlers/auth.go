package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arkvisor/arkvisor/internal/auth"
)

// AuthHandler mints websocket tickets. The route sits behind the API
// token middleware, so anyone reaching it already holds the token.
type AuthHandler struct {
	tickets *auth.TicketManager
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(tickets *auth.TicketManager) *AuthHandler {
	return &AuthHandler{tickets: tickets}
}

// MintWSTicket issues a short-lived websocket ticket
func (h *AuthHandler) MintWSTicket(c *gin.Context) {
	ticket, expires, err := h.tickets.Mint()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mint ticket"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ticket":     ticket,
		"expires_at": expires,
	})
}
