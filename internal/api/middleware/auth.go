package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arkvisor/arkvisor/internal/auth"
)

// APIToken middleware validates the shared bearer token. The daemon is
// operated by fleet tooling, not end users, so a single flat token is
// the whole story.
func APIToken(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), expected) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// WSTicket middleware validates the short-lived ticket passed by
// websocket clients as a query parameter, since browsers cannot set
// headers on upgrade requests.
func WSTicket(tickets *auth.TicketManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket := c.Query("ticket")
		if ticket == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Ticket required"})
			c.Abort()
			return
		}

		if err := tickets.Validate(ticket); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired ticket"})
			c.Abort()
			return
		}

		c.Next()
	}
}
