// Package auth issues and validates short-lived websocket tickets.
//
// The HTTP API authenticates with a flat bearer token, but browser
// websocket clients cannot set an Authorization header on the upgrade
// request. Instead a client first POSTs to /auth/ws-ticket with the
// bearer token and receives a signed single-purpose ticket it passes
// as a query parameter when connecting.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TicketClaims are the claims carried by a websocket ticket.
type TicketClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

const ticketPurpose = "ws"

// TicketManager mints and validates websocket tickets.
type TicketManager struct {
	secretKey []byte
	duration  time.Duration
}

// NewTicketManager creates a ticket manager. duration should be short;
// a ticket only needs to survive the time between mint and upgrade.
func NewTicketManager(secretKey string, duration time.Duration) *TicketManager {
	if duration <= 0 {
		duration = 30 * time.Second
	}
	return &TicketManager{
		secretKey: []byte(secretKey),
		duration:  duration,
	}
}

// Mint issues a new ticket and returns it with its expiry time.
func (m *TicketManager) Mint() (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(m.duration)

	claims := &TicketClaims{
		Purpose: ticketPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign ticket: %w", err)
	}

	return signed, expires, nil
}

// Validate checks a ticket's signature, expiry and purpose.
func (m *TicketManager) Validate(ticket string) error {
	claims := &TicketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}

	if !token.Valid {
		return fmt.Errorf("invalid ticket")
	}
	if claims.Purpose != ticketPurpose {
		return fmt.Errorf("ticket purpose mismatch")
	}

	return nil
}

// Duration returns the configured ticket lifetime.
func (m *TicketManager) Duration() time.Duration {
	return m.duration
}
