package rcon

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Channel error kinds. Each is distinct so callers can react to the
// cause rather than parsing messages.
var (
	// ErrAuthFailure means the endpoint rejected the shared secret.
	ErrAuthFailure = errors.New("rcon authentication failed")

	// ErrConnectionRefused means nothing is listening on the RCON port.
	ErrConnectionRefused = errors.New("rcon connection refused")

	// ErrTimeout means the connect, write or response wait exceeded its
	// window.
	ErrTimeout = errors.New("rcon timeout")
)

// classifyNetError maps a transport error onto the channel error kinds,
// or returns it unchanged when no kind applies.
func classifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return err
}
