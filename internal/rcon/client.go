// Package rcon implements the administrative command channel to running
// game servers: a Source RCON client with cached authenticated sessions,
// one per (server, host, port).
package rcon

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
)

// Dialer opens the transport connection. Tests replace it with in-memory
// pipes.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Response is one completed command round trip
type Response struct {
	Raw            string
	Classification Classification
}

type sessionKey struct {
	name string
	host string
	port int
}

// session holds one authenticated connection. Its mutex serializes
// in-flight commands: a second send on the same session queues behind
// the first and never reads another call's response.
type session struct {
	mu            sync.Mutex
	conn          net.Conn
	authenticated bool
	lastUsed      time.Time
	nextID        int32
}

// Client is the command channel over all managed servers
type Client struct {
	registry     *config.Registry
	dial         Dialer
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// NewClient creates a command channel using the registry for endpoint
// lookup and the given timeouts for every connect, write and
// response wait.
func NewClient(registry *config.Registry, cfg config.RconConfig) *Client {
	return &Client{
		registry:     registry,
		dial:         defaultDialer,
		dialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		readTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		writeTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		sessions:     make(map[sessionKey]*session),
	}
}

func defaultDialer(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Send resolves the server's RCON endpoint and executes one command,
// returning the raw response and its classification.
func (c *Client) Send(ctx context.Context, serverName, command string) (*Response, error) {
	desc, err := c.registry.Resolve(serverName)
	if err != nil {
		return nil, err
	}

	host := desc.Host
	if host == "" {
		host = "127.0.0.1"
	}

	return c.sendTo(ctx, serverName, host, desc.Ports.RCON, desc.Credentials.AdminPassword, command)
}

func (c *Client) sendTo(ctx context.Context, serverName, host string, port int, password, command string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyNetError(err)
	}

	key := sessionKey{name: serverName, host: host, port: port}
	sess := c.getOrCreateSession(key)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.conn == nil || !sess.authenticated {
		if err := c.connect(ctx, sess, host, port, password); err != nil {
			c.dropSession(key, sess)
			return nil, err
		}
		log.Printf("[Rcon] Session established for %s (%s:%d)", serverName, host, port)
	}

	raw, err := c.roundTrip(ctx, sess, command)
	if err != nil {
		// Any transport error poisons the session; the next send
		// reconnects. No automatic retry here.
		c.dropSession(key, sess)
		return nil, fmt.Errorf("command %q on %s: %w", command, serverName, err)
	}

	sess.lastUsed = time.Now()
	return &Response{Raw: raw, Classification: Classify(command)}, nil
}

// getOrCreateSession returns the cached session for key, creating an
// unconnected one if absent. At most one session exists per key.
func (c *Client) getOrCreateSession(key sessionKey) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.sessions[key]; ok {
		return sess
	}
	sess := &session{nextID: 1}
	c.sessions[key] = sess
	return sess
}

// dropSession removes a poisoned session from the cache. The comparison
// guards against dropping a replacement created in the meantime.
func (c *Client) dropSession(key sessionKey, sess *session) {
	c.mu.Lock()
	if current, ok := c.sessions[key]; ok && current == sess {
		delete(c.sessions, key)
	}
	c.mu.Unlock()

	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	sess.authenticated = false
}

// connect dials the endpoint and performs the auth handshake. The
// caller holds the session mutex.
func (c *Client) connect(ctx context.Context, sess *session, host string, port int, password string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := c.dial(dialCtx, addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, classifyNetError(err))
	}

	authID := sess.nextID
	sess.nextID++

	conn.SetWriteDeadline(deadlineFor(ctx, c.writeTimeout))
	if err := writePacket(conn, authID, packetTypeAuth, password); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send auth to %s: %w", addr, classifyNetError(err))
	}

	// Some servers send an empty response value before the auth
	// response; skip past anything that is not the verdict.
	for attempts := 0; attempts < 4; attempts++ {
		conn.SetReadDeadline(deadlineFor(ctx, c.readTimeout))
		id, ptype, _, err := readPacket(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("auth handshake with %s: %w", addr, classifyNetError(err))
		}
		if ptype != packetTypeAuthResponse {
			continue
		}
		if id == -1 {
			conn.Close()
			return fmt.Errorf("%s: %w", addr, ErrAuthFailure)
		}
		if id == authID {
			sess.conn = conn
			sess.authenticated = true
			return nil
		}
	}

	conn.Close()
	return fmt.Errorf("unexpected auth handshake from %s", addr)
}

// roundTrip writes one command and waits for the single response
// correlated to it. The caller holds the session mutex.
func (c *Client) roundTrip(ctx context.Context, sess *session, command string) (string, error) {
	id := sess.nextID
	sess.nextID++

	sess.conn.SetWriteDeadline(deadlineFor(ctx, c.writeTimeout))
	if err := writePacket(sess.conn, id, packetTypeExecCommand, command); err != nil {
		return "", classifyNetError(err)
	}

	for attempts := 0; attempts < 8; attempts++ {
		sess.conn.SetReadDeadline(deadlineFor(ctx, c.readTimeout))
		gotID, ptype, body, err := readPacket(sess.conn)
		if err != nil {
			return "", classifyNetError(err)
		}
		if gotID != id {
			continue
		}
		if ptype == packetTypeResponseValue || ptype == packetTypeExecCommand {
			return body, nil
		}
	}

	return "", fmt.Errorf("no response correlated to command id %d", id)
}

// Invalidate discards every cached session for a server. Used after a
// stop or restart so the next command reconnects instead of hitting a
// dead socket.
func (c *Client) Invalidate(serverName string) {
	c.mu.Lock()
	var dropped []*session
	for key, sess := range c.sessions {
		if key.name == serverName {
			delete(c.sessions, key)
			dropped = append(dropped, sess)
		}
	}
	c.mu.Unlock()

	for _, sess := range dropped {
		sess.mu.Lock()
		if sess.conn != nil {
			sess.conn.Close()
			sess.conn = nil
		}
		sess.authenticated = false
		sess.mu.Unlock()
	}
}

// Close discards every cached session
func (c *Client) Close() {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for key, sess := range c.sessions {
		delete(c.sessions, key)
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.conn != nil {
			sess.conn.Close()
			sess.conn = nil
		}
		sess.authenticated = false
		sess.mu.Unlock()
	}
}

// deadlineFor bounds an I/O operation by the configured timeout or the
// context deadline, whichever comes first.
func deadlineFor(ctx context.Context, d time.Duration) time.Time {
	deadline := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
