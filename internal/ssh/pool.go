package ssh

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Pool shares SSH connections across servers hosted on the same machine.
// Connections are keyed by user@host:port, so ten descriptors on one
// container host ride a single transport.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*pooledConnection
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

type pooledConnection struct {
	mu                sync.Mutex
	client            *Client
	endpoint          string
	healthStatus      string
	reconnectAttempts int
	lastHealthCheck   time.Time
}

// NewPool creates a connection pool and starts its health check loop
func NewPool() *Pool {
	pool := &Pool{
		connections: make(map[string]*pooledConnection),
		stopChan:    make(chan struct{}),
	}

	pool.wg.Add(1)
	go pool.healthCheckLoop()

	return pool
}

// Get returns a live connection for the endpoint, dialing if none is
// pooled or the pooled one has gone dead.
func (p *Pool) Get(config *ClientConfig) (*Client, error) {
	key := config.endpoint()

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, exists := p.connections[key]; exists {
		if conn.client.IsConnected() {
			return conn.client, nil
		}
		log.Printf("[SSHPool] Connection to %s is dead, removing", key)
		conn.client.Close()
		delete(p.connections, key)
	}

	client, err := NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", key, err)
	}

	p.connections[key] = &pooledConnection{
		client:          client,
		endpoint:        key,
		healthStatus:    "healthy",
		lastHealthCheck: time.Now(),
	}
	log.Printf("[SSHPool] Connected to %s", key)

	return client, nil
}

// Remove drops the connection for an endpoint
func (p *Pool) Remove(config *ClientConfig) {
	key := config.endpoint()

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, exists := p.connections[key]; exists {
		conn.client.Close()
		delete(p.connections, key)
		log.Printf("[SSHPool] Removed connection to %s", key)
	}
}

// CloseAll closes every pooled connection
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, conn := range p.connections {
		conn.client.Close()
		log.Printf("[SSHPool] Closed connection to %s", key)
	}
	p.connections = make(map[string]*pooledConnection)
}

// Stop ends the health check loop and closes all connections
func (p *Pool) Stop() {
	select {
	case <-p.stopChan:
		return
	default:
		close(p.stopChan)
	}
	p.wg.Wait()
	p.CloseAll()
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkAll()
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) checkAll() {
	p.mu.RLock()
	conns := make([]*pooledConnection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	p.mu.RUnlock()

	for _, conn := range conns {
		if removed := conn.check(); removed {
			p.mu.Lock()
			if current, exists := p.connections[conn.endpoint]; exists && current == conn {
				delete(p.connections, conn.endpoint)
			}
			p.mu.Unlock()
		}
	}
}

// check verifies one connection and tries to revive it, reporting true
// once reconnect attempts are exhausted and the entry should be dropped.
func (pc *pooledConnection) check() (remove bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	defer func() { pc.lastHealthCheck = time.Now() }()

	if pc.client.IsConnected() {
		if pc.healthStatus != "healthy" {
			log.Printf("[SSHPool] Connection to %s recovered", pc.endpoint)
		}
		pc.healthStatus = "healthy"
		pc.reconnectAttempts = 0
		return false
	}

	pc.healthStatus = "failed"
	pc.reconnectAttempts++
	log.Printf("[SSHPool] Health check failed for %s, reconnect attempt %d", pc.endpoint, pc.reconnectAttempts)

	if err := pc.client.Connect(); err != nil {
		if pc.reconnectAttempts >= 3 {
			log.Printf("[SSHPool] Giving up on %s: %v", pc.endpoint, err)
			pc.client.Close()
			return true
		}
		return false
	}

	log.Printf("[SSHPool] Reconnected to %s", pc.endpoint)
	pc.healthStatus = "healthy"
	pc.reconnectAttempts = 0
	return false
}

// Stats summarizes pool state for the health endpoint
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthy := 0
	failed := 0
	for _, conn := range p.connections {
		conn.mu.Lock()
		status := conn.healthStatus
		conn.mu.Unlock()

		if status == "healthy" {
			healthy++
		} else {
			failed++
		}
	}

	return map[string]interface{}{
		"total_connections": len(p.connections),
		"healthy":           healthy,
		"failed":            failed,
	}
}
