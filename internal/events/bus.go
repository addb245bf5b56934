// Package events carries lifecycle notifications between components.
// Publishers never block: a subscriber that falls behind loses the
// notification, which is acceptable because every consumer treats the
// bus as advisory and re-reads authoritative state on receipt.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
)

// Kind identifies a notification type
type Kind string

const (
	KindServerInitialized Kind = "server.initialized"
	KindServerStopped     Kind = "server.stopped"
	KindIdleArmed         Kind = "idle.armed"
	KindIdleCancelled     Kind = "idle.cancelled"
	KindIdleWarning       Kind = "idle.warning"
	KindShutdownRequested Kind = "shutdown.requested"
	KindCommandExecuted   Kind = "rcon.command"
	KindBackupCompleted   Kind = "backup.completed"
)

// Reasons carried by shutdown.requested
const (
	ReasonAutoShutdown = "auto_shutdown"
)

// Notification is one bus message. AutoShutdown is a snapshot of the
// per-server config taken when the notification was created, so
// consumers act on the settings that armed the timer, not on whatever
// the registry holds by the time they run.
type Notification struct {
	Kind         Kind                   `json:"kind"`
	ServerName   string                 `json:"server_name"`
	Reason       string                 `json:"reason,omitempty"`
	Message      string                 `json:"message,omitempty"`
	AutoShutdown *config.AutoShutdown   `json:"auto_shutdown,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Bus fans notifications out to all subscribers
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Notification
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned channel is closed when the bus closes.
func (b *Bus) Subscribe(buffer int) <-chan Notification {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the notification to every subscriber without
// blocking. Full subscriber buffers drop the message and bump the
// drop counter.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many notifications were lost to slow subscribers
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
