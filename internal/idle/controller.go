// Package idle shuts servers down after a configured duration with
// zero players, saving the world first. Player-presence events drive a
// per-server single-shot timer; expiry hands the actual stop off to
// the dispatcher through a shutdown.requested notification.
package idle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/events"
)

// CommandChannel is the slice of the RCON client the controller needs
type CommandChannel interface {
	SaveWorld(ctx context.Context, serverName string) error
	Broadcast(ctx context.Context, serverName, message string) error
}

// ActivityLog records idle-controller decisions. All methods are best
// effort; a nil ActivityLog disables recording.
type ActivityLog interface {
	LogIdleArmed(serverName string, timeoutMinutes int) error
	LogIdleCancelled(serverName, reason string) error
	LogIdleWarning(serverName string, minutesLeft int) error
	LogIdleShutdown(serverName string, saved bool) error
}

// shutdownTimer is the armed state for one server. Warning and expiry
// callbacks check that they still belong to the current arm cycle
// under the controller mutex before acting, so a cancel that wins the
// race silences them.
type shutdownTimer struct {
	serverName    string
	armedAt       time.Time
	timeout       time.Duration
	cfg           config.AutoShutdown
	cancelled     bool
	firedWarnings map[int]bool
	scheduled     []Timer
}

// Controller owns every server's idle-shutdown timer
type Controller struct {
	registry *config.Registry
	channel  CommandChannel
	bus      *events.Bus
	activity ActivityLog
	clock    Clock

	mu      sync.Mutex
	enabled bool
	timers  map[string]*shutdownTimer
}

// NewController creates an idle controller. enabled is the initial
// position of the global switch.
func NewController(registry *config.Registry, channel CommandChannel, bus *events.Bus, activity ActivityLog, clock Clock, enabled bool) *Controller {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Controller{
		registry: registry,
		channel:  channel,
		bus:      bus,
		activity: activity,
		clock:    clock,
		enabled:  enabled,
		timers:   make(map[string]*shutdownTimer),
	}
}

// OnPlayerJoin cancels the server's timer. Cancelling an absent or
// already-fired timer is a no-op.
func (c *Controller) OnPlayerJoin(name string) {
	c.cancel(name, "player_joined")
}

// OnPlayerLeave arms the timer when the last player leaves
func (c *Controller) OnPlayerLeave(name string, remainingPlayers int) {
	if remainingPlayers > 0 {
		return
	}
	c.arm(name)
}

// OnServerStart announces the server and arms its timer: a freshly
// started server has zero players.
func (c *Controller) OnServerStart(name string) {
	cfg := c.configFor(name)
	c.bus.Publish(events.Notification{
		Kind:         events.KindServerInitialized,
		ServerName:   name,
		AutoShutdown: cfg,
	})
	c.arm(name)
}

// OnServerStop cancels the server's timer
func (c *Controller) OnServerStop(name string) {
	c.cancel(name, "server_stopped")
	c.bus.Publish(events.Notification{
		Kind:       events.KindServerStopped,
		ServerName: name,
	})
}

// SetEnabled flips the global switch. Disabling cancels every active
// timer synchronously and blocks arming until re-enabled.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	var stopped []*shutdownTimer
	if !enabled {
		for name, t := range c.timers {
			t.cancelled = true
			t.stopAll()
			delete(c.timers, name)
			stopped = append(stopped, t)
		}
	}
	c.mu.Unlock()

	for _, t := range stopped {
		log.Printf("[Idle] Timer for %s cancelled (controller disabled)", t.serverName)
		c.logCancelled(t.serverName, "disabled")
	}
}

// Enabled reports the global switch position
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// ArmedServers lists servers with an active timer and its deadline
func (c *Controller) ArmedServers() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	armed := make(map[string]time.Time, len(c.timers))
	for name, t := range c.timers {
		armed[name] = t.armedAt.Add(t.timeout)
	}
	return armed
}

// arm starts a fresh timer for the server, replacing any existing one.
// Servers with idle shutdown disabled never arm.
func (c *Controller) arm(name string) {
	cfg := c.configFor(name)
	if cfg == nil || !cfg.Enabled || cfg.TimeoutMinutes <= 0 {
		return
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}

	if old, ok := c.timers[name]; ok {
		old.cancelled = true
		old.stopAll()
	}

	t := &shutdownTimer{
		serverName:    name,
		armedAt:       c.clock.Now(),
		timeout:       time.Duration(cfg.TimeoutMinutes) * time.Minute,
		cfg:           *cfg,
		firedWarnings: make(map[int]bool),
	}
	c.timers[name] = t

	// Warnings fire at absolute offsets before expiry, each at most
	// once per arm cycle.
	for _, minutes := range cfg.WarningIntervals {
		delay := t.timeout - time.Duration(minutes)*time.Minute
		if delay < 0 {
			continue
		}
		m := minutes
		t.scheduled = append(t.scheduled, c.clock.AfterFunc(delay, func() {
			c.fireWarning(name, t, m)
		}))
	}
	t.scheduled = append(t.scheduled, c.clock.AfterFunc(t.timeout, func() {
		c.fireExpiry(name, t)
	}))
	c.mu.Unlock()

	log.Printf("[Idle] Armed shutdown timer for %s (%d minutes)", name, cfg.TimeoutMinutes)
	if c.activity != nil {
		c.activity.LogIdleArmed(name, cfg.TimeoutMinutes)
	}
	c.bus.Publish(events.Notification{
		Kind:         events.KindIdleArmed,
		ServerName:   name,
		AutoShutdown: cfg,
	})
}

// cancel stops the server's timer if one is armed
func (c *Controller) cancel(name, reason string) {
	c.mu.Lock()
	t, ok := c.timers[name]
	if ok {
		t.cancelled = true
		t.stopAll()
		delete(c.timers, name)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	log.Printf("[Idle] Timer for %s cancelled (%s)", name, reason)
	c.logCancelled(name, reason)
	c.bus.Publish(events.Notification{
		Kind:       events.KindIdleCancelled,
		ServerName: name,
		Reason:     reason,
	})
}

// fireWarning emits one warning threshold notification
func (c *Controller) fireWarning(name string, t *shutdownTimer, minutesLeft int) {
	c.mu.Lock()
	if t.cancelled || c.timers[name] != t || t.firedWarnings[minutesLeft] {
		c.mu.Unlock()
		return
	}
	t.firedWarnings[minutesLeft] = true
	c.mu.Unlock()

	log.Printf("[Idle] %s shuts down in %d minute(s)", name, minutesLeft)
	if c.activity != nil {
		c.activity.LogIdleWarning(name, minutesLeft)
	}
	c.bus.Publish(events.Notification{
		Kind:       events.KindIdleWarning,
		ServerName: name,
		Fields:     map[string]interface{}{"minutes_left": minutesLeft},
	})

	if t.cfg.NotificationsEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msg := warningMessage(minutesLeft)
		if err := c.channel.Broadcast(ctx, name, msg); err != nil {
			log.Printf("[Idle] Warning broadcast to %s failed: %v", name, err)
		}
	}
}

// fireExpiry saves the world and requests the shutdown. The cancelled
// check and the timer removal happen under the same lock that cancel
// takes, so a cancel that arrives first always wins.
func (c *Controller) fireExpiry(name string, t *shutdownTimer) {
	c.mu.Lock()
	if t.cancelled || c.timers[name] != t {
		c.mu.Unlock()
		return
	}
	delete(c.timers, name)
	c.mu.Unlock()

	log.Printf("[Idle] %s idle for %d minutes, shutting down", name, t.cfg.TimeoutMinutes)

	saved := false
	if t.cfg.SaveBeforeShutdown {
		timeout := time.Duration(t.cfg.SaveTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := c.channel.SaveWorld(ctx, name)
		cancel()
		if err != nil {
			// An unsaved world never keeps an idle server running.
			log.Printf("[Idle] Save before shutdown of %s failed: %v (continuing)", name, err)
		} else {
			saved = true
		}
	}

	if c.activity != nil {
		c.activity.LogIdleShutdown(name, saved)
	}
	c.bus.Publish(events.Notification{
		Kind:         events.KindShutdownRequested,
		ServerName:   name,
		Reason:       events.ReasonAutoShutdown,
		AutoShutdown: &t.cfg,
		Fields:       map[string]interface{}{"saved": saved},
	})
}

// configFor snapshots the server's idle settings at event time
func (c *Controller) configFor(name string) *config.AutoShutdown {
	desc, err := c.registry.Resolve(name)
	if err != nil {
		log.Printf("[Idle] No descriptor for %s: %v", name, err)
		return nil
	}
	cfg := desc.AutoShutdown
	return &cfg
}

func (c *Controller) logCancelled(name, reason string) {
	if c.activity != nil {
		c.activity.LogIdleCancelled(name, reason)
	}
}

func (t *shutdownTimer) stopAll() {
	for _, timer := range t.scheduled {
		timer.Stop()
	}
}

func warningMessage(minutesLeft int) string {
	switch {
	case minutesLeft <= 0:
		return "Server is shutting down now (idle)."
	case minutesLeft == 1:
		return "Server shuts down in 1 minute unless someone joins."
	default:
		return fmt.Sprintf("Server shuts down in %d minutes unless someone joins.", minutesLeft)
	}
}
