package idle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/events"
)

// fakeClock fires timers deterministically on Advance
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves simulated time forward, firing due timers in deadline
// order. Callbacks run outside the clock lock, like the real timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.deadline
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// fakeChannel records save and broadcast calls
type fakeChannel struct {
	mu         sync.Mutex
	saves      []string
	broadcasts []string
	saveErr    error
}

func (f *fakeChannel) SaveWorld(ctx context.Context, serverName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, serverName)
	return f.saveErr
}

func (f *fakeChannel) Broadcast(ctx context.Context, serverName, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, serverName+": "+message)
	return nil
}

func (f *fakeChannel) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func idleDescriptor(name string, shutdown config.AutoShutdown) config.Descriptor {
	return config.Descriptor{
		Name:        name,
		Map:         "TheIsland",
		Ports:       config.PortSet{Game: 7777, Query: 27015, RCON: 27020},
		Paths:       config.InstallPaths{InstallDir: "/opt/ark", Executable: "/opt/ark/ShooterGameServer"},
		Credentials: config.Credentials{AdminPassword: "secret"},
		AutoShutdown: shutdown,
	}
}

func idleRegistry(t *testing.T, descs ...config.Descriptor) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	if err := config.SaveDescriptors(dir, descs); err != nil {
		t.Fatalf("Failed to write servers.yaml: %v", err)
	}
	return config.NewRegistry(dir)
}

func drainKind(sub <-chan events.Notification, kind events.Kind) []events.Notification {
	var out []events.Notification
	for {
		select {
		case n := <-sub:
			if n.Kind == kind {
				out = append(out, n)
			}
		default:
			return out
		}
	}
}

func TestExpirySavesThenRequestsShutdown(t *testing.T) {
	registry := idleRegistry(t, idleDescriptor("island", config.AutoShutdown{
		Enabled:            true,
		TimeoutMinutes:     1,
		SaveBeforeShutdown: true,
		SaveTimeoutSeconds: 30,
		WarningIntervals:   []int{0},
	}))

	clock := newFakeClock()
	channel := &fakeChannel{}
	bus := events.NewBus()
	sub := bus.Subscribe(32)
	c := NewController(registry, channel, bus, nil, clock, true)

	c.OnPlayerLeave("island", 0)
	clock.Advance(60 * time.Second)

	if channel.saveCount() != 1 {
		t.Fatalf("Expected exactly one SaveWorld, got %d", channel.saveCount())
	}
	requests := drainKind(sub, events.KindShutdownRequested)
	if len(requests) != 1 {
		t.Fatalf("Expected exactly one shutdown.requested, got %d", len(requests))
	}
	if requests[0].Reason != events.ReasonAutoShutdown {
		t.Errorf("Expected reason %q, got %q", events.ReasonAutoShutdown, requests[0].Reason)
	}
	if requests[0].AutoShutdown == nil || requests[0].AutoShutdown.TimeoutMinutes != 1 {
		t.Error("Shutdown request must carry the armed config snapshot")
	}

	// The timer is single-shot: more time passing fires nothing else.
	clock.Advance(10 * time.Minute)
	if channel.saveCount() != 1 {
		t.Errorf("SaveWorld fired again after expiry: %d calls", channel.saveCount())
	}
}

func TestJoinBeforeExpiryCancels(t *testing.T) {
	registry := idleRegistry(t, idleDescriptor("island", config.AutoShutdown{
		Enabled:        true,
		TimeoutMinutes: 5,
	}))

	clock := newFakeClock()
	channel := &fakeChannel{}
	bus := events.NewBus()
	sub := bus.Subscribe(32)
	c := NewController(registry, channel, bus, nil, clock, true)

	c.OnPlayerLeave("island", 0)
	clock.Advance(4 * time.Minute)
	c.OnPlayerJoin("island")
	clock.Advance(30 * time.Minute)

	if got := drainKind(sub, events.KindShutdownRequested); len(got) != 0 {
		t.Fatalf("Expected zero shutdown.requested after cancel, got %d", len(got))
	}
	if channel.saveCount() != 0 {
		t.Errorf("SaveWorld must not run for a cancelled timer")
	}
}

func TestReArmReplacesTimer(t *testing.T) {
	registry := idleRegistry(t, idleDescriptor("island", config.AutoShutdown{
		Enabled:        true,
		TimeoutMinutes: 1,
	}))

	clock := newFakeClock()
	channel := &fakeChannel{}
	bus := events.NewBus()
	sub := bus.Subscribe(32)
	c := NewController(registry, channel, bus, nil, clock, true)

	c.OnPlayerLeave("island", 0)
	clock.Advance(30 * time.Second)
	// Last player leaves again (join+leave inside the poll interval);
	// the deadline moves, it does not stack.
	c.OnPlayerLeave("island", 0)
	clock.Advance(45 * time.Second)

	if got := drainKind(sub, events.KindShutdownRequested); len(got) != 0 {
		t.Fatalf("First timer should have been replaced, got %d shutdowns", len(got))
	}

	clock.Advance(15 * time.Second)
	if got := drainKind(sub, events.KindShutdownRequested); len(got) != 1 {
		t.Fatalf("Expected exactly one shutdown from the replacement timer, got %d", len(got))
	}
}

func TestWarningsFireOncePerThreshold(t *testing.T) {
	registry := idleRegistry(t, idleDescriptor("island", config.AutoShutdown{
		Enabled:              true,
		TimeoutMinutes:       10,
		WarningIntervals:     []int{5, 1},
		NotificationsEnabled: true,
	}))

	clock := newFakeClock()
	channel := &fakeChannel{}
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	c := NewController(registry, channel, bus, nil, clock, true)

	c.OnPlayerLeave("island", 0)
	clock.Advance(10 * time.Minute)

	warnings := drainKind(sub, events.KindIdleWarning)
	if len(warnings) != 2 {
		t.Fatalf("Expected 2 warnings (5m, 1m), got %d", len(warnings))
	}
	if warnings[0].Fields["minutes_left"] != 5 || warnings[1].Fields["minutes_left"] != 1 {
		t.Errorf("Warnings out of order: %v then %v", warnings[0].Fields, warnings[1].Fields)
	}

	channel.mu.Lock()
	broadcasts := len(channel.broadcasts)
	channel.mu.Unlock()
	if broadcasts != 2 {
		t.Errorf("Expected 2 in-game broadcasts, got %d", broadcasts)
	}
}

func TestDisableCancelsAllAndBlocksArming(t *testing.T) {
	registry := idleRegistry(t,
		idleDescriptor("island", config.AutoShutdown{Enabled: true, TimeoutMinutes: 1}),
		idleDescriptor("center", config.AutoShutdown{Enabled: true, TimeoutMinutes: 1}),
	)

	clock := newFakeClock()
	channel := &fakeChannel{}
	bus := events.NewBus()
	sub := bus.Subscribe(32)
	c := NewController(registry, channel, bus, nil, clock, true)

	c.OnPlayerLeave("island", 0)
	c.OnPlayerLeave("center", 0)
	if len(c.ArmedServers()) != 2 {
		t.Fatalf("Expected 2 armed timers, got %d", len(c.ArmedServers()))
	}

	c.SetEnabled(false)
	if len(c.ArmedServers()) != 0 {
		t.Fatal("Disable must cancel every timer synchronously")
	}

	c.OnPlayerLeave("island", 0)
	if len(c.ArmedServers()) != 0 {
		t.Fatal("Arming while disabled must be a no-op")
	}

	clock.Advance(time.Hour)
	if got := drainKind(sub, events.KindShutdownRequested); len(got) != 0 {
		t.Fatalf("Expected zero shutdowns while disabled, got %d", len(got))
	}

	c.SetEnabled(true)
	c.OnPlayerLeave("island", 0)
	clock.Advance(time.Minute)
	if got := drainKind(sub, events.KindShutdownRequested); len(got) != 1 {
		t.Fatalf("Expected arming to work again after re-enable, got %d shutdowns", len(got))
	}
}

func TestSaveFailureNeverBlocksShutdown(t *testing.T) {
	registry := idleRegistry(t, idleDescriptor("island", config.AutoShutdown{
		Enabled:            true,
		TimeoutMinutes:     1,
		SaveBeforeShutdown: true,
	}))

	clock := newFakeClock()
	channel := &fakeChannel{saveErr: errors.New("connection refused")}
	bus := events.NewBus()
	sub := bus.Subscribe(32)
	c := NewController(registry, channel, bus, nil, clock, true)

	c.OnPlayerLeave("island", 0)
	clock.Advance(time.Minute)

	requests := drainKind(sub, events.KindShutdownRequested)
	if len(requests) != 1 {
		t.Fatalf("A failed save must not block the shutdown, got %d requests", len(requests))
	}
	if requests[0].Fields["saved"] != false {
		t.Error("Shutdown request should report the save did not complete")
	}
}

func TestRemainingPlayersDoesNotArm(t *testing.T) {
	registry := idleRegistry(t, idleDescriptor("island", config.AutoShutdown{
		Enabled:        true,
		TimeoutMinutes: 1,
	}))

	c := NewController(registry, &fakeChannel{}, events.NewBus(), nil, newFakeClock(), true)

	c.OnPlayerLeave("island", 3)
	if len(c.ArmedServers()) != 0 {
		t.Fatal("Timer must only arm when the last player leaves")
	}
}

func TestDisabledServerNeverArms(t *testing.T) {
	registry := idleRegistry(t, idleDescriptor("island", config.AutoShutdown{
		Enabled: false,
	}))

	c := NewController(registry, &fakeChannel{}, events.NewBus(), nil, newFakeClock(), true)

	c.OnPlayerLeave("island", 0)
	if len(c.ArmedServers()) != 0 {
		t.Fatal("A server with idle shutdown disabled must not arm")
	}
}
