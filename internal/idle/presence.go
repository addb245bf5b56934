package idle

import (
	"context"
	"log"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/rcon"
)

// Liveness answers whether a server is up, backend-agnostic
type Liveness interface {
	IsRunning(ctx context.Context, name string) (bool, error)
}

// PlayerLister is the slice of the RCON client the watcher needs
type PlayerLister interface {
	ListPlayers(ctx context.Context, serverName string) ([]rcon.Player, error)
}

// Watcher polls player presence for every server with idle shutdown
// enabled and translates the observations into controller events. The
// game has no push channel for joins and leaves; ListPlayers over RCON
// is the authoritative source.
type Watcher struct {
	registry   *config.Registry
	liveness   Liveness
	players    PlayerLister
	controller *Controller
	interval   time.Duration

	running map[string]bool
	counts  map[string]int
}

// NewWatcher creates a presence watcher polling at the given interval
func NewWatcher(registry *config.Registry, liveness Liveness, players PlayerLister, controller *Controller, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		registry:   registry,
		liveness:   liveness,
		players:    players,
		controller: controller,
		interval:   interval,
		running:    make(map[string]bool),
		counts:     make(map[string]int),
	}
}

// Start runs the poll loop until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("[Idle] Presence watcher stopping")
				return
			case <-ticker.C:
				w.poll(ctx)
			}
		}
	}()
}

func (w *Watcher) poll(ctx context.Context) {
	descs, err := w.registry.All()
	if err != nil {
		log.Printf("[Idle] Presence poll: registry unavailable: %v", err)
		return
	}

	for i := range descs {
		desc := descs[i]
		if !desc.AutoShutdown.Enabled {
			continue
		}
		w.pollServer(ctx, desc.Name)
	}
}

func (w *Watcher) pollServer(ctx context.Context, name string) {
	queryCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	up, err := w.liveness.IsRunning(queryCtx, name)
	if err != nil {
		log.Printf("[Idle] Presence poll: liveness query for %s failed: %v", name, err)
		return
	}

	wasUp := w.running[name]
	w.running[name] = up

	if !up {
		if wasUp {
			delete(w.counts, name)
			w.controller.OnServerStop(name)
		}
		return
	}
	if !wasUp {
		w.counts[name] = 0
		w.controller.OnServerStart(name)
		return
	}

	players, err := w.players.ListPlayers(queryCtx, name)
	if err != nil {
		// A failed player query never cancels or arms a timer; the
		// next poll tries again.
		log.Printf("[Idle] Presence poll: player list for %s failed: %v", name, err)
		return
	}

	prev := w.counts[name]
	count := len(players)
	w.counts[name] = count

	switch {
	case count > prev:
		w.controller.OnPlayerJoin(name)
	case count < prev:
		w.controller.OnPlayerLeave(name, count)
	}
}
