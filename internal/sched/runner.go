// Package sched runs descriptor-configured maintenance tasks (save,
// restart, backup, broadcast) on cron schedules. Cron expressions are
// evaluated with a polling tick rather than live timers so edits to
// servers.yaml apply on the next tick without re-registration.
package sched

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arkvisor/arkvisor/internal/backup"
	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/dispatch"
)

// CommandChannel is the slice of the RCON client scheduled tasks use
type CommandChannel interface {
	SaveWorld(ctx context.Context, serverName string) error
	Broadcast(ctx context.Context, serverName, message string) error
}

// Restarter is the slice of the dispatcher scheduled tasks use
type Restarter interface {
	Restart(ctx context.Context, name string) (*dispatch.StartResult, error)
}

// ActivityLog records task outcomes; nil disables recording
type ActivityLog interface {
	LogScheduleRun(serverName, action string, success bool, errorMsg string) error
}

// taskKey identifies one schedule entry of one server
type taskKey struct {
	server string
	index  int
}

// taskState tracks run bookkeeping for one schedule entry
type taskState struct {
	spec    string
	lastRun time.Time
	nextRun time.Time
}

// Runner polls for due tasks every interval
type Runner struct {
	registry  *config.Registry
	channel   CommandChannel
	restarter Restarter
	backups   *backup.Manager
	activity  ActivityLog
	interval  time.Duration

	mu    sync.Mutex
	tasks map[taskKey]*taskState
}

// NewRunner creates a schedule runner
func NewRunner(registry *config.Registry, channel CommandChannel, restarter Restarter, backups *backup.Manager, activity ActivityLog) *Runner {
	return &Runner{
		registry:  registry,
		channel:   channel,
		restarter: restarter,
		backups:   backups,
		activity:  activity,
		interval:  30 * time.Second,
		tasks:     make(map[taskKey]*taskState),
	}
}

// Start runs the poll loop until ctx is cancelled
func (r *Runner) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("[Sched] Schedule runner stopping")
				return
			case <-ticker.C:
				r.runDue(ctx, time.Now())
			}
		}
	}()
}

// runDue executes every task whose next run time has passed
func (r *Runner) runDue(ctx context.Context, now time.Time) {
	descs, err := r.registry.All()
	if err != nil {
		log.Printf("[Sched] Registry unavailable: %v", err)
		return
	}

	live := make(map[taskKey]bool)

	for i := range descs {
		desc := descs[i]
		for idx, task := range desc.Schedules {
			key := taskKey{server: desc.Name, index: idx}
			live[key] = true

			due, err := r.advance(key, task.Cron, now)
			if err != nil {
				log.Printf("[Sched] Invalid cron %q for %s: %v", task.Cron, desc.Name, err)
				continue
			}
			if !due {
				continue
			}

			go r.execute(ctx, desc.Name, task)
		}
	}

	// Drop bookkeeping for tasks removed from the registry.
	r.mu.Lock()
	for key := range r.tasks {
		if !live[key] {
			delete(r.tasks, key)
		}
	}
	r.mu.Unlock()
}

// advance reports whether the task is due and rolls its next-run time
// forward. A fresh or respecced task is never immediately due; its
// first run comes at the next cron match.
func (r *Runner) advance(key taskKey, spec string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.tasks[key]
	if !ok || state.spec != spec {
		next, err := computeNextRun(spec, now)
		if err != nil {
			return false, err
		}
		r.tasks[key] = &taskState{spec: spec, nextRun: next}
		return false, nil
	}

	if now.Before(state.nextRun) {
		return false, nil
	}

	next, err := computeNextRun(spec, now)
	if err != nil {
		return false, err
	}
	state.lastRun = now
	state.nextRun = next
	return true, nil
}

func (r *Runner) execute(ctx context.Context, serverName string, task config.ScheduledTask) {
	log.Printf("[Sched] Running %s for %s", task.Action, serverName)

	taskCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var err error
	switch task.Action {
	case "save":
		err = r.channel.SaveWorld(taskCtx, serverName)
	case "restart":
		_, err = r.restarter.Restart(taskCtx, serverName)
	case "backup":
		_, err = r.backups.CreateBackup(serverName)
	case "broadcast":
		err = r.channel.Broadcast(taskCtx, serverName, task.Arg)
	default:
		err = fmt.Errorf("unknown action %q", task.Action)
	}

	if err != nil {
		log.Printf("[Sched] %s for %s failed: %v", task.Action, serverName, err)
	}
	if r.activity != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		r.activity.LogScheduleRun(serverName, task.Action, err == nil, msg)
	}
}

// Tasks reports the known schedule entries with their run bookkeeping
func (r *Runner) Tasks() map[string][]TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]TaskStatus)
	for key, state := range r.tasks {
		out[key.server] = append(out[key.server], TaskStatus{
			Index:   key.index,
			Cron:    state.spec,
			LastRun: state.lastRun,
			NextRun: state.nextRun,
		})
	}
	return out
}

// TaskStatus is one schedule entry's run bookkeeping
type TaskStatus struct {
	Index   int       `json:"index"`
	Cron    string    `json:"cron"`
	LastRun time.Time `json:"last_run,omitempty"`
	NextRun time.Time `json:"next_run"`
}

// computeNextRun evaluates a cron expression against a reference time
func computeNextRun(spec string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	parsed, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(from), nil
}
