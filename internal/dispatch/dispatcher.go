package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/arkvisor/arkvisor/internal/config"
)

// StatusRecorder receives observed status transitions. Recording is
// best effort; failures are logged and never surface to callers.
type StatusRecorder interface {
	LogStatusChange(serverName string, oldStatus, newStatus string) error
}

// Dispatcher routes lifecycle operations to the native or container
// backend. Single-server operations try native first and fall through
// to the container backend only on config.ErrConfigNotFound; any other
// native error propagates untouched.
type Dispatcher struct {
	native    Backend
	container Backend
	recorder  StatusRecorder

	mu         sync.Mutex
	lastStatus map[string]Status
}

// NewDispatcher composes the two backend variants. recorder may be nil.
func NewDispatcher(native, container Backend, recorder StatusRecorder) *Dispatcher {
	return &Dispatcher{
		native:     native,
		container:  container,
		recorder:   recorder,
		lastStatus: make(map[string]Status),
	}
}

// Start starts the named server on whichever backend manages it
func (d *Dispatcher) Start(ctx context.Context, name string) (*StartResult, error) {
	res, backend, err := d.dispatchStart(ctx, name, func(b Backend) (*StartResult, error) {
		return b.Start(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	d.recordStatus(name, StatusRunning)
	log.Printf("[Dispatch] Started %s via %s backend", name, backend)
	return res, nil
}

// Restart restarts the named server
func (d *Dispatcher) Restart(ctx context.Context, name string) (*StartResult, error) {
	res, backend, err := d.dispatchStart(ctx, name, func(b Backend) (*StartResult, error) {
		return b.Restart(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	d.recordStatus(name, StatusRunning)
	log.Printf("[Dispatch] Restarted %s via %s backend", name, backend)
	return res, nil
}

// Stop stops the named server. Stopping a server that is not running
// is not an error on either backend.
func (d *Dispatcher) Stop(ctx context.Context, name string) (*StopResult, error) {
	res, err := d.native.Stop(ctx, name)
	if errors.Is(err, config.ErrConfigNotFound) {
		res, err = d.container.Stop(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	if res.Stopped {
		d.recordStatus(name, StatusStopped)
	}
	return res, nil
}

// Stats returns the server's observed state from its managing backend
func (d *Dispatcher) Stats(ctx context.Context, name string) (*Stats, error) {
	stats, err := d.native.Stats(ctx, name)
	if errors.Is(err, config.ErrConfigNotFound) {
		stats, err = d.container.Stats(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	d.recordStatus(name, stats.Status)
	return stats, nil
}

// Logs returns the tail of the server's log from its managing backend
func (d *Dispatcher) Logs(ctx context.Context, name string, lines int) (string, error) {
	out, err := d.native.Logs(ctx, name, lines)
	if errors.Is(err, config.ErrConfigNotFound) {
		return d.container.Logs(ctx, name, lines)
	}
	return out, err
}

// List merges both backends' inventories by name. Native entries win
// on collision. A backend that cannot list contributes nothing rather
// than failing the merged view, unless both fail.
func (d *Dispatcher) List(ctx context.Context) ([]ServerState, error) {
	nativeStates, nativeErr := d.native.List(ctx)
	containerStates, containerErr := d.container.List(ctx)

	if nativeErr != nil && containerErr != nil {
		return nil, fmt.Errorf("both backends failed to list: native: %v; container: %v", nativeErr, containerErr)
	}
	if nativeErr != nil {
		log.Printf("[Dispatch] Native list failed: %v", nativeErr)
	}
	if containerErr != nil {
		log.Printf("[Dispatch] Container list failed: %v", containerErr)
	}

	seen := make(map[string]bool, len(nativeStates))
	merged := make([]ServerState, 0, len(nativeStates)+len(containerStates))
	for _, s := range nativeStates {
		seen[s.Descriptor.Name] = true
		merged = append(merged, s)
	}
	for _, s := range containerStates {
		if seen[s.Descriptor.Name] {
			continue
		}
		merged = append(merged, s)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Descriptor.Name < merged[j].Descriptor.Name
	})

	for _, s := range merged {
		d.recordStatus(s.Descriptor.Name, s.Status)
	}
	return merged, nil
}

// IsRunning is the OR of both backends' answers. A query failure from
// one variant counts as false for that variant only; the other variant
// can still answer true.
func (d *Dispatcher) IsRunning(ctx context.Context, name string) (bool, error) {
	nativeUp, err := d.native.IsRunning(ctx, name)
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			log.Printf("[Dispatch] Native liveness query for %s failed: %v", name, err)
		}
		nativeUp = false
	}
	if nativeUp {
		return true, nil
	}

	containerUp, err := d.container.IsRunning(ctx, name)
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			log.Printf("[Dispatch] Container liveness query for %s failed: %v", name, err)
		}
		containerUp = false
	}
	return containerUp, nil
}

func (d *Dispatcher) dispatchStart(ctx context.Context, name string, op func(Backend) (*StartResult, error)) (*StartResult, string, error) {
	res, err := op(d.native)
	if errors.Is(err, config.ErrConfigNotFound) {
		res, err = op(d.container)
		if err != nil {
			return nil, "", err
		}
		return res, d.container.Name(), nil
	}
	if err != nil {
		return nil, "", err
	}
	return res, d.native.Name(), nil
}

// recordStatus writes a status transition if it differs from the last
// one seen for that server.
func (d *Dispatcher) recordStatus(name string, status Status) {
	if d.recorder == nil {
		return
	}

	d.mu.Lock()
	old, ok := d.lastStatus[name]
	if ok && old == status {
		d.mu.Unlock()
		return
	}
	d.lastStatus[name] = status
	d.mu.Unlock()

	oldStr := string(old)
	if !ok {
		oldStr = string(StatusUnknown)
	}
	if err := d.recorder.LogStatusChange(name, oldStr, string(status)); err != nil {
		log.Printf("[Dispatch] Failed to record status change for %s: %v", name, err)
	}
}
