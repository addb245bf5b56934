package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/oscmd"
	"github.com/arkvisor/arkvisor/internal/procmatch"
)

// Stats reports the server's observed state. A failing process query
// degrades the status to unknown; it never turns into an error, so the
// API always has something to show.
func (c *Controller) Stats(ctx context.Context, name string) (*dispatch.Stats, error) {
	desc, err := c.resolveNative(name)
	if err != nil {
		return nil, err
	}

	stats := &dispatch.Stats{Name: name, Status: dispatch.StatusStopped}

	// Transitional phases are reported as-is so a 10 second grace
	// window shows up as "starting" rather than flapping.
	if phase := c.phase(name); phase == dispatch.StatusStarting || phase == dispatch.StatusStopping {
		stats.Status = phase
		if h := c.handle(name); h != nil {
			stats.PID = h.pid
			stats.StartedAt = h.startedAt
		}
		return stats, nil
	}

	if h := c.handle(name); h.alive() {
		stats.Status = dispatch.StatusRunning
		stats.PID = h.pid
		stats.StartedAt = h.startedAt
		stats.UptimeSeconds = int64(time.Since(h.startedAt).Seconds())

		// Resource usage is best effort; the owned handle already
		// proves liveness.
		if info, err := c.query.QueryByPID(ctx, h.pid); err == nil {
			stats.CPUPercent = info.CPUPercent
			stats.MemoryBytes = info.MemoryBytes
		}
		return stats, nil
	}

	procs, err := c.table.Snapshot(ctx, filepath.Base(desc.Paths.Executable))
	if err != nil {
		stats.Status = dispatch.StatusUnknown
		stats.Detail = "process table unavailable"
		return stats, nil
	}

	pid, err := procmatch.Identify(desc, procs)
	switch {
	case errors.Is(err, procmatch.ErrNoMatch):
		return stats, nil
	case errors.Is(err, procmatch.ErrAmbiguousMatch):
		stats.Status = dispatch.StatusUnknown
		stats.Detail = err.Error()
		return stats, nil
	case err != nil:
		stats.Status = dispatch.StatusUnknown
		stats.Detail = err.Error()
		return stats, nil
	}

	info, err := c.query.QueryByPID(ctx, pid)
	if errors.Is(err, oscmd.ErrNoProcess) {
		// Exited between the snapshot and the query.
		return stats, nil
	}
	if err != nil {
		stats.Status = dispatch.StatusUnknown
		stats.PID = pid
		stats.Detail = "process query failed"
		return stats, nil
	}

	stats.Status = dispatch.StatusRunning
	stats.PID = pid
	stats.CPUPercent = info.CPUPercent
	stats.MemoryBytes = info.MemoryBytes
	stats.StartedAt = info.StartedAt
	stats.UptimeSeconds = int64(time.Since(info.StartedAt).Seconds())
	return stats, nil
}

// IsRunning answers liveness from the owned handle or, failing that,
// process identification. An ambiguous match still means something is
// up on this server's ports, so it counts as running.
func (c *Controller) IsRunning(ctx context.Context, name string) (bool, error) {
	desc, err := c.resolveNative(name)
	if err != nil {
		return false, err
	}

	_, running, err := c.findLive(ctx, desc)
	if err != nil {
		var ambiguous *procmatch.AmbiguousMatchError
		if errors.As(err, &ambiguous) {
			return true, nil
		}
		return false, err
	}
	return running, nil
}

// List inventories every native descriptor with its observed status
func (c *Controller) List(ctx context.Context) ([]dispatch.ServerState, error) {
	descs, err := c.registry.All()
	if err != nil {
		return nil, err
	}

	states := make([]dispatch.ServerState, 0, len(descs))
	for i := range descs {
		desc := descs[i]
		if desc.Host != "" {
			continue
		}

		state := dispatch.ServerState{Descriptor: desc, Status: dispatch.StatusStopped}

		if phase := c.phase(desc.Name); phase == dispatch.StatusStarting || phase == dispatch.StatusStopping {
			state.Status = phase
			state.Running = true
		} else {
			_, running, err := c.findLive(ctx, &desc)
			switch {
			case err != nil:
				state.Status = dispatch.StatusUnknown
			case running:
				state.Status = dispatch.StatusRunning
				state.Running = true
			}
		}

		states = append(states, state)
	}
	return states, nil
}

// Logs returns the last lines of the server's log, preferring the
// game's own log over the captured stdout.
func (c *Controller) Logs(ctx context.Context, name string, lines int) (string, error) {
	desc, err := c.resolveNative(name)
	if err != nil {
		return "", err
	}

	candidates := []string{
		filepath.Join(desc.SavedDir(), "Logs", "ShooterGame.log"),
		filepath.Join(c.logDir, name+".log"),
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return tailLines(string(data), lines), nil
	}
	return "", fmt.Errorf("no log file found for %s", name)
}

func tailLines(s string, n int) string {
	if n <= 0 {
		n = 100
	}
	trimmed := strings.TrimRight(s, "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
