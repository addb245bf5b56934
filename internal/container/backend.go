// Package container runs game servers as docker containers on remote
// hosts reached over SSH. Containers are matched by the
// arkvisor.server label; provisioning them is the host operator's job,
// this backend only drives their lifecycle.
package container

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/oscmd"
)

// ErrNoContainer is returned when a descriptor's host has no container
// carrying the server's label.
var ErrNoContainer = errors.New("no container found for server")

// serverLabel is the docker label identifying a managed container
const serverLabel = "arkvisor.server"

// RunnerProvider yields the command runner for a descriptor's host.
// The production provider hands out SSH runners from the connection
// pool; tests substitute mocks.
type RunnerProvider interface {
	RunnerFor(desc *config.Descriptor) (oscmd.Runner, error)
}

// Backend implements the lifecycle contract for container-hosted
// servers. Descriptors with an empty Host belong to the native side
// and answer config.ErrConfigNotFound here.
type Backend struct {
	registry  *config.Registry
	runners   RunnerProvider
	stopGrace time.Duration
}

// NewBackend creates a container backend
func NewBackend(registry *config.Registry, runners RunnerProvider, lifecycle config.LifecycleConfig) *Backend {
	return &Backend{
		registry:  registry,
		runners:   runners,
		stopGrace: time.Duration(lifecycle.StopGraceSeconds) * time.Second,
	}
}

// Name identifies this backend in logs and activity records
func (b *Backend) Name() string {
	return "container"
}

// Start starts the server's container
func (b *Backend) Start(ctx context.Context, name string) (*dispatch.StartResult, error) {
	desc, runner, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	id, running, err := b.findContainer(ctx, runner, name)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoContainer, name, desc.Host)
	}

	// A running container is restarted rather than started twice, so
	// the result is always a fresh instance.
	verb := "start"
	if running {
		log.Printf("[Container] %s is already running on %s, restarting it", name, desc.Host)
		verb = "restart"
	}

	res, err := runner.Run(ctx, "docker", verb, id)
	if err != nil {
		return nil, fmt.Errorf("docker %s for %s: %w", verb, name, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("docker %s for %s exited %d: %s", verb, name, res.ExitCode, res.Stderr)
	}

	log.Printf("[Container] Started %s (container %s on %s)", name, shortID(id), desc.Host)
	return &dispatch.StartResult{}, nil
}

// Stop stops the server's container. An absent or already-stopped
// container returns {Stopped: false} with no error.
func (b *Backend) Stop(ctx context.Context, name string) (*dispatch.StopResult, error) {
	desc, runner, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	id, running, err := b.findContainer(ctx, runner, name)
	if err != nil {
		return nil, err
	}
	if id == "" || !running {
		return &dispatch.StopResult{Stopped: false}, nil
	}

	grace := strconv.Itoa(int(b.stopGrace.Seconds()))
	res, err := runner.Run(ctx, "docker", "stop", "-t", grace, id)
	if err != nil {
		return nil, fmt.Errorf("docker stop for %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("docker stop for %s exited %d: %s", name, res.ExitCode, res.Stderr)
	}

	log.Printf("[Container] Stopped %s (container %s on %s)", name, shortID(id), desc.Host)
	return &dispatch.StopResult{Stopped: true}, nil
}

// Restart restarts the server's container
func (b *Backend) Restart(ctx context.Context, name string) (*dispatch.StartResult, error) {
	desc, runner, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	id, _, err := b.findContainer(ctx, runner, name)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoContainer, name, desc.Host)
	}

	res, err := runner.Run(ctx, "docker", "restart", "-t", strconv.Itoa(int(b.stopGrace.Seconds())), id)
	if err != nil {
		return nil, fmt.Errorf("docker restart for %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("docker restart for %s exited %d: %s", name, res.ExitCode, res.Stderr)
	}
	return &dispatch.StartResult{}, nil
}

// Stats reports the container's observed state. A failing docker query
// degrades the status to unknown rather than erroring, matching the
// native side.
func (b *Backend) Stats(ctx context.Context, name string) (*dispatch.Stats, error) {
	_, runner, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	stats := &dispatch.Stats{Name: name, Status: dispatch.StatusStopped}

	id, running, err := b.findContainer(ctx, runner, name)
	if err != nil {
		stats.Status = dispatch.StatusUnknown
		stats.Detail = "docker query failed"
		return stats, nil
	}
	if id == "" || !running {
		return stats, nil
	}

	stats.Status = dispatch.StatusRunning

	// Resource usage is best effort; liveness is already decided.
	res, err := runner.Run(ctx, "docker", "stats", "--no-stream", "--format", "{{.CPUPerc}}|{{.MemUsage}}", id)
	if err == nil && res.ExitCode == 0 {
		cpu, mem := parseDockerStats(res.Stdout)
		stats.CPUPercent = cpu
		stats.MemoryBytes = mem
	}

	if started, err := b.containerStartedAt(ctx, runner, id); err == nil && !started.IsZero() {
		stats.StartedAt = started
		stats.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	return stats, nil
}

// Logs returns the tail of the container's log
func (b *Backend) Logs(ctx context.Context, name string, lines int) (string, error) {
	_, runner, err := b.resolve(name)
	if err != nil {
		return "", err
	}

	id, _, err := b.findContainer(ctx, runner, name)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoContainer, name)
	}

	if lines <= 0 {
		lines = 100
	}
	res, err := runner.Run(ctx, "docker", "logs", "--tail", strconv.Itoa(lines), id)
	if err != nil {
		return "", fmt.Errorf("docker logs for %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("docker logs for %s exited %d: %s", name, res.ExitCode, res.Stderr)
	}

	// The game writes to stderr inside the container as often as not.
	if res.Stdout == "" {
		return res.Stderr, nil
	}
	return res.Stdout, nil
}

// List inventories every container-hosted descriptor with its status
func (b *Backend) List(ctx context.Context) ([]dispatch.ServerState, error) {
	descs, err := b.registry.All()
	if err != nil {
		return nil, err
	}

	states := make([]dispatch.ServerState, 0, len(descs))
	for i := range descs {
		desc := descs[i]
		if desc.Host == "" {
			continue
		}

		state := dispatch.ServerState{Descriptor: desc, Status: dispatch.StatusStopped}

		runner, err := b.runners.RunnerFor(&desc)
		if err != nil {
			state.Status = dispatch.StatusUnknown
			states = append(states, state)
			continue
		}

		_, running, err := b.findContainer(ctx, runner, desc.Name)
		switch {
		case err != nil:
			state.Status = dispatch.StatusUnknown
		case running:
			state.Status = dispatch.StatusRunning
			state.Running = true
		}
		states = append(states, state)
	}
	return states, nil
}

// IsRunning answers liveness from docker ps
func (b *Backend) IsRunning(ctx context.Context, name string) (bool, error) {
	_, runner, err := b.resolve(name)
	if err != nil {
		return false, err
	}

	_, running, err := b.findContainer(ctx, runner, name)
	if err != nil {
		return false, err
	}
	return running, nil
}

func (b *Backend) resolve(name string) (*config.Descriptor, oscmd.Runner, error) {
	desc, err := b.registry.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	if desc.Host == "" {
		return nil, nil, fmt.Errorf("%w: %s is natively hosted", config.ErrConfigNotFound, name)
	}

	runner, err := b.runners.RunnerFor(desc)
	if err != nil {
		return nil, nil, fmt.Errorf("no runner for host %s: %w", desc.Host, err)
	}
	return desc, runner, nil
}

// findContainer locates the labelled container on the host, returning
// its id and whether it is currently running. An empty id means no
// container carries the label at all.
func (b *Backend) findContainer(ctx context.Context, runner oscmd.Runner, name string) (id string, running bool, err error) {
	filter := fmt.Sprintf("label=%s=%s", serverLabel, name)

	res, err := runner.Run(ctx, "docker", "ps", "-a", "--filter", filter, "--format", "{{.ID}}|{{.State}}")
	if err != nil {
		return "", false, fmt.Errorf("docker ps: %w", err)
	}
	if res.ExitCode != 0 {
		return "", false, fmt.Errorf("docker ps exited %d: %s", res.ExitCode, res.Stderr)
	}

	line := strings.TrimSpace(res.Stdout)
	if line == "" {
		return "", false, nil
	}

	// Keep the first line: two containers with the same label is a
	// provisioning mistake the operator has to resolve.
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		log.Printf("[Container] Multiple containers labelled %s=%s, using the first", serverLabel, name)
		line = line[:idx]
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	id = parts[0]
	if len(parts) == 2 {
		running = strings.EqualFold(strings.TrimSpace(parts[1]), "running")
	}
	return id, running, nil
}

func (b *Backend) containerStartedAt(ctx context.Context, runner oscmd.Runner, id string) (time.Time, error) {
	res, err := runner.Run(ctx, "docker", "inspect", "--format", "{{.State.StartedAt}}", id)
	if err != nil || res.ExitCode != 0 {
		return time.Time{}, fmt.Errorf("docker inspect failed")
	}
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(res.Stdout))
}

// parseDockerStats parses one "12.34%|1.5GiB / 8GiB" stats line
func parseDockerStats(line string) (cpu float64, memBytes int64) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	if len(parts) == 0 {
		return 0, 0
	}

	cpuStr := strings.TrimSuffix(strings.TrimSpace(parts[0]), "%")
	cpu, _ = strconv.ParseFloat(cpuStr, 64)

	if len(parts) == 2 {
		usage := parts[1]
		if idx := strings.Index(usage, "/"); idx >= 0 {
			usage = usage[:idx]
		}
		memBytes = parseMemory(strings.TrimSpace(usage))
	}
	return cpu, memBytes
}

// parseMemory converts docker's human-readable sizes to bytes
func parseMemory(s string) int64 {
	units := []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
		{"GB", 1e9},
		{"MB", 1e6},
		{"kB", 1e3},
		{"B", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil {
				return 0
			}
			return int64(value * u.factor)
		}
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
