// Package native runs game servers as locally spawned OS processes and
// owns their start/stop/restart state machine. Servers whose descriptor
// names a container host are not managed here; lookups for them answer
// config.ErrConfigNotFound so the dispatcher falls through.
package native

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/oscmd"
	"github.com/arkvisor/arkvisor/internal/procmatch"
)

var (
	// ErrPathNotFound is returned when a descriptor's executable or
	// install directory does not exist.
	ErrPathNotFound = errors.New("server path not found")

	// ErrStartFailure is returned when a spawned process dies before
	// the startup grace window elapses.
	ErrStartFailure = errors.New("server exited during startup")
)

// Controller implements the lifecycle contract for native processes
type Controller struct {
	registry *config.Registry
	table    oscmd.TableReader
	query    oscmd.Querier
	runner   oscmd.Runner
	logDir   string

	startGrace    time.Duration
	stopGrace     time.Duration
	killEscalate  time.Duration
	restartSettle time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handles map[string]*handle
	phases  map[string]dispatch.Status
}

// handle tracks one spawned process. done closes when the process is
// reaped; owned handles are the only ones signalled directly.
type handle struct {
	pid       int
	startedAt time.Time
	owned     bool
	process   *os.Process
	done      chan struct{}
}

func (h *handle) alive() bool {
	if h == nil || h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// NewController creates a process controller. logDir receives the
// captured stdout/stderr of spawned servers, one file per server name.
func NewController(registry *config.Registry, table oscmd.TableReader, query oscmd.Querier, runner oscmd.Runner, lifecycle config.LifecycleConfig, logDir string) *Controller {
	return &Controller{
		registry:      registry,
		table:         table,
		query:         query,
		runner:        runner,
		logDir:        logDir,
		startGrace:    time.Duration(lifecycle.StartGraceSeconds) * time.Second,
		stopGrace:     time.Duration(lifecycle.StopGraceSeconds) * time.Second,
		killEscalate:  time.Duration(lifecycle.KillEscalateSeconds) * time.Second,
		restartSettle: time.Duration(lifecycle.RestartSettleSeconds) * time.Second,
		locks:         make(map[string]*sync.Mutex),
		handles:       make(map[string]*handle),
		phases:        make(map[string]dispatch.Status),
	}
}

// Name identifies this backend in logs and activity records
func (c *Controller) Name() string {
	return "native"
}

// Start launches the named server. An already-running instance is
// stopped first so two processes never contend for the same ports.
func (c *Controller) Start(ctx context.Context, name string) (*dispatch.StartResult, error) {
	lock := c.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	return c.startLocked(ctx, name)
}

// Stop terminates the named server: gracefully first, forcefully after
// the grace window. Stopping a server that is not running returns
// {Stopped: false} with no error.
func (c *Controller) Stop(ctx context.Context, name string) (*dispatch.StopResult, error) {
	lock := c.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	desc, err := c.resolveNative(name)
	if err != nil {
		return nil, err
	}
	return c.stopLocked(ctx, desc)
}

// Restart stops then starts the server. A failed stop is logged and
// does not prevent the start attempt.
func (c *Controller) Restart(ctx context.Context, name string) (*dispatch.StartResult, error) {
	lock := c.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	desc, err := c.resolveNative(name)
	if err != nil {
		return nil, err
	}

	if _, err := c.stopLocked(ctx, desc); err != nil {
		log.Printf("[Native] Restart of %s: stop failed: %v (continuing)", name, err)
	}
	c.settle(ctx, c.restartSettle)

	return c.startLocked(ctx, name)
}

func (c *Controller) startLocked(ctx context.Context, name string) (*dispatch.StartResult, error) {
	desc, err := c.resolveNative(name)
	if err != nil {
		return nil, err
	}

	if err := checkPaths(desc); err != nil {
		return nil, err
	}

	pid, running, err := c.findLive(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("cannot verify %s is stopped: %w", name, err)
	}
	if running {
		log.Printf("[Native] %s is already running (pid %d), stopping it before start", name, pid)
		if _, err := c.stopLocked(ctx, desc); err != nil {
			return nil, fmt.Errorf("failed to stop running instance: %w", err)
		}
		// Let the old listeners release their ports.
		c.settle(ctx, c.restartSettle)
	}

	return c.spawn(ctx, desc)
}

func (c *Controller) spawn(ctx context.Context, desc *config.Descriptor) (*dispatch.StartResult, error) {
	name := desc.Name
	args := launchArgs(desc)

	logFile, err := c.openServerLog(name)
	if err != nil {
		return nil, err
	}

	// Plain Command, not CommandContext: the server must outlive the
	// request that started it. Setsid detaches it from our group so
	// daemon signals never propagate to game servers.
	cmd := exec.Command(desc.Paths.Executable, args...)
	cmd.Dir = desc.Paths.InstallDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to spawn %s: %w", desc.Paths.Executable, err)
	}

	h := &handle{
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		owned:     true,
		process:   cmd.Process,
		done:      make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		logFile.Close()
		close(h.done)
	}()

	c.setHandle(name, h)
	c.setPhase(name, dispatch.StatusStarting)
	log.Printf("[Native] Spawned %s (pid %d), waiting %s grace window", name, h.pid, c.startGrace)

	select {
	case <-h.done:
		c.clearHandle(name, h)
		c.setPhase(name, dispatch.StatusStopped)
		return nil, fmt.Errorf("%w: pid %d died after %s", ErrStartFailure, h.pid, time.Since(h.startedAt).Round(time.Millisecond))

	case <-ctx.Done():
		// The caller gave up mid-start; do not leave a half-tracked
		// process behind.
		h.process.Kill()
		c.clearHandle(name, h)
		c.setPhase(name, dispatch.StatusStopped)
		return nil, ctx.Err()

	case <-time.After(c.startGrace):
	}

	c.setPhase(name, dispatch.StatusRunning)
	log.Printf("[Native] Server %s started (pid %d)", name, h.pid)
	return &dispatch.StartResult{PID: h.pid}, nil
}

func (c *Controller) stopLocked(ctx context.Context, desc *config.Descriptor) (*dispatch.StopResult, error) {
	name := desc.Name

	if h := c.handle(name); h != nil {
		if h.alive() {
			return c.stopOwned(ctx, name, h)
		}
		c.clearHandle(name, h)
	}

	// No live owned handle; fall back to identity matching against the
	// process table.
	procs, err := c.table.Snapshot(ctx, filepath.Base(desc.Paths.Executable))
	if err != nil {
		return nil, fmt.Errorf("process table unavailable: %w", err)
	}

	pid, err := procmatch.Identify(desc, procs)
	if errors.Is(err, procmatch.ErrNoMatch) {
		return &dispatch.StopResult{Stopped: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return c.stopUnowned(ctx, name, pid)
}

func (c *Controller) stopOwned(ctx context.Context, name string, h *handle) (*dispatch.StopResult, error) {
	c.setPhase(name, dispatch.StatusStopping)
	log.Printf("[Native] Stopping %s (pid %d)", name, h.pid)

	if err := h.process.Signal(syscall.SIGTERM); err != nil {
		// Exited between the liveness check and the signal.
		c.clearHandle(name, h)
		c.setPhase(name, dispatch.StatusStopped)
		return &dispatch.StopResult{Stopped: false}, nil
	}

	select {
	case <-h.done:
		c.clearHandle(name, h)
		c.setPhase(name, dispatch.StatusStopped)
		log.Printf("[Native] Server %s stopped", name)
		return &dispatch.StopResult{Stopped: true, PID: h.pid}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.stopGrace):
	}

	log.Printf("[Native] %s did not exit within %s, sending SIGKILL", name, c.stopGrace)
	h.process.Kill()

	select {
	case <-h.done:
		c.clearHandle(name, h)
		c.setPhase(name, dispatch.StatusStopped)
		return &dispatch.StopResult{Stopped: true, Forced: true, PID: h.pid}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.killEscalate):
		return nil, fmt.Errorf("pid %d survived forced termination", h.pid)
	}
}

func (c *Controller) stopUnowned(ctx context.Context, name string, pid int) (*dispatch.StopResult, error) {
	c.setPhase(name, dispatch.StatusStopping)
	log.Printf("[Native] Stopping unowned process for %s (pid %d)", name, pid)

	res, err := c.runner.Run(ctx, "kill", "-TERM", strconv.Itoa(pid))
	if err != nil {
		return nil, fmt.Errorf("kill failed: %w", err)
	}
	if res.ExitCode != 0 {
		// The pid vanished between identification and the kill.
		c.setPhase(name, dispatch.StatusStopped)
		return &dispatch.StopResult{Stopped: false}, nil
	}

	if c.waitGone(ctx, pid, c.stopGrace) {
		c.setPhase(name, dispatch.StatusStopped)
		log.Printf("[Native] Server %s stopped", name)
		return &dispatch.StopResult{Stopped: true, PID: pid}, nil
	}

	log.Printf("[Native] pid %d survived SIGTERM, sending SIGKILL", pid)
	if _, err := c.runner.Run(ctx, "kill", "-KILL", strconv.Itoa(pid)); err != nil {
		return nil, fmt.Errorf("forced kill failed: %w", err)
	}

	if c.waitGone(ctx, pid, c.killEscalate) {
		c.setPhase(name, dispatch.StatusStopped)
		return &dispatch.StopResult{Stopped: true, Forced: true, PID: pid}, nil
	}
	return nil, fmt.Errorf("pid %d survived forced termination", pid)
}

// waitGone polls until the pid disappears from the process table or the
// window elapses.
func (c *Controller) waitGone(ctx context.Context, pid int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if _, err := c.query.QueryByPID(ctx, pid); errors.Is(err, oscmd.ErrNoProcess) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}

// findLive reports the pid of a live process for the descriptor, owned
// or inferred. An ambiguous match is an error: starting over an
// unidentifiable set of processes risks orphaning one of them.
func (c *Controller) findLive(ctx context.Context, desc *config.Descriptor) (int, bool, error) {
	if h := c.handle(desc.Name); h.alive() {
		return h.pid, true, nil
	}

	procs, err := c.table.Snapshot(ctx, filepath.Base(desc.Paths.Executable))
	if err != nil {
		return 0, false, fmt.Errorf("process table unavailable: %w", err)
	}

	pid, err := procmatch.Identify(desc, procs)
	if errors.Is(err, procmatch.ErrNoMatch) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

func (c *Controller) resolveNative(name string) (*config.Descriptor, error) {
	desc, err := c.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	if desc.Host != "" {
		return nil, fmt.Errorf("%w: %s is container-hosted", config.ErrConfigNotFound, name)
	}
	return desc, nil
}

func (c *Controller) openServerLog(name string) (*os.File, error) {
	if err := os.MkdirAll(c.logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create server log directory: %w", err)
	}
	path := filepath.Join(c.logDir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open server log: %w", err)
	}
	return f, nil
}

// settle waits out a fixed delay, cut short only by ctx
func (c *Controller) settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// opLock returns the per-name mutex serializing the full start/stop/
// restart sequence for one server.
func (c *Controller) opLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.locks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.locks[name] = l
	return l
}

func (c *Controller) handle(name string) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[name]
}

func (c *Controller) setHandle(name string, h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[name] = h
}

// clearHandle removes h if it is still the recorded handle for name
func (c *Controller) clearHandle(name string, h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.handles[name]; ok && current == h {
		delete(c.handles, name)
	}
}

func (c *Controller) phase(name string) dispatch.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phases[name]; ok {
		return p
	}
	return dispatch.StatusStopped
}

func (c *Controller) setPhase(name string, p dispatch.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phases[name] = p
}
