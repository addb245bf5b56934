package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/oscmd"
)

type fakeTable struct {
	procs []oscmd.Process
	err   error
}

func (f *fakeTable) Snapshot(ctx context.Context, executable string) ([]oscmd.Process, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.procs, nil
}

type fakeQuerier struct {
	infos map[int]*oscmd.ProcessInfo
}

func (f *fakeQuerier) QueryByPID(ctx context.Context, pid int) (*oscmd.ProcessInfo, error) {
	if info, ok := f.infos[pid]; ok {
		return info, nil
	}
	return nil, oscmd.ErrNoProcess
}

func (f *fakeQuerier) QueryByExecutable(ctx context.Context, executable string) ([]oscmd.ProcessInfo, error) {
	return nil, nil
}

// writeScript drops an executable shell script into dir
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func nativeDescriptor(name, installDir, executable string) config.Descriptor {
	return config.Descriptor{
		Name: name,
		Map:  "TheIsland_WP",
		Ports: config.PortSet{
			Game:  7777,
			Query: 27015,
			RCON:  27020,
		},
		Paths: config.InstallPaths{
			InstallDir: installDir,
			Executable: executable,
		},
		Credentials: config.Credentials{AdminPassword: "hunter2"},
	}
}

func nativeRegistry(t *testing.T, servers ...config.Descriptor) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	if err := config.SaveDescriptors(dir, servers); err != nil {
		t.Fatalf("failed to write servers file: %v", err)
	}
	return config.NewRegistry(dir)
}

func testController(registry *config.Registry, table oscmd.TableReader, query oscmd.Querier, runner oscmd.Runner, logDir string) *Controller {
	lifecycle := config.LifecycleConfig{
		StartGraceSeconds:    0,
		StopGraceSeconds:     5,
		KillEscalateSeconds:  5,
		RestartSettleSeconds: 0,
	}
	return NewController(registry, table, query, runner, lifecycle, logDir)
}

func TestStartAndStop(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	registry := nativeRegistry(t, nativeDescriptor("island", dir, script))
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, filepath.Join(dir, "logs"))

	start, err := ctl.Start(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if start.PID <= 0 {
		t.Fatalf("expected a pid, got %d", start.PID)
	}

	running, err := ctl.IsRunning(context.Background(), "island")
	if err != nil || !running {
		t.Fatalf("expected running=true, got %v, %v", running, err)
	}

	stats, err := ctl.Stats(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.Status != dispatch.StatusRunning || stats.PID != start.PID {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	stop, err := ctl.Stop(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if !stop.Stopped || stop.Forced {
		t.Fatalf("expected graceful stop, got %+v", stop)
	}

	running, err = ctl.IsRunning(context.Background(), "island")
	if err != nil || running {
		t.Fatalf("expected running=false after stop, got %v, %v", running, err)
	}
}

func TestStartFailsWhenProcessDiesInGraceWindow(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "exit 1")
	registry := nativeRegistry(t, nativeDescriptor("island", dir, script))

	lifecycle := config.LifecycleConfig{
		StartGraceSeconds:   2,
		StopGraceSeconds:    5,
		KillEscalateSeconds: 5,
	}
	ctl := NewController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, lifecycle, filepath.Join(dir, "logs"))

	_, err := ctl.Start(context.Background(), "island")
	if !errors.Is(err, ErrStartFailure) {
		t.Fatalf("expected ErrStartFailure, got %v", err)
	}

	stats, err := ctl.Stats(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.Status != dispatch.StatusStopped {
		t.Fatalf("expected stopped after failed start, got %s", stats.Status)
	}
}

func TestStartUnknownServer(t *testing.T) {
	dir := t.TempDir()
	registry := nativeRegistry(t)
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, dir)

	_, err := ctl.Start(context.Background(), "nope")
	if !errors.Is(err, config.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestContainerHostedServerIsNotNative(t *testing.T) {
	dir := t.TempDir()
	desc := nativeDescriptor("island", dir, filepath.Join(dir, "missing"))
	desc.Host = "docker-host-1"
	desc.Connection = config.ConnectionConfig{Username: "ark", AuthMethod: "password"}
	registry := nativeRegistry(t, desc)
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, dir)

	_, err := ctl.Start(context.Background(), "island")
	if !errors.Is(err, config.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound for container-hosted server, got %v", err)
	}
}

func TestStartMissingExecutable(t *testing.T) {
	dir := t.TempDir()
	registry := nativeRegistry(t, nativeDescriptor("island", dir, filepath.Join(dir, "missing.sh")))
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, dir)

	_, err := ctl.Start(context.Background(), "island")
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("expected ErrPathNotFound, got %v", err)
	}
}

func TestStopWhenNotRunningIsSoft(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	registry := nativeRegistry(t, nativeDescriptor("island", dir, script))
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, dir)

	stop, err := ctl.Stop(context.Background(), "island")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop.Stopped {
		t.Fatalf("expected soft stop result, got %+v", stop)
	}
}

func TestStopUnownedProcess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	registry := nativeRegistry(t, nativeDescriptor("island", dir, script))

	table := &fakeTable{procs: []oscmd.Process{
		{PID: 9001, Executable: "ArkAscendedServer.sh", CommandLine: "ArkAscendedServer.sh TheIsland_WP?listen?SessionName=island?Port=7777?QueryPort=27015"},
	}}
	runner := &oscmd.MockRunner{
		Handlers: map[string]func(string) (*oscmd.Result, error){
			"kill -TERM 9001": func(string) (*oscmd.Result, error) {
				return &oscmd.Result{ExitCode: 0}, nil
			},
		},
	}
	// The pid is never found by the querier, so it reads as gone
	// immediately after the TERM.
	ctl := testController(registry, table, &fakeQuerier{}, runner, dir)

	stop, err := ctl.Stop(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if !stop.Stopped || stop.Forced || stop.PID != 9001 {
		t.Fatalf("unexpected stop result: %+v", stop)
	}

	found := false
	for _, call := range runner.Calls {
		if call == "kill -TERM 9001" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected kill -TERM to be issued, calls: %v", runner.Calls)
	}
}

func TestStatsDegradeToUnknown(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	registry := nativeRegistry(t, nativeDescriptor("island", dir, script))
	table := &fakeTable{err: fmt.Errorf("ps unavailable")}
	ctl := testController(registry, table, &fakeQuerier{}, &oscmd.MockRunner{}, dir)

	stats, err := ctl.Stats(context.Background(), "island")
	if err != nil {
		t.Fatalf("stats must not error on probe failure: %v", err)
	}
	if stats.Status != dispatch.StatusUnknown {
		t.Fatalf("expected unknown status, got %s", stats.Status)
	}
}

func TestLogsPreferGameLog(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	desc := nativeDescriptor("island", dir, script)
	registry := nativeRegistry(t, desc)
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, filepath.Join(dir, "daemon-logs"))

	logDir := filepath.Join(desc.SavedDir(), "Logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		t.Fatalf("failed to create log dir: %v", err)
	}
	content := "line1\nline2\nline3\n"
	if err := os.WriteFile(filepath.Join(logDir, "ShooterGame.log"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	out, err := ctl.Logs(context.Background(), "island", 2)
	if err != nil {
		t.Fatalf("failed to read logs: %v", err)
	}
	if out != "line2\nline3" {
		t.Fatalf("unexpected tail: %q", out)
	}
}

func TestListSkipsContainerHosted(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	local := nativeDescriptor("island", dir, script)
	remote := nativeDescriptor("center", dir, script)
	remote.Host = "docker-host-1"
	remote.Connection = config.ConnectionConfig{Username: "ark", AuthMethod: "password"}
	registry := nativeRegistry(t, local, remote)
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, dir)

	states, err := ctl.List(context.Background())
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(states) != 1 || states[0].Descriptor.Name != "island" {
		t.Fatalf("expected only the native server, got %+v", states)
	}
	if states[0].Status != dispatch.StatusStopped {
		t.Fatalf("expected stopped, got %s", states[0].Status)
	}
}

func TestRestartSpawnsNewProcess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	registry := nativeRegistry(t, nativeDescriptor("island", dir, script))
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, filepath.Join(dir, "logs"))

	first, err := ctl.Start(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	second, err := ctl.Restart(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to restart: %v", err)
	}
	if second.PID == first.PID {
		t.Fatalf("expected a new pid after restart")
	}

	if _, err := ctl.Stop(context.Background(), "island"); err != nil {
		t.Fatalf("cleanup stop failed: %v", err)
	}
}

func TestTailLines(t *testing.T) {
	if got := tailLines("a\nb\nc\n", 2); got != "b\nc" {
		t.Fatalf("unexpected tail: %q", got)
	}
	if got := tailLines("a\nb", 10); got != "a\nb" {
		t.Fatalf("unexpected tail: %q", got)
	}
	if got := tailLines("", 5); got != "" {
		t.Fatalf("expected empty tail, got %q", got)
	}
}

func TestStatsReportsUptime(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ArkAscendedServer.sh", "sleep 30")
	registry := nativeRegistry(t, nativeDescriptor("island", dir, script))
	ctl := testController(registry, &fakeTable{}, &fakeQuerier{}, &oscmd.MockRunner{}, filepath.Join(dir, "logs"))

	start, err := ctl.Start(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctl.Stop(context.Background(), "island")

	time.Sleep(50 * time.Millisecond)

	stats, err := ctl.Stats(context.Background(), "island")
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.PID != start.PID || stats.StartedAt.IsZero() {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
