package handlers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/arkvisor/arkvisor/internal/backup"
	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/database"
	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/events"
	"github.com/arkvisor/arkvisor/internal/idle"
	"github.com/arkvisor/arkvisor/internal/logging"
	"github.com/arkvisor/arkvisor/internal/rcon"
	"github.com/arkvisor/arkvisor/internal/sched"
)

// fakeLifecycle implements Lifecycle for testing
type fakeLifecycle struct {
	running  map[string]bool
	startErr error
	stopErr  error
	logs     string
	started  []string
	stopped  []string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{running: make(map[string]bool)}
}

func (f *fakeLifecycle) Start(ctx context.Context, name string) (*dispatch.StartResult, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.running[name] = true
	f.started = append(f.started, name)
	return &dispatch.StartResult{PID: 4242}, nil
}

func (f *fakeLifecycle) Stop(ctx context.Context, name string) (*dispatch.StopResult, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.running[name] = false
	f.stopped = append(f.stopped, name)
	return &dispatch.StopResult{Stopped: true, PID: 4242}, nil
}

func (f *fakeLifecycle) Restart(ctx context.Context, name string) (*dispatch.StartResult, error) {
	f.running[name] = true
	return &dispatch.StartResult{PID: 4243}, nil
}

func (f *fakeLifecycle) Stats(ctx context.Context, name string) (*dispatch.Stats, error) {
	status := dispatch.StatusStopped
	if f.running[name] {
		status = dispatch.StatusRunning
	}
	return &dispatch.Stats{Name: name, Status: status, PID: 4242}, nil
}

func (f *fakeLifecycle) Logs(ctx context.Context, name string, lines int) (string, error) {
	return f.logs, nil
}

func (f *fakeLifecycle) List(ctx context.Context) ([]dispatch.ServerState, error) {
	states := []dispatch.ServerState{}
	for name, running := range f.running {
		status := dispatch.StatusStopped
		if running {
			status = dispatch.StatusRunning
		}
		states = append(states, dispatch.ServerState{
			Descriptor: config.Descriptor{Name: name},
			Status:     status,
			Running:    running,
		})
	}
	return states, nil
}

func (f *fakeLifecycle) IsRunning(ctx context.Context, name string) (bool, error) {
	return f.running[name], nil
}

// fakeChannel implements CommandChannel for testing
type fakeChannel struct {
	response string
	err      error
	sent     []string
	saves    []string
	messages []string
	players  []rcon.Player
}

func (f *fakeChannel) Send(ctx context.Context, serverName, command string) (*rcon.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, command)
	return &rcon.Response{Raw: f.response, Classification: rcon.Classify(command)}, nil
}

func (f *fakeChannel) SaveWorld(ctx context.Context, serverName string) error {
	if f.err != nil {
		return f.err
	}
	f.saves = append(f.saves, serverName)
	return nil
}

func (f *fakeChannel) Broadcast(ctx context.Context, serverName, message string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeChannel) ListPlayers(ctx context.Context, serverName string) ([]rcon.Player, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.players, nil
}

// fakeBackups implements BackupRunner for testing
type fakeBackups struct {
	created []string
	err     error
}

func (f *fakeBackups) CreateBackup(name string) (*backup.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, name)
	return &backup.Result{Filename: name + "_test.tar.gz", SizeBytes: 1024, Destinations: []string{"local"}}, nil
}

// fakeTasks implements TaskLister for testing
type fakeTasks struct {
	tasks map[string][]sched.TaskStatus
}

func (f *fakeTasks) Tasks() map[string][]sched.TaskStatus {
	if f.tasks == nil {
		return map[string][]sched.TaskStatus{}
	}
	return f.tasks
}

type testEnv struct {
	handler   *ServerHandler
	lifecycle *fakeLifecycle
	channel   *fakeChannel
	backups   *fakeBackups
	registry  *config.Registry
	bus       *events.Bus
}

func setupTestHandler(t *testing.T, servers ...config.Descriptor) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tmpDir := t.TempDir()

	if len(servers) == 0 {
		servers = []config.Descriptor{{
			Name: "island",
			Map:  "TheIsland_WP",
			Ports: config.PortSet{
				Game:  7777,
				Query: 27015,
				RCON:  27020,
			},
			Paths: config.InstallPaths{
				InstallDir: tmpDir,
				Executable: filepath.Join(tmpDir, "ArkAscendedServer.sh"),
			},
			Credentials: config.Credentials{AdminPassword: "hunter2"},
		}}
	}
	if err := config.SaveDescriptors(tmpDir, servers); err != nil {
		t.Fatalf("failed to write servers file: %v", err)
	}
	registry := config.NewRegistry(tmpDir)

	db, err := database.NewDB(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	activity, err := logging.NewActivityLogger(db.DB, filepath.Join(tmpDir, "logs"))
	if err != nil {
		t.Fatalf("failed to create activity logger: %v", err)
	}

	cfg := &config.Config{}
	cfg.Logging.Level = "error"

	lifecycle := newFakeLifecycle()
	channel := &fakeChannel{}
	backups := &fakeBackups{}
	bus := events.NewBus()
	idleController := idle.NewController(registry, channel, bus, activity, nil, true)

	handler := NewServerHandler(cfg, registry, lifecycle, channel, idleController, backups, &fakeTasks{}, activity, bus)

	return &testEnv{
		handler:   handler,
		lifecycle: lifecycle,
		channel:   channel,
		backups:   backups,
		registry:  registry,
		bus:       bus,
	}
}

// testRouter registers the handler on the same paths the real router
// uses, minus auth.
func testRouter(h *ServerHandler) *gin.Engine {
	router := gin.New()
	servers := router.Group("/api/v1/servers")
	{
		servers.GET("", h.ListServers)
		servers.GET(":name/status", h.GetServerStatus)
		servers.POST(":name/start", h.StartServer)
		servers.POST(":name/stop", h.StopServer)
		servers.POST(":name/restart", h.RestartServer)
		servers.GET(":name/running", h.IsRunning)
		servers.GET(":name/logs", h.GetLogs)
		servers.POST(":name/command", h.ExecuteCommand)
		servers.POST(":name/save", h.SaveWorld)
		servers.POST(":name/broadcast", h.Broadcast)
		servers.GET(":name/players", h.GetPlayers)
		servers.GET(":name/idle", h.GetIdle)
		servers.PUT(":name/idle", h.UpdateIdle)
		servers.POST(":name/backup", h.CreateBackup)
		servers.GET(":name/activity", h.GetServerActivity)
		servers.GET(":name/tasks", h.GetServerTasks)
	}
	return router
}
