package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arkvisor/arkvisor/internal/backup"
	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/events"
	"github.com/arkvisor/arkvisor/internal/idle"
	"github.com/arkvisor/arkvisor/internal/logging"
	"github.com/arkvisor/arkvisor/internal/rcon"
	"github.com/arkvisor/arkvisor/internal/sched"
)

// Lifecycle is the dispatcher surface the handlers drive.
type Lifecycle interface {
	Start(ctx context.Context, name string) (*dispatch.StartResult, error)
	Stop(ctx context.Context, name string) (*dispatch.StopResult, error)
	Restart(ctx context.Context, name string) (*dispatch.StartResult, error)
	Stats(ctx context.Context, name string) (*dispatch.Stats, error)
	Logs(ctx context.Context, name string, lines int) (string, error)
	List(ctx context.Context) ([]dispatch.ServerState, error)
	IsRunning(ctx context.Context, name string) (bool, error)
}

// CommandChannel is the RCON surface the handlers drive.
type CommandChannel interface {
	Send(ctx context.Context, serverName, command string) (*rcon.Response, error)
	SaveWorld(ctx context.Context, serverName string) error
	Broadcast(ctx context.Context, serverName, message string) error
	ListPlayers(ctx context.Context, serverName string) ([]rcon.Player, error)
}

// BackupRunner creates world backups on demand.
type BackupRunner interface {
	CreateBackup(name string) (*backup.Result, error)
}

// TaskLister exposes the schedule runner's bookkeeping.
type TaskLister interface {
	Tasks() map[string][]sched.TaskStatus
}

// ServerHandler handles server lifecycle and command requests
type ServerHandler struct {
	config     *config.Config
	registry   *config.Registry
	dispatcher Lifecycle
	channel    CommandChannel
	idle       *idle.Controller
	backups    BackupRunner
	schedules  TaskLister
	activity   *logging.ActivityLogger
	bus        *events.Bus
	pendingOps sync.WaitGroup
}

// NewServerHandler creates a new server handler
func NewServerHandler(
	cfg *config.Config,
	registry *config.Registry,
	dispatcher Lifecycle,
	channel CommandChannel,
	idleController *idle.Controller,
	backups BackupRunner,
	schedules TaskLister,
	activity *logging.ActivityLogger,
	bus *events.Bus,
) *ServerHandler {
	return &ServerHandler{
		config:     cfg,
		registry:   registry,
		dispatcher: dispatcher,
		channel:    channel,
		idle:       idleController,
		backups:    backups,
		schedules:  schedules,
		activity:   activity,
		bus:        bus,
	}
}

// WaitForCompletion waits for all pending background operations to finish
func (h *ServerHandler) WaitForCompletion() {
	h.pendingOps.Wait()
}

// resolve looks the server up in the registry, answering 404 itself
// when the name is unknown.
func (h *ServerHandler) resolve(c *gin.Context) (*config.Descriptor, bool) {
	name := c.Param("name")
	desc, err := h.registry.Resolve(name)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Server not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return desc, true
}

// ListServers returns the merged inventory with statuses
func (h *ServerHandler) ListServers(c *gin.Context) {
	states, err := h.dispatcher.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"servers": states, "count": len(states)})
}

// GetServerStatus returns live stats for one server
func (h *ServerHandler) GetServerStatus(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	stats, err := h.dispatcher.Stats(c.Request.Context(), desc.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// StartServer starts a game server
func (h *ServerHandler) StartServer(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}
	name := desc.Name

	h.pendingOps.Add(1)
	go func() {
		defer h.pendingOps.Done()
		result, err := h.dispatcher.Start(context.Background(), name)
		if err != nil {
			log.Printf("[API] Failed to start server %s: %v", name, err)
			h.activity.LogServerStart(name, 0, false, err.Error())
			return
		}
		log.Printf("[API] Server %s started (pid %d)", name, result.PID)
		h.activity.LogServerStart(name, result.PID, true, "")
		h.idle.OnServerStart(name)
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Server start initiated", "server": name, "status": "starting"})
}

// StopServer stops a game server
func (h *ServerHandler) StopServer(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}
	name := desc.Name

	h.pendingOps.Add(1)
	go func() {
		defer h.pendingOps.Done()
		result, err := h.dispatcher.Stop(context.Background(), name)
		if err != nil {
			log.Printf("[API] Failed to stop server %s: %v", name, err)
			h.activity.LogServerStop(name, false, false, err.Error())
			return
		}
		log.Printf("[API] Server %s stop finished (stopped=%v forced=%v)", name, result.Stopped, result.Forced)
		h.activity.LogServerStop(name, result.Stopped, true, "")
		h.idle.OnServerStop(name)
		h.bus.Publish(events.Notification{
			Kind:       events.KindServerStopped,
			ServerName: name,
			Fields:     map[string]interface{}{"forced": result.Forced},
		})
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Server stop initiated", "server": name, "status": "stopping"})
}

// RestartServer restarts a game server
func (h *ServerHandler) RestartServer(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}
	name := desc.Name

	h.pendingOps.Add(1)
	go func() {
		defer h.pendingOps.Done()
		result, err := h.dispatcher.Restart(context.Background(), name)
		if err != nil {
			log.Printf("[API] Failed to restart server %s: %v", name, err)
			h.activity.LogServerRestart(name, false, err.Error())
			return
		}
		log.Printf("[API] Server %s restarted (pid %d)", name, result.PID)
		h.activity.LogServerRestart(name, true, "")
		h.idle.OnServerStart(name)
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Server restart initiated", "server": name, "status": "restarting"})
}

// IsRunning reports whether the server process or container is up
func (h *ServerHandler) IsRunning(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	running, err := h.dispatcher.IsRunning(c.Request.Context(), desc.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"server": desc.Name, "running": running})
}

// GetLogs returns the tail of the server log
func (h *ServerHandler) GetLogs(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	tail := 100
	if raw := c.Query("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a positive integer"})
			return
		}
		tail = parsed
	}

	logs, err := h.dispatcher.Logs(c.Request.Context(), desc.Name, tail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"server": desc.Name, "logs": logs, "tail": tail})
}

// ExecuteCommand passes an admin command through to the server console
func (h *ServerHandler) ExecuteCommand(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	resp, err := h.channel.Send(c.Request.Context(), desc.Name, req.Command)
	classification := string(rcon.Classify(req.Command))
	if err != nil {
		h.activity.LogCommandExecute(desc.Name, req.Command, classification, false, "", err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "classification": classification})
		return
	}

	h.activity.LogCommandExecute(desc.Name, req.Command, string(resp.Classification), true, resp.Raw, "")
	h.bus.Publish(events.Notification{
		Kind:       events.KindCommandExecuted,
		ServerName: desc.Name,
		Message:    req.Command,
		Fields:     map[string]interface{}{"classification": string(resp.Classification)},
	})

	c.JSON(http.StatusOK, gin.H{
		"server":         desc.Name,
		"response":       resp.Raw,
		"classification": string(resp.Classification),
	})
}

// SaveWorld forces a world save
func (h *ServerHandler) SaveWorld(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	if err := h.channel.SaveWorld(c.Request.Context(), desc.Name); err != nil {
		h.activity.LogCommandExecute(desc.Name, "SaveWorld", string(rcon.ClassSaveWorld), false, "", err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	h.activity.LogCommandExecute(desc.Name, "SaveWorld", string(rcon.ClassSaveWorld), true, "", "")
	c.JSON(http.StatusOK, gin.H{"server": desc.Name, "saved": true})
}

// Broadcast sends a chat message to everyone on the server
func (h *ServerHandler) Broadcast(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	if err := h.channel.Broadcast(c.Request.Context(), desc.Name, req.Message); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"server": desc.Name, "sent": true})
}

// GetPlayers lists the players currently connected
func (h *ServerHandler) GetPlayers(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	players, err := h.channel.ListPlayers(c.Request.Context(), desc.Name)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(players))
	for _, p := range players {
		out = append(out, gin.H{"name": p.Name, "steam_id": p.SteamID})
	}

	c.JSON(http.StatusOK, gin.H{"server": desc.Name, "players": out, "count": len(out)})
}

// GetIdle returns the server's idle-shutdown configuration and state
func (h *ServerHandler) GetIdle(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	resp := gin.H{
		"server":             desc.Name,
		"config":             desc.AutoShutdown,
		"controller_enabled": h.idle.Enabled(),
	}
	if deadline, armed := h.idle.ArmedServers()[desc.Name]; armed {
		resp["armed"] = true
		resp["shutdown_at"] = deadline
	} else {
		resp["armed"] = false
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateIdle replaces the server's idle-shutdown configuration. A
// change takes effect the next time the timer arms; a timer already
// running keeps the settings it armed with.
func (h *ServerHandler) UpdateIdle(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	var req config.AutoShutdown
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Enabled && req.TimeoutMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_minutes must be positive when enabled"})
		return
	}
	for _, m := range req.WarningIntervals {
		if m < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "warning_intervals must not be negative"})
			return
		}
	}

	if err := h.registry.UpdateAutoShutdown(desc.Name, req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"server": desc.Name, "config": req})
}

// CreateBackup archives the server's saved worlds
func (h *ServerHandler) CreateBackup(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}
	name := desc.Name

	h.pendingOps.Add(1)
	go func() {
		defer h.pendingOps.Done()
		result, err := h.backups.CreateBackup(name)
		if err != nil {
			log.Printf("[API] Backup of server %s failed: %v", name, err)
			return
		}
		log.Printf("[API] Backup of server %s complete (%s, %d bytes)", name, result.Filename, result.SizeBytes)
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Backup started", "server": name})
}

// GetServerActivity returns the server's recent activity log entries
// plus per-classification command counts for the last 24 hours.
func (h *ServerHandler) GetServerActivity(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	activities, err := h.activity.GetServerActivities(desc.Name, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.activity.GetCommandStats(desc.Name, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Printf("[API] Failed to load command stats for %s: %v", desc.Name, err)
		stats = map[string]int{}
	}

	c.JSON(http.StatusOK, gin.H{
		"server":        desc.Name,
		"activities":    activities,
		"command_stats": stats,
	})
}

// GetServerTasks returns the scheduled tasks known for this server
func (h *ServerHandler) GetServerTasks(c *gin.Context) {
	desc, ok := h.resolve(c)
	if !ok {
		return
	}

	tasks := h.schedules.Tasks()[desc.Name]
	if tasks == nil {
		tasks = []sched.TaskStatus{}
	}

	c.JSON(http.StatusOK, gin.H{"server": desc.Name, "tasks": tasks})
}
