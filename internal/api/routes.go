// Package api wires the HTTP surface of the daemon: gin router,
// middleware stack, and the handler set.
package api

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arkvisor/arkvisor/internal/api/handlers"
	"github.com/arkvisor/arkvisor/internal/api/middleware"
	"github.com/arkvisor/arkvisor/internal/auth"
	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/events"
	"github.com/arkvisor/arkvisor/internal/idle"
	"github.com/arkvisor/arkvisor/internal/logging"
	"github.com/arkvisor/arkvisor/internal/ws"
)

// SetupRouter configures and returns the HTTP router
func SetupRouter(
	cfg *config.Config,
	registry *config.Registry,
	dispatcher handlers.Lifecycle,
	channel handlers.CommandChannel,
	idleController *idle.Controller,
	backups handlers.BackupRunner,
	schedules handlers.TaskLister,
	activity *logging.ActivityLogger,
	bus *events.Bus,
	hub *ws.Hub,
) (*gin.Engine, func()) {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.Security.CORS))
	router.Use(middleware.RateLimit(cfg.Security.RateLimit.Enabled, cfg.Security.RateLimit.RequestsPerMinute))
	router.Use(middleware.SecurityHeaders())

	tickets := auth.NewTicketManager(cfg.Auth.TicketSecret, parseDuration(cfg.Auth.TicketDuration, 30*time.Second))

	// Initialize handlers
	serverHandler := handlers.NewServerHandler(cfg, registry, dispatcher, channel, idleController, backups, schedules, activity, bus)
	authHandler := handlers.NewAuthHandler(tickets)
	wsHandler := handlers.NewWSHandler(hub, cfg.Security.CORS)

	// Protected routes
	protected := router.Group("/api/v1")
	protected.Use(middleware.APIToken(cfg.Auth.APIToken))
	{
		protected.POST("/auth/ws-ticket", authHandler.MintWSTicket)

		servers := protected.Group("/servers")
		{
			servers.GET("", serverHandler.ListServers)
			servers.GET(":name/status", serverHandler.GetServerStatus)
			servers.POST(":name/start", serverHandler.StartServer)
			servers.POST(":name/stop", serverHandler.StopServer)
			servers.POST(":name/restart", serverHandler.RestartServer)
			servers.GET(":name/running", serverHandler.IsRunning)
			servers.GET(":name/logs", serverHandler.GetLogs)
			servers.POST(":name/command", serverHandler.ExecuteCommand)
			servers.POST(":name/save", serverHandler.SaveWorld)
			servers.POST(":name/broadcast", serverHandler.Broadcast)
			servers.GET(":name/players", serverHandler.GetPlayers)
			servers.GET(":name/idle", serverHandler.GetIdle)
			servers.PUT(":name/idle", serverHandler.UpdateIdle)
			servers.POST(":name/backup", serverHandler.CreateBackup)
			servers.GET(":name/activity", serverHandler.GetServerActivity)
			servers.GET(":name/tasks", serverHandler.GetServerTasks)
		}
	}

	// WebSocket route authenticates with a ticket instead of the token
	wsGroup := router.Group("/api/v1")
	wsGroup.Use(middleware.WSTicket(tickets))
	wsGroup.GET("/ws", wsHandler.HandleWebSocket)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	shutdown := func() {
		log.Println("Waiting for background server operations to complete...")
		serverHandler.WaitForCompletion()
		log.Println("Background operations completed")
	}

	return router, shutdown
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("[API] Invalid duration %q, using %v", raw, fallback)
		return fallback
	}
	return d
}
