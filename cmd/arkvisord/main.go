package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arkvisor/arkvisor/internal/api"
	"github.com/arkvisor/arkvisor/internal/backup"
	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/container"
	"github.com/arkvisor/arkvisor/internal/database"
	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/events"
	"github.com/arkvisor/arkvisor/internal/idle"
	"github.com/arkvisor/arkvisor/internal/logging"
	"github.com/arkvisor/arkvisor/internal/native"
	"github.com/arkvisor/arkvisor/internal/oscmd"
	"github.com/arkvisor/arkvisor/internal/rcon"
	"github.com/arkvisor/arkvisor/internal/sched"
	"github.com/arkvisor/arkvisor/internal/ssh"
	"github.com/arkvisor/arkvisor/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logging.Close()

	// Check if running migrations
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(cfg)
		return
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Run migrations automatically
	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed successfully")

	// Initialize activity logger
	activityDir := filepath.Join(cfg.Storage.DataDir, "logs", "activity")
	activityLogger, err := logging.NewActivityLogger(db.DB, activityDir)
	if err != nil {
		log.Fatalf("Failed to initialize activity logger: %v", err)
	}
	defer activityLogger.Close()

	// Initialize server registry
	registry := config.NewRegistry(cfg.Storage.ConfigDir)

	// Initialize SSH connection pool and per-host runners
	log.Println("Initializing SSH connection pool...")
	sshPool := ssh.NewPool()
	defer sshPool.Stop()
	runners := oscmd.NewHostProvider(sshPool, cfg.Security.SSH)

	// Initialize lifecycle backends
	localRunner := oscmd.NewLocalRunner()
	nativeController := native.NewController(
		registry,
		oscmd.NewPSTableReader(localRunner),
		oscmd.NewPSQuerier(localRunner),
		localRunner,
		cfg.Lifecycle,
		cfg.Storage.LogDir,
	)
	containerBackend := container.NewBackend(registry, runners, cfg.Lifecycle)
	dispatcher := dispatch.NewDispatcher(nativeController, containerBackend, activityLogger)

	// Initialize RCON command channel
	rconClient := rcon.NewClient(registry, cfg.Rcon)
	defer rconClient.Close()

	// Initialize notification bus and WebSocket hub
	log.Println("Initializing WebSocket hub...")
	bus := events.NewBus()
	defer bus.Close()
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, bus.Subscribe(64))

	// Initialize backup manager
	stagingDir := filepath.Join(cfg.Storage.DataDir, "backup-staging")
	backupManager := backup.NewManager(registry, cfg.Security.SSH, stagingDir, cfg.Storage.BackupDir, activityLogger, bus)

	// Initialize idle-shutdown controller and its collaborators
	idleController := idle.NewController(registry, rconClient, bus, activityLogger, nil, cfg.Idle.Enabled)
	presence := idle.NewWatcher(registry, dispatcher, rconClient, idleController, 0)
	go presence.Start(ctx)
	consumer := idle.NewShutdownConsumer(registry, dispatcher, backupManager)
	go consumer.Run(ctx, bus.Subscribe(16))

	// Start schedule runner
	scheduleRunner := sched.NewRunner(registry, rconClient, dispatcher, backupManager, activityLogger)
	go scheduleRunner.Start(ctx)

	log.Println("All components initialized successfully")

	// Set up HTTP server
	router, shutdownOps := api.SetupRouter(cfg, registry, dispatcher, rconClient, idleController, backupManager, scheduleRunner, activityLogger, bus, hub)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on %s", server.Addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop background loops before tearing down their collaborators
	cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Wait for background operations
	shutdownOps()

	// Stop SSH pool
	log.Println("Closing SSH connections...")
	sshPool.Stop()

	log.Println("Server exited")
}

func setupLogging(cfg *config.Config) error {
	if cfg != nil && strings.TrimSpace(cfg.Logging.File) == "" {
		dataDir := cfg.Storage.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		cfg.Logging.File = filepath.Join(dataDir, "logs", "arkvisord.log")
	}
	if cfg != nil && strings.TrimSpace(cfg.Logging.File) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			return err
		}
	}
	logging.Init(cfg.Logging)
	return nil
}

func runMigrations(cfg *config.Config) {
	log.Println("Running database migrations...")

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("Migrations completed successfully")
}
