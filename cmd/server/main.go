package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/browserpilot/backend/internal/api"
	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/auth"
	"github.com/browserpilot/backend/internal/bridge"
	"github.com/browserpilot/backend/internal/config"
	"github.com/browserpilot/backend/internal/database"
	"github.com/browserpilot/backend/internal/health"
	"github.com/browserpilot/backend/internal/locks"
	"github.com/browserpilot/backend/internal/logger"
	"github.com/browserpilot/backend/internal/permissions"
	"github.com/browserpilot/backend/internal/scheduler"
	"github.com/browserpilot/backend/internal/session"
	"github.com/browserpilot/backend/internal/store"
	"github.com/browserpilot/backend/internal/websocket"
	"github.com/browserpilot/backend/internal/workflow"
)

func main() {
	// Not an error in production; env vars are set directly there.
	godotenv.Load()

	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}

	cfg := config.Load()

	logger.Init(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty || env == "development",
	})
	log := logger.Get()
	log.Info().Str("env", env).Msg("starting browserpilot backend")

	if env == "development" {
		// Identity normally arrives from the upstream gateway; mint a local
		// token so the API is usable without one.
		devUser := uuid.New()
		if token, _, err := auth.NewTokenService(cfg.JWTSecret).GenerateAccessToken(devUser); err == nil {
			log.Info().
				Str("user_id", devUser.String()).
				Str("token", token).
				Msg("development access token")
		}
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	redisClient := database.ConnectRedis(cfg.RedisURL)

	// Stores
	sessionStore := store.NewGormSessionStore(db)
	permissionStore := store.NewGormPermissionStore(db)
	taskStore := store.NewGormTaskStore(db)
	workflowStore := store.NewGormWorkflowStore(db)
	confirmationStore := store.NewRedisConfirmationStore(redisClient)

	// Infrastructure
	lockManager := locks.NewLockManager(redisClient)
	relay := bridge.NewRelayClient(cfg.BridgeRelayURL, cfg.BridgeAuthToken)
	hub := websocket.NewHub()
	go hub.Run()

	auditLogger := audit.NewLogger(db)
	defer auditLogger.Stop()

	// Domain components
	guard := permissions.NewGuard(permissionStore, confirmationStore, *log)
	sessions := session.NewManager(sessionStore, relay, lockManager, *log)
	runner := workflow.NewRunner(workflowStore, sessions, *log)
	recorder := workflow.NewRecorder(workflowStore, *log)
	sessions.SetRecorder(recorder)

	sched := scheduler.New(taskStore, sessions, runner, *log)
	if cfg.SchedulerEnabled {
		poller := scheduler.NewPoller(sched, hub, *log)
		if err := poller.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start task poller")
		}
		defer poller.Stop()
	}

	checker := health.NewChecker(db, redisClient, relay)
	checker.SetReady(true)

	server := api.NewServer(cfg, api.Components{
		DB:        db,
		Redis:     redisClient,
		Hub:       hub,
		Guard:     guard,
		Sessions:  sessions,
		Scheduler: sched,
		Runner:    runner,
		Recorder:  recorder,
		Audit:     auditLogger,
		Health:    checker,
	})

	log.Info().Str("port", cfg.Port).Msg("listening")
	if err := server.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
