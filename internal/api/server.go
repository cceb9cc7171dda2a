// Package api wires the HTTP surface of the control plane.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"github.com/browserpilot/backend/internal/api/handlers"
	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/auth"
	"github.com/browserpilot/backend/internal/config"
	"github.com/browserpilot/backend/internal/health"
	"github.com/browserpilot/backend/internal/logger"
	"github.com/browserpilot/backend/internal/permissions"
	"github.com/browserpilot/backend/internal/scheduler"
	"github.com/browserpilot/backend/internal/session"
	"github.com/browserpilot/backend/internal/websocket"
	"github.com/browserpilot/backend/internal/workflow"
)

type Server struct {
	router *gin.Engine
	config *config.Config
	deps   *handlers.Deps
	tokens *auth.TokenService
	health *health.Checker
	hub    *websocket.Hub
}

type Components struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Hub       *websocket.Hub
	Guard     *permissions.Guard
	Sessions  *session.Manager
	Scheduler *scheduler.Scheduler
	Runner    *workflow.Runner
	Recorder  *workflow.Recorder
	Audit     *audit.Logger
	Health    *health.Checker
}

func NewServer(cfg *config.Config, c Components) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		router: gin.New(),
		config: cfg,
		tokens: auth.NewTokenService(cfg.JWTSecret),
		health: c.Health,
		hub:    c.Hub,
		deps: &handlers.Deps{
			Guard:     c.Guard,
			Sessions:  c.Sessions,
			Scheduler: c.Scheduler,
			Runner:    c.Runner,
			Recorder:  c.Recorder,
			Audit:     c.Audit,
			Hub:       c.Hub,
		},
	}

	limiter := auth.NewRateLimiter(c.Redis)
	server.setupRoutes(limiter)
	return server
}

func (s *Server) setupRoutes(limiter *auth.RateLimiter) {
	s.router.Use(logger.GinMiddleware())
	s.router.Use(logger.GinRecovery())
	s.router.Use(corsMiddleware(s.config.CORSOrigin))

	s.health.RegisterRoutes(s.router)

	// Frontend event stream
	s.router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(s.hub, c.Writer, c.Request, s.config.JWTSecret)
	})

	v1 := s.router.Group("/api/v1")
	v1.Use(auth.Middleware(s.tokens))
	v1.Use(auth.RateLimitMiddleware(limiter, auth.RateLimitDefault))

	// Tighter budget on routes that create or destroy resources.
	write := auth.RateLimitMiddleware(limiter, auth.RateLimitWrite)
	{
		sessions := v1.Group("/sessions")
		{
			h := handlers.NewSessionHandler(s.deps)
			sessions.POST("", write, h.Create)
			sessions.GET("", h.List)
			sessions.GET("/active", h.Active)
			sessions.GET("/:id", h.Get)
			sessions.GET("/:id/state", h.State)
			sessions.POST("/:id/pause", h.Pause)
			sessions.POST("/:id/resume", h.Resume)
			sessions.POST("/:id/end", h.End)
		}

		actions := v1.Group("/actions")
		actions.Use(auth.RateLimitMiddleware(limiter, auth.RateLimitActions))
		{
			h := handlers.NewActionHandler(s.deps)
			actions.POST("/validate", h.Validate)
			actions.POST("/execute", h.Execute)
			actions.POST("/confirm", h.Confirm)
			actions.POST("/deny", h.Deny)
		}

		perms := v1.Group("/permissions")
		{
			h := handlers.NewPermissionHandler(s.deps)
			perms.GET("", h.List)
			perms.POST("", write, h.Grant)
			perms.POST("/check", h.Check)
			perms.DELETE("/:domain", write, h.Revoke)
		}

		tasks := v1.Group("/tasks")
		{
			h := handlers.NewTaskHandler(s.deps)
			tasks.POST("", write, h.Create)
			tasks.GET("", h.List)
			tasks.GET("/:id", h.Get)
			tasks.POST("/:id/enable", h.Enable)
			tasks.POST("/:id/disable", h.Disable)
			tasks.POST("/:id/cancel", h.Cancel)
			tasks.POST("/:id/run", h.RunNow)
			tasks.DELETE("/:id", write, h.Delete)
		}

		workflows := v1.Group("/workflows")
		{
			h := handlers.NewWorkflowHandler(s.deps)
			workflows.POST("", write, h.Create)
			workflows.GET("", h.List)
			workflows.GET("/:id", h.Get)
			workflows.DELETE("/:id", write, h.Delete)
			workflows.POST("/:id/run", h.Run)
			workflows.POST("/record/start", h.StartRecording)
			workflows.POST("/record/stop", h.StopRecording)
		}

		devices := v1.Group("/devices")
		{
			h := handlers.NewDeviceHandler(s.deps)
			devices.GET("", h.List)
		}

		auditGroup := v1.Group("/audit")
		{
			h := handlers.NewAuditHandler(s.deps)
			auditGroup.GET("", h.Query)
		}
	}
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Router exposes the underlying engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
