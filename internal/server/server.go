// Package server exposes the gating pipeline over HTTP: query submission,
// the approval queue, the audit trail, and a websocket feed for dashboards.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/agent"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/audit"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/auth"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/orchestrator"
)

// Gate is the orchestrator surface the HTTP layer drives.
type Gate interface {
	Run(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	Stream(ctx context.Context, req orchestrator.Request) <-chan agent.Event
}

type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Server struct {
	echo        *echo.Echo
	cfg         Config
	gate        Gate
	approvals   *approval.Workflow
	audit       *audit.Store
	authManager *auth.Manager
	hub         *Hub
}

func New(cfg Config, gate Gate, approvals *approval.Workflow, auditStore *audit.Store, authManager *auth.Manager, hub *Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	s := &Server{
		echo:        e,
		cfg:         cfg,
		gate:        gate,
		approvals:   approvals,
		audit:       auditStore,
		authManager: authManager,
		hub:         hub,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	authHandler := auth.NewHandler(s.authManager)

	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/login", authHandler.Login)

	protected := s.echo.Group("")
	protected.Use(s.authManager.Middleware())

	protected.GET("/me", authHandler.Me)
	protected.POST("/query", s.handleQuery)
	protected.POST("/query/stream", s.handleQueryStream)
	protected.GET("/approvals", s.handleListApprovals)
	protected.GET("/approvals/:id", s.handleGetApproval)
	protected.POST("/approvals/:id/decide", s.handleDecide, s.authManager.RequireRole(auth.RoleApprover))
	protected.GET("/audit", s.handleAudit)

	if s.hub != nil {
		wsHandler := NewWSHandler(s.hub)
		protected.GET("/ws", wsHandler.HandleWebSocket)
	}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	log.Info().Str("addr", addr).Msg("starting server")

	s.echo.Server.ReadTimeout = s.cfg.ReadTimeout
	s.echo.Server.WriteTimeout = s.cfg.WriteTimeout

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server start: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")
	if s.hub != nil {
		s.hub.Shutdown()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
