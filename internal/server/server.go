// Package server exposes the platform's HTTP API and the tenant WebSocket endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/liteclaw/liteclaw-platform/internal/auth"
	"github.com/liteclaw/liteclaw-platform/internal/config"
	"github.com/liteclaw/liteclaw-platform/internal/provisioning"
	"github.com/liteclaw/liteclaw-platform/internal/proxy"
	"github.com/liteclaw/liteclaw-platform/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Options wires the server to its collaborators.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Sessions auth.Resolver
	Service  *provisioning.Service
	Bridge   *proxy.Bridge
	Logger   zerolog.Logger
}

// Server is the platform HTTP server.
type Server struct {
	cfg      *config.Config
	echo     *echo.Echo
	logger   zerolog.Logger
	store    store.Store
	sessions auth.Resolver
	service  *provisioning.Service
	bridge   *proxy.Bridge
	upgrader *websocket.Upgrader
}

// New creates the server and registers its routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	s := &Server{
		cfg:      opts.Config,
		echo:     e,
		logger:   opts.Logger.With().Str("component", "server").Logger(),
		store:    opts.Store,
		sessions: opts.Sessions,
		service:  opts.Service,
		bridge:   opts.Bridge,
		upgrader: newUpgrader(opts.Config.Server.AllowedOrigins),
	}
	e.HTTPErrorHandler = s.handleError

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on the configured address until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Platform listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowCredentials: true,
	}))
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)

	api := s.echo.Group("/api")
	api.Use(s.rateLimit())

	api.GET("/health", s.handleHealth)

	// Tenant
	api.GET("/tenant", s.handleGetTenant, s.requireTenant)
	api.PATCH("/tenant", s.handleUpdateTenant, s.requireTenant)
	api.DELETE("/tenant", s.handleDeleteTenant, s.requireTenant)
	api.POST("/tenant/provision", s.handleProvision, s.requireSession)
	api.PATCH("/tenant/config", s.handleTenantConfig, s.requireTenant)

	// Provider keys
	api.GET("/keys", s.handleListKeys, s.requireTenant)
	api.POST("/keys", s.handleSetKey, s.requireTenant)
	api.DELETE("/keys/:provider", s.handleDeleteKey, s.requireTenant)

	// Channels
	api.POST("/channels/:channel", s.handleProvisionChannel, s.requireTenant)
}
