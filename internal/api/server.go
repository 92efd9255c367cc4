// Package api exposes the operator HTTP endpoints: active downloads
// with live progress, task deletion, history and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/config"
	"github.com/slipcase/slipcase/internal/downloader"
	"github.com/slipcase/slipcase/internal/history"
	"github.com/slipcase/slipcase/internal/scheduler"
	"github.com/slipcase/slipcase/internal/snatch"
)

// Server handles HTTP requests for the Slipcase API.
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	logger  zerolog.Logger
	facade  *downloader.Facade
	store   *snatch.Store
	history *history.Service
	sched   *scheduler.Scheduler
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, facade *downloader.Facade, store *snatch.Store, historySvc *history.Service, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:    e,
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
		facade:  facade,
		store:   store,
		history: historySvc,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.echo.Group("/api/v1")

	v1.GET("/health", s.health)
	v1.GET("/downloads", s.listDownloads)
	v1.DELETE("/downloads/:backend/:id", s.deleteDownload)
	v1.GET("/tasks", s.listTasks)
	v1.POST("/tasks/:id/run", s.runTask)

	historyHandlers := history.NewHandlers(s.history)
	historyHandlers.RegisterRoutes(v1.Group("/history"))
}

// SetScheduler attaches the scheduler so its tasks can be inspected and
// triggered over the API. Optional; the task routes return 503 without it.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.sched = sched
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()
	s.logger.Info().Str("addr", addr).Msg("starting API server")

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
