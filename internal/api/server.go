// Package api exposes the HTTP control surface: credential management,
// historical jobs, live streams, the CSV archive, and the market-hours
// daemon. Handlers stay thin; all behavior lives in the packages they call.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credentials"
	"stockbit-ingest/internal/csvsink"
	"stockbit-ingest/internal/daemon"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/logging"
	"stockbit-ingest/internal/scheduler"
	"stockbit-ingest/internal/stream"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server wires the gin router over the application facades.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	logger     zerolog.Logger

	creds   *credentials.Store
	sched   *scheduler.Scheduler
	jobs    *jobstore.Store
	streams *stream.Manager
	daemon  *daemon.Daemon // nil when the daemon is disabled
	ring    *logging.Ring
	sinks   map[string]*csvsink.Sink
	dataDir string

	startedAt time.Time
}

// NewServer builds the router and registers every route. The daemon may be
// nil; its endpoints then answer 503.
func NewServer(
	config ServerConfig,
	creds *credentials.Store,
	sched *scheduler.Scheduler,
	jobs *jobstore.Store,
	streams *stream.Manager,
	dmn *daemon.Daemon,
	ring *logging.Ring,
	sinks map[string]*csvsink.Sink,
	dataDir string,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		config:    config,
		logger:    logger.With().Str("component", "api").Logger(),
		creds:     creds,
		sched:     sched,
		jobs:      jobs,
		streams:   streams,
		daemon:    dmn,
		ring:      ring,
		sinks:     sinks,
		dataDir:   dataDir,
		startedAt: time.Now(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/token/status", s.handleTokenStatus)
		api.POST("/token/set", s.handleTokenSet)
		api.POST("/token/clear", s.handleTokenClear)

		api.GET("/jobs", s.handleListJobs)
		api.POST("/jobs", s.handleCreateJob)
		api.GET("/jobs/:id", s.handleGetJob)
		api.POST("/jobs/:id/pause", s.handlePauseJob)
		api.POST("/jobs/:id/resume", s.handleResumeJob)
		api.POST("/jobs/:id/cancel", s.handleCancelJob)

		api.GET("/logs", s.handleLogs)

		api.GET("/streams", s.handleListStreams)
		api.POST("/streams", s.handleCreateStream)
		api.GET("/streams/:id", s.handleGetStream)
		api.POST("/streams/:id/stop", s.handleStopStream)

		api.GET("/files", s.handleListFiles)
		api.GET("/files/download", s.handleDownloadFile)

		api.GET("/daemon/status", s.handleDaemonStatus)
		api.POST("/daemon/pause", s.handleDaemonPause)
		api.POST("/daemon/resume", s.handleDaemonResume)
		api.PUT("/daemon/watchlist", s.handleDaemonWatchlist)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	var schedErr string
	if err := s.sched.FatalErr(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		schedErr = err.Error()
	}
	c.JSON(code, gin.H{
		"status":          status,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"credential":      s.creds.GetStatus(),
		"scheduler_error": schedErr,
		"daemon_enabled":  s.daemon != nil,
	})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func createdResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    data,
	})
}
