// Package api serves the local HTTP bridge used by the desktop front end:
// profiles, schedules, backup runs and history over JSON.
package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudbackup/cloudbackup/internal/backup"
	"github.com/cloudbackup/cloudbackup/internal/config"
	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/metrics"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/profile"
	"github.com/cloudbackup/cloudbackup/internal/schedule"
)

// FileLister lists remote entries of a profile's destination.
type FileLister interface {
	List(ctx context.Context, p *models.Profile, subpath string, maxDepth int) ([]models.CloudFile, error)
}

// Deps are the services the bridge exposes.
type Deps struct {
	Profiles  *profile.Service
	Schedules *schedule.Manager
	Gate      *backup.Gate
	Files     FileLister
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	// Components are shut down after the HTTP server, concurrently.
	Components []Shutdownable
}

// Server is the local HTTP bridge.
type Server struct {
	router      *gin.Engine
	cfg         config.APIConfig
	profiles    *profile.Service
	schedules   *schedule.Manager
	gate        *backup.Gate
	files       FileLister
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	components  []Shutdownable
	startedAt   time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// Router returns the gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer builds the bridge. cfg is expected to be validated.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics("cloudbackup")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 40
	}

	s := &Server{
		router:      gin.New(),
		cfg:         cfg,
		profiles:    deps.Profiles,
		schedules:   deps.Schedules,
		gate:        deps.Gate,
		files:       deps.Files,
		metrics:     m,
		logger:      logger,
		rateLimiter: NewIPRateLimiter(rps, burst),
		components:  deps.Components,
		startedAt:   time.Now(),
	}
	s.router.HandleMethodNotAllowed = true

	s.router.Use(gin.Recovery())
	s.router.Use(bodyLimitMiddleware(maxBodyBytes))
	s.router.Use(metrics.Middleware(m, logger))
	s.router.Use(loggingMiddleware(logger))

	s.setupRoutes()
	return s
}

// loggingMiddleware attaches a correlation id and logs each request.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	v1.Use(rateLimitMiddleware(s.rateLimiter))
	v1.Use(APIKeyAuth(s.cfg.APIKeys, s.cfg.HeaderName, s.logger))
	v1.Use(auditMiddleware(s.logger))
	{
		v1.GET("/profiles", s.handleListProfiles)
		v1.GET("/profiles/:id", s.handleGetProfile)
		v1.POST("/profiles/:id/activate", s.handleActivateProfile)

		v1.GET("/profiles/:id/schedule", s.handleGetSchedule)
		v1.PUT("/profiles/:id/schedule", s.handlePutSchedule)
		v1.DELETE("/profiles/:id/schedule", s.handleDisableSchedule)

		v1.POST("/profiles/:id/preview", s.handlePreview)
		v1.POST("/profiles/:id/run", s.handleRun)
		v1.POST("/profiles/:id/restore", s.handleRestore)
		v1.GET("/profiles/:id/files", s.handleListFiles)

		v1.GET("/profiles/:id/operations", s.handleListOperations)
		v1.DELETE("/profiles/:id/operations", s.handleClearOperations)
	}
}

// Addr is the listen address derived from the configuration.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Run serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Run() error {
	addr := s.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := NewHTTPServer(ln.Addr().String(), s.router)
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "addr", ln.Addr().String(), "auth", len(s.cfg.APIKeys) > 0)
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return &errors.ErrServerStart{Addr: ln.Addr().String(), Err: err}
	}
	return nil
}

// Shutdown stops the HTTP server and the attached components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err.Error())
			return &errors.ErrServerShutdown{Err: err}
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(s.components))
	for _, comp := range s.components {
		wg.Add(1)
		go func(comp Shutdownable) {
			defer wg.Done()
			if err := comp.Shutdown(ctx); err != nil {
				errs <- err
			}
		}(comp)
	}
	wg.Wait()
	close(errs)

	var joined []error
	for err := range errs {
		joined = append(joined, err)
	}
	if len(joined) > 0 {
		return &errors.ErrServerShutdown{Err: stderrors.Join(joined...)}
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
