// Package api exposes the monitor over HTTP: patient registry, vitals
// submission, history, simulation control and a live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/clock"
	"github.com/patient-risk-monitor/internal/middleware"
	"github.com/patient-risk-monitor/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Clock is the simulation control surface.
type Clock interface {
	Start(ctx context.Context, anchor time.Time) (time.Time, error)
	Tick(ctx context.Context) (*clock.TickResult, error)
	Stop() time.Time
	Status() clock.Status
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Options configure a Server. Hub and Checks are optional.
type Options struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	Debug          bool

	Pipeline *service.Pipeline
	Clock    Clock
	Hub      *Hub
	Checks   map[string]HealthCheck
	Logger   *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	opts     Options
	pipeline *service.Pipeline
	clock    Clock
	hub      *Hub
	log      *logrus.Logger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger(opts.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(opts.AllowedOrigins))
	router.Use(middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware())
	router.Use(middleware.RequestTimeout(opts.RequestTimeout, streamPath))

	s := &Server{
		opts:     opts,
		pipeline: opts.Pipeline,
		clock:    opts.Clock,
		hub:      opts.Hub,
		log:      opts.Logger,
		router:   router,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if s.hub != nil {
		s.hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

const streamPath = "/api/v1/stream"

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/patients", s.handleRegisterPatient)
		v1.GET("/patients", s.handleListPatients)
		v1.GET("/patients/high-risk", s.handleHighRisk)
		v1.GET("/patients/:id", s.handlePatientStatus)
		v1.DELETE("/patients/:id", s.handleRemovePatient)
		v1.POST("/patients/:id/vitals", s.handleSubmitVitals)
		v1.GET("/patients/:id/history", s.handleHistory)
		v1.GET("/patients/:id/history.xlsx", s.handleHistoryExport)
		v1.GET("/assessments/stats", s.handleStats)

		v1.POST("/simulation/start", s.handleClockStart)
		v1.POST("/simulation/tick", s.handleClockTick)
		v1.POST("/simulation/stop", s.handleClockStop)
		v1.GET("/simulation/status", s.handleClockStatus)
	}
	if s.hub != nil {
		s.router.GET(streamPath, s.hub.ServeStream)
	}
}

// handleHealth reports each dependency check. Any failure makes the
// service unhealthy.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.opts.Checks))
	healthy := true
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = "unhealthy"
			healthy = false
			s.log.WithFields(logrus.Fields{"check": name, "error": err.Error()}).Warn("Health check failed")
			continue
		}
		checks[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         status,
		"checks":         checks,
		"simulated_time": s.clock.Status().SimulatedTime,
		"timestamp":      time.Now().UTC(),
		"version":        Version,
	})
}
