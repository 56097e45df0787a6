// Package server provides the HTTP edge in front of the cache controller
package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/config"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/http/handlers"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/http/middleware"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/serviceworker"
	"github.com/lumenstudio/imagepipe/pkg/healthcheck"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// PipelinePrefix is the path prefix of the edge's own endpoints
const PipelinePrefix = "/_pipeline"

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	engine     *gin.Engine
	server     *http.Server
	controller *serviceworker.Controller
	handlers   *handlers.PipelineHandlers
	middleware *middleware.Middleware
	metrics    *monitoring.MetricsCollector
	health     *healthcheck.HealthCheck
}

// NewServer creates a new HTTP server instance
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	controller *serviceworker.Controller,
	pipeline *handlers.PipelineHandlers,
	mw *middleware.Middleware,
	metrics *monitoring.MetricsCollector,
	health *healthcheck.HealthCheck,
) *Server {
	s := &Server{
		config:     cfg,
		logger:     logger,
		controller: controller,
		handlers:   pipeline,
		middleware: mw,
		metrics:    metrics,
		health:     health,
	}

	s.engine = s.setupRouter()

	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.engine,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	return s
}

// Handler returns the router, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRouter() *gin.Engine {
	if s.config.IsDevelopment() && s.config.App.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(s.config.Server.TrustedProxies); err != nil {
		s.logger.Warn("Invalid trusted proxies, trusting none", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}

	mw := s.middleware
	r.Use(
		mw.RequestID(),
		mw.Recovery(),
		mw.Tracing(),
		mw.Logger(),
		mw.Metrics(),
		mw.ErrorHandler(),
	)

	r.GET(s.config.Monitoring.HealthCheckPath, s.handleHealth)
	if s.health != nil {
		r.GET(s.config.Monitoring.ReadinessPath, s.health.ReadinessHandler())
		r.GET(s.config.Monitoring.LivenessPath, s.health.LivenessHandler())
	}
	if s.config.Monitoring.EnableMetrics {
		r.GET(s.config.Monitoring.MetricsPath, gin.WrapH(s.metrics.Handler()))
	}

	pipeline := r.Group(PipelinePrefix, mw.RateLimit(), mw.Security(), mw.Session())
	{
		pipeline.POST("/hints", s.handlers.Hints)
		pipeline.POST("/plan", s.handlers.Plan)
		pipeline.GET("/placeholder/:id", s.handlers.Placeholder)
		pipeline.POST("/prime", s.handlers.Prime)
		pipeline.POST("/message", s.handlers.Message)
		pipeline.GET("/channel", s.handlers.Channel)
	}

	r.NoRoute(mw.NavigationSession(), s.handlers.Proxy)

	return r
}

// HealthResponse reports the controller lifecycle
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	CacheVersion string `json:"cache_version"`
	CacheState   string `json:"cache_state"`
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.controller.State()
	resp := HealthResponse{
		Status:       "ok",
		Version:      s.config.App.Version,
		CacheVersion: s.controller.Version(),
		CacheState:   state.String(),
	}

	if state != serviceworker.StateActivated {
		resp.Status = "starting"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Start binds the listener and serves in the background. Bind errors are
// returned; serve errors after that are logged.
func (s *Server) Start() error {
	if err := http2.ConfigureServer(s.server, &http2.Server{}); err != nil {
		s.logger.Error("Failed to configure HTTP/2", zap.Error(err))
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.logger.Info("Starting HTTP server",
		zap.String("address", ln.Addr().String()),
		zap.String("environment", s.config.App.Environment),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server and waits for background
// warms started by requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	err := s.server.Shutdown(ctx)
	return errors.Join(err, s.handlers.Drain(ctx))
}
