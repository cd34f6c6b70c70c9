// Package server wires the constraint kernel's HTTP surface: middleware,
// health/metrics endpoints, and the v1 API group backed by internal/api.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/agentkernel/kernel/internal/api"
	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/kernel"
	"github.com/agentkernel/kernel/internal/logging"
	"github.com/agentkernel/kernel/internal/metrics"
	"github.com/agentkernel/kernel/internal/ratelimit"
	"github.com/agentkernel/kernel/internal/security"
	"github.com/agentkernel/kernel/internal/store"
	"github.com/agentkernel/kernel/internal/traces"
	"github.com/agentkernel/kernel/internal/validation"
)

// Server hosts the kernel's HTTP API.
type Server struct {
	cfg     *config.Config
	kernel  *kernel.Kernel
	db      *sql.DB // nil if using in-memory storage
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	rateLimiter *ratelimit.Limiter

	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a Server: connects storage (Postgres if cfg.DatabaseURL is
// set, otherwise in-memory), assembles the Kernel, and wires middleware
// and routes.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var db store.Database
	if cfg.DatabaseURL != "" {
		sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = sqlDB
		db = store.NewPostgresDatabase(sqlDB)
		s.logger.Info("using PostgreSQL storage")
	} else {
		db = store.NewMemoryDatabase()
		s.logger.Info("using in-memory storage")
	}

	s.kernel = kernel.New(cfg, clock.System{}, db, kernel.WithReceiptSigner(cfg.ReceiptHMACSecret))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"reason": "internal_error", "message": "an unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.RequestTimeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	api.NewHandler(s.kernel).RegisterRoutes(v1)
}

// HealthResponse is the /health response body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	c.JSON(httpStatus, HealthResponse{Status: status, Version: "0.1.0", Timestamp: time.Now()})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server and blocks until a shutdown signal, context
// cancellation, or fatal server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("forced server shutdown", "error", err)
		}
	}
	if s.tracerShutdown != nil {
		_ = s.tracerShutdown(shutdownCtx)
	}
	if s.db != nil {
		_ = s.db.Close()
	}

	s.logger.Info("shutdown complete")
	return nil
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
