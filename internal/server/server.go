// Package server sets up the HTTP server with all routes
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
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/weddinglk/payments-service/internal/auth"
	"github.com/weddinglk/payments-service/internal/circuitbreaker"
	"github.com/weddinglk/payments-service/internal/config"
	"github.com/weddinglk/payments-service/internal/escrow"
	"github.com/weddinglk/payments-service/internal/health"
	"github.com/weddinglk/payments-service/internal/logging"
	"github.com/weddinglk/payments-service/internal/metrics"
	"github.com/weddinglk/payments-service/internal/payments"
	"github.com/weddinglk/payments-service/internal/ratelimit"
	"github.com/weddinglk/payments-service/internal/realtime"
	"github.com/weddinglk/payments-service/internal/security"
	"github.com/weddinglk/payments-service/internal/traces"
	"github.com/weddinglk/payments-service/internal/validation"
	"github.com/weddinglk/payments-service/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	gateway       payments.Gateway
	escrowService *escrow.Service
	escrowStore   escrow.Store
	sweeper       *escrow.Sweeper
	authMgr       *auth.Manager
	webhooks      *webhooks.Dispatcher
	webhookStore  webhooks.Store
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesStop    func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment gateway: Stripe in production, fake for local development
	if s.gateway == nil {
		if cfg.Gateway == "fake" {
			s.gateway = payments.NewFakeGateway()
			s.logger.Info("using fake payment gateway")
		} else {
			breaker := circuitbreaker.New(5, 30*time.Second)
			s.gateway = payments.NewStripeGateway(cfg.StripeAPIKey,
				payments.WithTimeout(cfg.GatewayTimeout),
				payments.WithBreaker(breaker),
			)
			s.logger.Info("using Stripe payment gateway")
		}
	}

	// Webhook dispatcher (HMAC-signed notifications to subscribed services)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	s.logger.Info("webhooks enabled")

	// Realtime hub for WebSocket streaming (ops feed)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Escrow transition controller with lifecycle notifications fanned out
	// to webhook subscribers and the live feed
	notifier := newFanoutNotifier(
		webhooks.NewEmitter(s.webhooks, s.logger),
		realtime.NewFeed(s.realtimeHub),
	)
	s.escrowService = escrow.NewService(s.escrowStore, s.gateway).WithNotifier(notifier)
	s.sweeper = escrow.NewSweeper(s.escrowService, s.escrowStore, s.logger).
		WithInterval(cfg.SweepInterval)
	s.logger.Info("escrow enabled", "sweepInterval", cfg.SweepInterval.String())

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Ops live feed page
	s.router.GET("/feed", feedPageHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	escrowHandler := escrow.NewHandler(s.escrowService)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhooks)

	// PUBLIC ROUTES (no auth required)
	// Read endpoints for entries and per-party listings
	escrowHandler.RegisterRoutes(v1)

	// AUTH INFO (public)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require API key)
	// All escrow mutations: create, capture, release, refund, cancel, disputes
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		escrowHandler.RegisterProtectedRoutes(protected)

		// Webhook subscription management
		webhookHandler.RegisterRoutes(protected)

		// Caller identity
		protected.GET("/auth/me", authHandler.GetCurrentCaller)
	}

	// ADMIN ROUTES
	// Key issuance for calling services; guarded by X-Admin-Secret in
	// production, any authenticated caller in demo mode
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		admin.POST("/keys", authHandler.CreateKey)
		admin.GET("/keys", authHandler.ListKeys)
		admin.DELETE("/keys/:keyId", authHandler.RevokeKey)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "WeddingLK Payments",
		"description": "Escrow payment lifecycle for the wedding marketplace",
		"version":     "0.1.0",
		"gateway":     s.cfg.Gateway,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// OTLP trace export (no-op when endpoint unset)
	if s.cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.tracesStop = stop
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the auto-release sweeper
	go s.sweeper.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush trace exporter
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// fanoutNotifier forwards lifecycle events to every registered notifier.
type fanoutNotifier struct {
	targets []escrow.Notifier
}

func newFanoutNotifier(targets ...escrow.Notifier) *fanoutNotifier {
	return &fanoutNotifier{targets: targets}
}

func (f *fanoutNotifier) EntryCreated(e *escrow.Entry) {
	for _, t := range f.targets {
		t.EntryCreated(e)
	}
}

func (f *fanoutNotifier) EntryCaptured(e *escrow.Entry) {
	for _, t := range f.targets {
		t.EntryCaptured(e)
	}
}

func (f *fanoutNotifier) EntryCancelled(e *escrow.Entry) {
	for _, t := range f.targets {
		t.EntryCancelled(e)
	}
}

func (f *fanoutNotifier) ReleaseInitiated(e *escrow.Entry) {
	for _, t := range f.targets {
		t.ReleaseInitiated(e)
	}
}

func (f *fanoutNotifier) PaymentReleased(e *escrow.Entry) {
	for _, t := range f.targets {
		t.PaymentReleased(e)
	}
}

func (f *fanoutNotifier) RefundProcessed(e *escrow.Entry) {
	for _, t := range f.targets {
		t.RefundProcessed(e)
	}
}

func (f *fanoutNotifier) DisputeOpened(e *escrow.Entry) {
	for _, t := range f.targets {
		t.DisputeOpened(e)
	}
}

func (f *fanoutNotifier) DisputeResolved(e *escrow.Entry, outcome string) {
	for _, t := range f.targets {
		t.DisputeResolved(e, outcome)
	}
}

var _ escrow.Notifier = (*fanoutNotifier)(nil)
