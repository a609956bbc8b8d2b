// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/redis/go-redis/v9"

	"github.com/sokohub/sentinel/internal/config"
	"github.com/sokohub/sentinel/internal/counter"
	"github.com/sokohub/sentinel/internal/fraud"
	"github.com/sokohub/sentinel/internal/health"
	"github.com/sokohub/sentinel/internal/idgen"
	"github.com/sokohub/sentinel/internal/logging"
	"github.com/sokohub/sentinel/internal/metrics"
	"github.com/sokohub/sentinel/internal/ratelimit"
	"github.com/sokohub/sentinel/internal/validation"
)

// Version reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	counters    counter.Store
	memCounters *counter.MemoryStore // nil when Redis is the backend
	sweeper     *counter.Sweeper
	redisClient *redis.Client

	rateLimiter *ratelimit.Limiter
	checker     *fraud.Checker

	alerts    fraud.AlertStore
	blacklist fraud.BlacklistStore
	history   fraud.HistoryStore
	activity  fraud.ActivityLogStore

	healthReg *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithCounterStore injects a counter store (for testing)
func WithCounterStore(store counter.Store) Option {
	return func(s *Server) {
		s.counters = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Durable storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		store := fraud.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate fraud store", "error", err)
		}
		s.alerts = store
		s.blacklist = store
		s.history = store
		s.activity = store

		s.healthReg.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Fail("postgres", err)
			}
			return health.OK("postgres")
		})
	} else {
		store := fraud.NewMemoryStore()
		s.alerts = store
		s.blacklist = store
		s.history = store
		s.activity = store
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Counter store (Redis if REDIS_URL set, otherwise in-memory with sweeper)
	if s.counters == nil {
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			s.redisClient = redis.NewClient(opt)

			redisStore := counter.NewRedisStore(s.redisClient)
			if err := redisStore.Ping(ctx); err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.counters = redisStore
			s.logger.Info("using Redis counter store")

			s.healthReg.Register("redis", func(ctx context.Context) health.Status {
				if err := redisStore.Ping(ctx); err != nil {
					return health.Fail("redis", err)
				}
				return health.OK("redis")
			})
		} else {
			s.memCounters = counter.NewMemoryStore()
			s.counters = s.memCounters
			s.sweeper = counter.NewSweeper(s.memCounters, time.Minute, s.logger)
			s.logger.Info("using in-memory counter store")
		}
	}

	s.rateLimiter = ratelimit.New(s.counters)

	s.checker = fraud.NewChecker(s.alerts, s.activity,
		fraud.NewBlacklistEvaluator(s.blacklist),
		fraud.NewVelocityEvaluator(s.counters, nil),
		fraud.NewLocationEvaluator(s.history),
		fraud.NewDeviceEvaluator(s.history),
		fraud.NewBehaviorEvaluator(s.history),
	).
		WithWarnThreshold(cfg.RiskWarnThreshold).
		WithBlockThreshold(cfg.RiskBlockThreshold).
		WithEvalTimeout(cfg.EvaluatorTimeout).
		WithLogger(s.logger)

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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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
			requestID = idgen.New()
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

// adminAuthMiddleware gates the fraud admin API behind the shared admin
// secret. In development with no secret configured the gate is open.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" && s.cfg.IsDevelopment() {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret || s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid admin credentials required",
			})
			return
		}
		c.Next()
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

	authPolicy := ratelimit.Policy{
		Name:        "auth",
		Window:      s.cfg.AuthRateWindow,
		MaxRequests: int64(s.cfg.AuthRateMax),
		Message:     "Too many attempts. Please try again later.",
	}
	apiPolicy := ratelimit.Policy{
		Name:        "api",
		Window:      s.cfg.APIRateWindow,
		MaxRequests: int64(s.cfg.APIRateMax),
		Message:     "Too many requests. Please slow down.",
	}
	uploadPolicy := ratelimit.Policy{
		Name:        "upload",
		Window:      s.cfg.UploadRateWindow,
		MaxRequests: int64(s.cfg.UploadRateMax),
		Message:     "Upload limit reached. Please try again later.",
	}

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(apiPolicy))

	// Auth endpoints carry the tightest rate limits and a pre-auth risk
	// guard keyed by IP and device.
	auth := v1.Group("/auth")
	auth.Use(s.rateLimiter.Middleware(authPolicy))
	{
		auth.POST("/login", fraud.Guard(s.checker, fraud.ActivityLogin,
			fraud.WithActorResolver(emailActor)), s.loginHandler)
		auth.POST("/admin/login", fraud.Guard(s.checker, fraud.ActivityAdminLogin,
			fraud.WithActorResolver(emailActor)), s.adminLoginHandler)
		auth.POST("/password-reset", fraud.Guard(s.checker, fraud.ActivityPasswordReset,
			fraud.WithActorResolver(emailActor)), s.passwordResetHandler)
	}

	// Money-moving endpoints get the full evaluator pipeline including
	// behavioral deviation on the amount.
	v1.POST("/payouts", fraud.Guard(s.checker, fraud.ActivityPayoutRequest), s.payoutHandler)
	v1.POST("/payments/confirm", fraud.Guard(s.checker, fraud.ActivityPayment), s.confirmPaymentHandler)

	// Uploads only get the hourly ceiling.
	v1.POST("/uploads", s.rateLimiter.Middleware(uploadPolicy), s.uploadHandler)

	// Fraud admin API (alerts, blacklist, activity log)
	admin := v1.Group("/admin/fraud")
	admin.Use(s.adminAuthMiddleware())
	fraud.NewHandler(s.alerts, s.blacklist, s.activity).RegisterRoutes(admin)
}

// emailActor resolves the actor for pre-auth endpoints from the attempted
// login email so per-account velocity works before authentication.
func emailActor(c *gin.Context) string {
	return c.GetHeader("X-Auth-Email")
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   Version,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Run / Shutdown
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a shutdown signal or context
// cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the counter sweeper (in-memory backend only)
	if s.sweeper != nil {
		go s.sweeper.Start(runCtx)
	}

	// Export DB pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("counter sweeper stopped")
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		} else {
			s.logger.Info("redis connection closed")
		}
	}

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
