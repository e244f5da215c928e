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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/circuitbreaker"
	"github.com/mbd888/rentescrow/internal/config"
	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/gateway"
	"github.com/mbd888/rentescrow/internal/health"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/metrics"
	"github.com/mbd888/rentescrow/internal/notify"
	"github.com/mbd888/rentescrow/internal/ratelimit"
	"github.com/mbd888/rentescrow/internal/retry"
	"github.com/mbd888/rentescrow/internal/security"
	"github.com/mbd888/rentescrow/internal/validation"
	"github.com/mbd888/rentescrow/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	gateway       gateway.Gateway
	escrowStore   escrow.Store
	escrowService *escrow.Service
	dispatcher    *escrow.PayoutDispatcher
	escrowTimer   *escrow.Timer
	eventStore    webhooks.EventStore
	boltEvents    *webhooks.BoltEventStore
	pruner        *webhooks.Pruner
	emitter       *notify.Emitter
	tokens        *auth.TokenManager
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
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

// WithGateway sets the payment gateway instead of building one from config (for testing)
func WithGateway(g gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.ResolvedLogFormat()),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		s.eventStore = webhooks.NewPostgresEventStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		if cfg.WebhookDedupBoltPath != "" {
			bs, err := webhooks.OpenBoltEventStore(cfg.WebhookDedupBoltPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open webhook event store: %w", err)
			}
			s.boltEvents = bs
			s.eventStore = bs
			s.logger.Info("using in-memory escrow storage with bolt webhook dedup",
				"path", cfg.WebhookDedupBoltPath)
		} else {
			s.eventStore = webhooks.NewMemoryEventStore()
			s.logger.Warn("using in-memory storage (data will be lost on restart)")
		}
	}

	// Payment gateway
	if s.gateway == nil {
		s.gateway = newGateway(cfg)
	}
	gw := gateway.Instrument(s.gateway, cfg.GatewayCallTimeout)
	adapter := &paymentGateway{gw: gw}
	s.logger.Info("payment gateway configured", "provider", s.gateway.Name())

	// Notifications
	var notifier escrow.Notifier = notify.NewLogNotifier(s.logger)
	if cfg.NotifyURL != "" {
		policy := security.OutboundPolicy{RequireHTTPS: cfg.IsProduction(), AllowPrivate: !cfg.IsProduction()}
		if err := security.CheckOutboundURL(cfg.NotifyURL, policy); err != nil {
			return nil, fmt.Errorf("NOTIFY_URL: %w", err)
		}
		s.emitter = notify.NewEmitter(cfg.NotifyURL, cfg.NotifySecret, s.logger)
		notifier = s.emitter
		s.logger.Info("notifications enabled", "url", cfg.NotifyURL)
	}

	// Escrow
	s.escrowService = escrow.NewService(s.escrowStore, escrow.Policy{
		FeePercentage:      cfg.DefaultFeePercentage,
		AutoReleaseEnabled: cfg.AutoReleaseEnabled,
		AutoReleaseDays:    cfg.AutoReleaseDays,
	}).
		WithNotifier(notifier).
		WithCapturer(adapter).
		WithLogger(s.logger)

	s.dispatcher = escrow.NewPayoutDispatcher(s.escrowService, s.escrowStore, adapter, s.logger).
		WithBreaker(circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)).
		WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.PayoutMaxAttempts,
			BaseDelay:   retry.DefaultPolicy.BaseDelay,
			MaxDelay:    retry.DefaultPolicy.MaxDelay,
		}).
		WithStallTimeout(cfg.PayoutStallTimeout)

	s.escrowTimer = escrow.NewTimer(s.escrowService, s.escrowStore, s.dispatcher, s.logger).
		WithInterval(cfg.SchedulerInterval)
	if cfg.RentalSyncURL != "" {
		// The rental module lives on the cluster network.
		if err := security.CheckOutboundURL(cfg.RentalSyncURL, security.OutboundPolicy{AllowPrivate: true}); err != nil {
			return nil, fmt.Errorf("RENTAL_SYNC_URL: %w", err)
		}
		s.escrowTimer.WithRentalSyncer(notify.NewRentalSyncer(cfg.RentalSyncURL, cfg.ServiceToken))
		s.logger.Info("rental reconciliation enabled", "url", cfg.RentalSyncURL)
	}

	s.pruner = webhooks.NewPruner(s.eventStore, s.logger).WithRetention(cfg.WebhookRetention)
	s.tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, time.Hour)

	// Health checks
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.DB(s.db))
	}
	s.health.Register("settlement_timer", health.Loop("settlement_timer", s.escrowTimer))
	s.health.Register("webhook_pruner", health.Loop("webhook_pruner", s.pruner))
	s.health.Register("gateway_breaker", breakerCheck(s.dispatcher.Breaker()))

	// Router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(gw)

	s.healthy.Store(true)

	return s, nil
}

func newGateway(cfg *config.Config) gateway.Gateway {
	if cfg.StripeSecretKey != "" {
		return gateway.NewStripe(gateway.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Accounts:      gateway.StaticAccounts(cfg.StripePayoutAccounts),
		})
	}
	return gateway.NewSandbox(cfg.SandboxWebhookSecret)
}

func breakerCheck(b *circuitbreaker.Breaker) health.Checker {
	return func(context.Context) health.Status {
		if open := b.OpenKeys(); len(open) > 0 {
			return health.Status{
				Name:    "gateway_breaker",
				Healthy: false,
				Detail:  "open: " + strings.Join(open, ","),
			}
		}
		return health.Status{Name: "gateway_breaker", Healthy: true}
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.tokens, s.cfg.ServiceToken))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (load balancer, rental module)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

func (s *Server) setupRoutes(gw gateway.Gateway) {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Gateway webhooks authenticate by signature. They get their own, looser
	// limiter so a redelivery burst cannot starve the API budget.
	adapter := webhooks.NewAdapter(s.escrowService, s.eventStore, s.logger).
		WithClaimTTL(s.cfg.WebhookClaimTTL)
	webhookLimiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 10 * s.cfg.RateLimitRPM,
		Prefix:            "webhook",
	})
	webhooks.NewHandler(gw, adapter).RegisterRoutes(v1.Group("", webhookLimiter.Middleware()))

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	limited := v1.Group("", s.rateLimiter.Middleware())

	h := escrow.NewHandler(s.escrowService)
	h.RegisterRoutes(limited.Group("", auth.RequireAuth()))
	h.RegisterAdminRoutes(limited.Group("/admin", auth.RequireRole(auth.RoleAdmin)))
	h.RegisterInternalRoutes(limited.Group("/internal", auth.RequireRole(auth.RoleService)))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

func (s *Server) startBackground(ctx context.Context) {
	go s.escrowTimer.Start(ctx)
	go s.pruner.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.logger.Info("settlement timer stopped")

	s.pruner.Stop()

	if s.emitter != nil {
		if err := s.emitter.Wait(ctx); err != nil {
			s.logger.Warn("notifications still in flight at shutdown", "error", err)
		}
	}

	if s.boltEvents != nil {
		if err := s.boltEvents.Close(); err != nil {
			s.logger.Error("webhook event store close error", "error", err)
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

// Tokens returns the JWT manager, used by tests and local tooling to mint tokens.
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
