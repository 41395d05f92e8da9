// Package server wires the escrow service together: storage, the chain
// watcher, the auto-release timer, notification sinks, and the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/hvx-labs/escrowd/internal/address"
	"github.com/hvx-labs/escrowd/internal/affiliate"
	"github.com/hvx-labs/escrowd/internal/btc"
	"github.com/hvx-labs/escrowd/internal/chain"
	"github.com/hvx-labs/escrowd/internal/config"
	"github.com/hvx-labs/escrowd/internal/dispute"
	"github.com/hvx-labs/escrowd/internal/escrow"
	"github.com/hvx-labs/escrowd/internal/facade"
	"github.com/hvx-labs/escrowd/internal/health"
	"github.com/hvx-labs/escrowd/internal/logging"
	"github.com/hvx-labs/escrowd/internal/metrics"
	"github.com/hvx-labs/escrowd/internal/notify"
	"github.com/hvx-labs/escrowd/internal/order"
	"github.com/hvx-labs/escrowd/internal/payment"
	"github.com/hvx-labs/escrowd/internal/ratelimit"
	"github.com/hvx-labs/escrowd/internal/realtime"
	"github.com/hvx-labs/escrowd/internal/security"
	"github.com/hvx-labs/escrowd/internal/validation"
)

// Server wraps the HTTP server and all lifecycle services.
type Server struct {
	cfg         *config.Config
	orders      *facade.Facade
	payments    *payment.Service
	escrows     *escrow.Service
	escrowTimer *escrow.Timer
	watcher     *payment.Watcher
	addresses   *address.Allocator
	addressPool *address.StaticSource
	events      *notify.Hub
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	txSource    chain.TxSource
	cancelRun   context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTxSource sets a custom chain source (for testing).
func WithTxSource(src chain.TxSource) Option {
	return func(s *Server) {
		s.txSource = src
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	var (
		orderStore     order.Store
		paymentStore   payment.Store
		escrowStore    escrow.Store
		disputeStore   dispute.Store
		addressStore   address.Store
		affiliateStore affiliate.Store
	)
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
		orderStore = order.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		addressStore = address.NewPostgresStore(db)
		affiliateStore = affiliate.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderStore = order.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		addressStore = address.NewMemoryStore()
		affiliateStore = affiliate.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	ceilingSats, err := btc.ParseBTC(cfg.SmallAmountCeiling)
	if err != nil {
		return nil, fmt.Errorf("invalid SMALL_AMOUNT_CEILING: %w", err)
	}

	// Notification fan-out: log sink always, Kafka when brokers are
	// configured, websocket hub as a third sink.
	s.events = notify.NewHub(s.logger).AddSink("log", notify.NewSlogEmitter(s.logger))
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := notify.NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
		s.events.AddSink("kafka", kafka)
		s.logger.Info("kafka notifications enabled", "topic", cfg.KafkaTopic)
	}
	s.realtimeHub = realtime.NewHub(s.logger)
	s.events.AddSink("websocket", s.realtimeHub)

	// Domain services.
	orderSvc := order.NewService(orderStore)
	disputeSvc := dispute.NewService(disputeStore)
	escrowSvc := escrow.NewService(escrowStore, disputeSvc, cfg.HoldingWindow)
	paymentSvc := payment.NewService(paymentStore, payment.ConfirmationPolicy{
		SmallCeilingSats: ceilingSats,
		Small:            cfg.ConfirmationsSmall,
		Large:            cfg.ConfirmationsLarge,
	}, cfg.PaymentExpiry)
	affiliateSvc := affiliate.NewService(affiliateStore, int64(cfg.AffiliateRateBps))

	pool := cfg.AddressPool
	if len(pool) == 0 {
		pool = demoAddressPool(64)
		s.logger.Warn("no ADDRESS_POOL configured, using generated demo addresses")
	}
	s.addressPool = address.NewStaticSource(pool)
	s.addresses = address.NewAllocator(s.addressPool, addressStore)

	s.orders = facade.New(orderSvc, paymentSvc, escrowSvc, disputeSvc,
		s.addresses, affiliateSvc, s.events)
	paymentSvc.WithListener(s.orders)
	escrowSvc.WithListener(s.orders)
	s.payments = paymentSvc
	s.escrows = escrowSvc

	// Chain watcher.
	if s.txSource == nil {
		s.txSource = chain.NewEsploraClient(cfg.EsploraURL, cfg.ChainQueryTimeout, s.logger)
	}
	s.watcher = payment.NewWatcher(paymentSvc, s.txSource, payment.WatcherConfig{
		PollInterval: cfg.PollInterval,
		Workers:      cfg.WatcherWorkers,
		QueryTimeout: cfg.ChainQueryTimeout,
	}, s.logger)

	// Escrow auto-release timer.
	s.escrowTimer = escrow.NewTimer(escrowSvc, escrowStore, disputeSvc,
		cfg.SchedulerPeriod, cfg.DisputeRecheck, s.logger)

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(affiliateSvc)

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}
	s.checks.Register("watcher", func(ctx context.Context) health.Status {
		st := health.Status{Name: "watcher", Healthy: s.watcher.Running()}
		if !st.Healthy {
			st.Detail = "payment watcher not running"
		}
		return st
	})
	s.checks.Register("escrow_timer", func(ctx context.Context) health.Status {
		st := health.Status{Name: "escrow_timer", Healthy: s.escrowTimer.Running()}
		if !st.Healthy {
			st.Detail = "auto-release timer not running"
		}
		return st
	})
	s.checks.Register("address_pool", func(ctx context.Context) health.Status {
		st := health.Status{Name: "address_pool", Healthy: s.addressPool.Remaining() > 0}
		if !st.Healthy {
			st.Detail = "address pool exhausted"
		}
		return st
	})
}

// maskDSN hides the password in a connection string for logging.
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

// demoAddressPool generates throwaway regtest-style addresses for
// development mode.
func demoAddressPool(n int) []string {
	pool := make([]string, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, 20)
		if _, err := rand.Read(raw); err != nil {
			continue
		}
		pool = append(pool, "bcrt1q"+hex.EncodeToString(raw))
	}
	return pool
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

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
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

// requireAdmin guards admin routes with the X-Admin-Secret header. In
// development mode without a configured secret, admin routes stay open
// for local testing.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin access is not configured",
				})
				return
			}
			c.Next()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(affiliates *affiliate.Service) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time order updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	lifecycleHandler := facade.NewHandler(s.orders, affiliates)

	v1 := s.router.Group("/v1")
	lifecycleHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	lifecycleHandler.RegisterAdminRoutes(admin)
	admin.GET("/pool", s.poolStatusHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, results := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(results))
	for _, r := range results {
		if r.Healthy {
			checks[r.Name] = "healthy"
		} else {
			checks[r.Name] = r.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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
		"name":        "escrowd",
		"description": "Escrow payment lifecycle for marketplace orders",
		"version":     "0.1.0",
		"currency":    "BTC",
	})
}

// poolStatusHandler reports how many deposit addresses remain unbound.
func (s *Server) poolStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"remaining": s.addressPool.Remaining(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.watcher.Start(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel background goroutines (watcher, timer, hub)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.watcher.Stop()
	s.logger.Info("payment watcher stopped")

	s.escrowTimer.Stop()
	s.logger.Info("auto-release timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.events.Close()

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

// Router returns the gin router for testing.
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
