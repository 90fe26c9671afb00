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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"

	"github.com/mbd888/dogan/internal/admin"
	"github.com/mbd888/dogan/internal/agent"
	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/auth"
	"github.com/mbd888/dogan/internal/capability"
	"github.com/mbd888/dogan/internal/circuitbreaker"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/config"
	"github.com/mbd888/dogan/internal/dashboard"
	"github.com/mbd888/dogan/internal/erpnext"
	"github.com/mbd888/dogan/internal/events"
	"github.com/mbd888/dogan/internal/health"
	"github.com/mbd888/dogan/internal/logging"
	"github.com/mbd888/dogan/internal/metrics"
	"github.com/mbd888/dogan/internal/policy"
	"github.com/mbd888/dogan/internal/ratelimit"
	"github.com/mbd888/dogan/internal/realtime"
	"github.com/mbd888/dogan/internal/security"
	"github.com/mbd888/dogan/internal/subscription"
	"github.com/mbd888/dogan/internal/tenant"
	"github.com/mbd888/dogan/internal/traces"
	"github.com/mbd888/dogan/internal/validation"
	"github.com/mbd888/dogan/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	clock   clock.Clock

	authMgr       *auth.Manager
	tenants       *tenant.Manager
	subscriptions *subscription.Manager
	enforcer      *policy.Enforcer
	agents        *agent.Router
	capabilities  *capability.Registry
	erp           *erpnext.Directory
	auditRecorder *audit.Recorder
	auditReader   audit.Reader
	webhookStore  webhooks.Store
	webhooks      *webhooks.Dispatcher
	realtimeHub   *realtime.Hub
	monitor       *agent.Monitor
	subscriber    *events.Subscriber
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry

	db            *sql.DB // nil if using in-memory
	redis         *redis.Client
	nats          *nats.Conn
	traceShutdown func(context.Context) error

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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithClock replaces the wall clock (for testing)
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		clock:   clock.Real{},
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	// Apply options first (may set logger/clock)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.connect(ctx); err != nil {
		s.closeConnections()
		return nil, err
	}

	if err := s.wire(); err != nil {
		s.closeConnections()
		return nil, err
	}

	adminSecret := cfg.AdminSecret
	if adminSecret == "" && !cfg.IsProduction() {
		adminSecret = generateRequestID()
		s.logger.Warn("ADMIN_SECRET not set, generated a one-off secret for this process",
			"admin_secret", adminSecret)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware(adminSecret)
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// connect opens the optional backing services named in the config.
func (s *Server) connect(ctx context.Context) error {
	cfg := s.cfg

	// Postgres if DATABASE_URL set, otherwise in-memory stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.health.Register("postgres", health.PingFunc("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.Register("redis", health.PingFunc("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
		s.logger.Info("using Redis for billing dedup", "url", maskDSN(cfg.RedisURL))
	}

	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, "dogan-core", s.logger)
		if err != nil {
			return err
		}
		s.nats = nc
		s.health.Register("nats", health.PingFunc("nats", func(ctx context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nc.FlushWithContext(ctx)
		}))
		s.logger.Info("event bus enabled", "url", maskDSN(cfg.NATSURL), "queue", cfg.NATSQueue)
	}
	return nil
}

// wire builds the domain components on top of the chosen storage.
func (s *Server) wire() error {
	cfg := s.cfg

	caps := capability.DefaultRegistry()
	if cfg.CapabilitiesFile != "" {
		loaded, err := capability.LoadFile(cfg.CapabilitiesFile)
		if err != nil {
			return fmt.Errorf("failed to load capabilities: %w", err)
		}
		caps = loaded
	}
	s.capabilities = caps

	var (
		authStore    auth.Store
		tenantStore  tenant.Store
		subStore     subscription.Store
		agentStore   agent.Store
		erpStore     erpnext.Store
		webhookStore webhooks.Store
	)
	if s.db != nil {
		authStore = auth.NewPostgresStore(s.db)
		tenantStore = tenant.NewPostgresStore(s.db)
		subStore = subscription.NewPostgresStore(s.db)
		agentStore = agent.NewPostgresStore(s.db)
		erpStore = erpnext.NewPostgresStore(s.db)
		webhookStore = webhooks.NewPostgresStore(s.db)
	} else {
		authStore = auth.NewMemoryStore()
		tenantStore = tenant.NewMemoryStore()
		subStore = subscription.NewMemoryStore()
		agentStore = agent.NewMemoryStore()
		erpStore = erpnext.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}
	s.authMgr = auth.NewManager(authStore)
	s.webhookStore = webhookStore

	// Audit fan-out: log, durable trail, live stream, tenant webhooks, bus.
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(webhookStore, cfg.WebhookTimeout).
		WithClock(s.clock).
		WithLogger(s.logger)
	s.auditRecorder = audit.NewRecorder(s.logger).
		Add("log", audit.NewLogSink(s.logger))
	if s.db != nil {
		pg := audit.NewPostgresSink(s.db)
		s.auditRecorder.Add("postgres", pg)
		s.auditReader = pg
	} else {
		mem := audit.NewMemorySink()
		s.auditRecorder.Add("memory", mem)
		s.auditReader = mem
	}
	s.auditRecorder.
		Add("realtime", s.realtimeHub).
		Add("webhooks", s.webhooks)
	if s.nats != nil {
		s.auditRecorder.Add("nats", events.NewAuditSink(s.nats))
	}

	// Tenant and subscription managers reference each other: the tenant
	// side asks about entitlement, the subscription side checks tenants
	// exist and pushes status changes back.
	s.tenants = tenant.NewManager(tenantStore, s.clock).
		WithAudit(s.auditRecorder).
		WithLogger(s.logger)
	s.subscriptions = subscription.NewManager(subStore, s.tenants, s.clock).
		WithNotifier(&tenantNotifier{tenants: s.tenants}).
		WithDeduper(s.deduper(), cfg.BillingDedupTTL).
		WithAudit(s.auditRecorder).
		WithLogger(s.logger)
	s.tenants.WithSubscriptionChecker(s.subscriptions)

	s.enforcer = policy.NewEnforcer(s.tenants, s.subscriptions, caps, s.clock).
		WithAudit(s.auditRecorder).
		WithLogger(s.logger)

	s.agents = agent.NewRouter(agentStore, caps, s.clock).
		WithTenants(s.tenants).
		WithPlanLimits(s.subscriptions).
		WithKeyIssuer(s.authMgr).
		WithAudit(s.auditRecorder).
		WithLogger(s.logger)
	if cfg.IsProduction() {
		s.agents.WithEndpointCheck(security.ValidateEndpointURL)
	}
	s.monitor = agent.NewMonitor(s.agents, cfg.HeartbeatSchedule, cfg.HeartbeatThreshold, s.logger)

	erpClient := erpnext.NewClient(cfg.ERPNextTimeout).
		WithBreaker(circuitbreaker.New(5, 30*time.Second))
	s.erp = erpnext.NewDirectory(erpStore, erpClient, s.tenants, s.clock).
		WithLogger(s.logger)

	if s.nats != nil {
		intake := events.NewIntake(s.subscriptions, s.agents, s.logger).WithClock(s.clock)
		s.subscriber = events.NewSubscriber(s.nats, cfg.NATSQueue, intake, s.logger)
	}

	s.logger.Info("components wired",
		"capabilities", len(caps.List()),
		"audit_reader", fmt.Sprintf("%T", s.auditReader),
	)
	return nil
}

// deduper picks the billing idempotency store: Redis, then Postgres, then memory.
func (s *Server) deduper() subscription.Deduper {
	switch {
	case s.redis != nil:
		return subscription.NewRedisDeduper(s.redis)
	case s.db != nil:
		return subscription.NewPostgresDeduper(s.db)
	default:
		return subscription.NewMemoryDeduper()
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

func (s *Server) setupMiddleware(adminSecret string) {
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

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-API-Key", "X-Request-ID", policy.HeaderTenantID, policy.HeaderSubscriptionID)
	corsCfg.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsCfg.MaxAge = 12 * time.Hour
	if len(s.cfg.CORSOrigins) == 0 || (len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.CORSOrigins
	}
	s.router.Use(cors.New(corsCfg))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Credentials are resolved for every route; the limiter keys on them.
	s.router.Use(auth.Middleware(s.authMgr, adminSecret))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if tenantID := auth.GetTenantID(c); tenantID != "" {
			attrs = append(attrs, "tenant_id", tenantID)
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", s.realtimeHub.Handler())

	v1 := s.router.Group("/v1")

	tenantHandler := tenant.NewHandler(s.tenants, s.authMgr).WithDefaultTrialDays(s.cfg.DefaultTrialDays)
	subHandler := subscription.NewHandler(s.subscriptions)
	policyHandler := policy.NewHandler(s.enforcer, s.capabilities)
	agentHandler := agent.NewHandler(s.agents, s.enforcer)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(s.webhookStore)
	if !s.cfg.IsProduction() {
		// Local receivers are fine outside production.
		webhookHandler.WithURLValidator(security.URLPolicy{AllowPrivate: true}.Check)
	}

	// Public
	v1.GET("/auth/info", authHandler.Info)
	subHandler.RegisterPublicRoutes(v1)
	policyHandler.RegisterPublicRoutes(v1)

	// Any valid credential
	authed := v1.Group("", auth.RequireAuth())
	authed.GET("/auth/me", authHandler.Me)
	agentHandler.RegisterAgentRoutes(authed)

	// Operator only
	operator := v1.Group("", auth.RequireAdmin())
	tenantHandler.RegisterAdminRoutes(operator)
	subHandler.RegisterAdminRoutes(operator)
	admin.NewHandler(s.clock).
		WithTenants(s.tenants).
		WithSweeper(s.monitor).
		WithAuditReader(s.auditReader).
		WithStats("realtime", s.realtimeHub).
		RegisterRoutes(operator)

	// Tenant-scoped: the caller's key must belong to :id, or be the operator.
	scoped := v1.Group("", auth.RequireTenant("id"))
	tenantHandler.RegisterProtectedRoutes(scoped)
	subHandler.RegisterProtectedRoutes(scoped)
	policyHandler.RegisterProtectedRoutes(scoped)
	agentHandler.RegisterTenantRoutes(scoped)
	authHandler.RegisterRoutes(scoped)
	audit.NewHandler(s.auditReader).RegisterRoutes(scoped)
	erpnext.NewHandler(s.erp).RegisterRoutes(scoped)
	webhookHandler.RegisterRoutes(scoped)
	dashboard.NewHandler(s.tenants, s.subscriptions, s.agents, s.auditReader, s.clock).
		WithStaleAfter(s.cfg.HeartbeatThreshold).
		RegisterRoutes(scoped)
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
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if err := s.monitor.Start(runCtx); err != nil {
		return fmt.Errorf("heartbeat monitor: %w", err)
	}

	if s.subscriber != nil {
		go func() {
			if err := s.subscriber.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- err
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Cancel the context for all background goroutines (hub, monitor, subscriber)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if !s.cfg.IsDevelopment() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.monitor.Stop()
	s.logger.Info("heartbeat monitor stopped")

	s.rateLimiter.Stop()

	// In-flight webhook deliveries finish on their own timeouts.
	s.webhooks.Wait()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeConnections()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeConnections() {
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
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
