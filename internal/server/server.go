// Package server wires the escrow coordination services into an HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq"

	"github.com/tradeweave/escrowd/internal/airgap"
	"github.com/tradeweave/escrowd/internal/challenge"
	"github.com/tradeweave/escrowd/internal/config"
	"github.com/tradeweave/escrowd/internal/escrow"
	"github.com/tradeweave/escrowd/internal/health"
	"github.com/tradeweave/escrowd/internal/logging"
	"github.com/tradeweave/escrowd/internal/metrics"
	"github.com/tradeweave/escrowd/internal/multisig"
	"github.com/tradeweave/escrowd/internal/ratelimit"
	"github.com/tradeweave/escrowd/internal/realtime"
	"github.com/tradeweave/escrowd/internal/registry"
	"github.com/tradeweave/escrowd/internal/security"
	"github.com/tradeweave/escrowd/internal/traces"
	"github.com/tradeweave/escrowd/internal/validation"
	"github.com/tradeweave/escrowd/internal/walletrpc"
	"github.com/tradeweave/escrowd/internal/watcher"
)

// Server is the escrowd HTTP server.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	logger *slog.Logger
	db     *sql.DB // nil when running on in-memory stores

	escrowService    *escrow.Service
	registryService  *registry.Service
	challengeService *challenge.Service
	multisigService  *multisig.Service
	airgapService    *airgap.Service

	timer   *escrow.Timer
	watcher *watcher.Watcher
	hub     *realtime.Hub
	limiter *ratelimit.Limiter
	checks  *health.Registry

	traceShutdown func(context.Context) error
	runCtx        context.Context
	cancelRunCtx  context.CancelFunc
	ready         atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Stores: PostgreSQL when DATABASE_URL is set, in-memory otherwise.
	var (
		escrowStore    escrow.Store
		registryStore  registry.Store
		challengeStore challenge.Store
		multisigStore  multisig.Store
		nonceStore     airgap.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		registryStore = registry.NewPostgresStore(db)
		challengeStore = challenge.NewPostgresStore(db)
		multisigStore = multisig.NewPostgresStore(db)
		nonceStore = airgap.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		registryStore = registry.NewMemoryStore()
		challengeStore = challenge.NewMemoryStore()
		multisigStore = multisig.NewMemoryStore()
		nonceStore = airgap.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data will not survive restarts")
	}

	// Realtime hub; the bridge feeds it from service notifiers.
	s.hub = realtime.NewHub(s.logger)
	bridge := realtime.NewBridge(s.hub)

	// Escrow lifecycle.
	s.escrowService = escrow.NewService(escrowStore, escrow.Timeouts{
		Created:   cfg.Timeouts.Created,
		Funded:    cfg.Timeouts.Funded,
		Releasing: cfg.Timeouts.Releasing,
		Refunding: cfg.Timeouts.Refunding,
		Disputed:  cfg.Timeouts.Disputed,
	}).WithNotifier(bridge).WithMaxAmount(cfg.MaxEscrowAmount)

	// Wallet registry. The arbiter client points at the server's own
	// wallet daemon; participant wallets are dialed at their endpoints.
	arbiterClient := walletrpc.New(cfg.ArbiterRPCURL,
		walletrpc.WithCredentials(s.arbiterCredentials()))
	s.registryService = registry.NewService(
		registryStore,
		walletrpc.NewDialer(),
		arbiterClient,
		security.EndpointPolicy{AllowPrivate: cfg.AllowPrivateEndpoints},
	).WithLogger(s.logger)

	// Challenge-response proof of wallet possession.
	s.challengeService = challenge.NewService(challengeStore).WithLogger(s.logger)

	// Multisig handshake coordinator. Each submission must prove wallet
	// possession against the challenge service; the converged address is
	// pinned onto the escrow record, which moves funding detection forward.
	s.multisigService = multisig.NewService(
		multisigStore,
		s.registryService,
		s.challengeService,
		func(ctx context.Context, escrowID, address string) error {
			_, err := s.escrowService.SetMultisigAddress(ctx, escrowID, address)
			return err
		},
	).WithLogger(s.logger).WithNotifier(bridge)

	// Air-gapped dispute resolution.
	s.airgapService = airgap.NewService(nonceStore, s.escrowService, cfg.ArbiterPublicKey()).
		WithLogger(s.logger).
		WithNotifier(bridge)
	if cfg.ArbiterPubKey == "" {
		s.logger.Warn("ARBITER_PUBKEY not set, decision import will reject all signatures")
	}

	// Background loops: expiry timer and funding watcher.
	s.timer = escrow.NewTimer(s.escrowService, escrowStore, cfg.Timeouts.PollInterval, cfg.Timeouts.WarnWindow, s.logger).
		WithStallChecker(s.multisigService, cfg.Timeouts.StallWindow)
	s.watcher = watcher.New(
		watcher.Config{PollInterval: cfg.WatchPollInterval, BatchLimit: 100},
		escrowStore,
		s.escrowService,
		s.registryService,
		s.logger,
	)

	rateCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitRPM > 0 {
		rateCfg.RequestsPerMinute = cfg.RateLimitRPM
	}
	s.limiter = ratelimit.New(rateCfg)

	s.registerHealthChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) arbiterCredentials() walletrpc.Credentials {
	return walletrpc.Credentials{
		Username: s.cfg.ArbiterRPCUsername,
		Password: s.cfg.ArbiterRPCPassword,
	}
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
	s.checks.Register("arbiter_wallet", func(ctx context.Context) health.Status {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		client := walletrpc.New(s.cfg.ArbiterRPCURL, walletrpc.WithCredentials(s.arbiterCredentials()))
		if _, err := client.GetVersion(probeCtx); err != nil {
			return health.Status{Name: "arbiter_wallet", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "arbiter_wallet", Healthy: true}
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"panic", fmt.Sprint(recovered),
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "an internal error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.limiter.Middleware())
	s.router.Use(metrics.Middleware())

	// Request ID + per-request logger in context.
	s.router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", latency.Round(time.Microsecond),
			"clientIp", c.ClientIP(),
		}
		switch {
		case status >= 500:
			logging.L(c.Request.Context()).Error("request", attrs...)
		case status >= 400:
			logging.L(c.Request.Context()).Warn("request", attrs...)
		default:
			logging.L(c.Request.Context()).Info("request", attrs...)
		}
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	registry.NewHandler(s.registryService).RegisterRoutes(v1)
	challenge.NewHandler(s.challengeService).RegisterRoutes(v1)
	multisig.NewHandler(s.multisigService).RegisterRoutes(v1)
	airgap.NewHandler(s.airgapService).RegisterRoutes(v1)
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx, s.cancelRunCtx = context.WithCancel(ctx)
	defer s.cancelRunCtx()

	shutdown, err := traces.Init(s.runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if s.db != nil {
		metrics.StartDBStatsCollector(s.runCtx, s.db, 15*time.Second)
	}

	go s.hub.Run(s.runCtx)
	go s.timer.Start(s.runCtx)
	s.watcher.Start(s.runCtx)
	go s.sweepChallenges(s.runCtx)

	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"arbiterRpc", s.cfg.ArbiterRPCURL,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	s.ready.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.Shutdown(srv)
}

// sweepChallenges periodically purges expired challenges.
func (s *Server) sweepChallenges(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.challengeService.Sweep(ctx)
		}
	}
}

// Shutdown drains connections and stops background loops.
func (s *Server) Shutdown(srv *http.Server) error {
	s.ready.Store(false)
	if s.cfg.IsProduction() {
		// Give load balancers a moment to observe the readiness flip.
		time.Sleep(5 * time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("graceful shutdown failed", "error", err)
	}

	s.timer.Stop()
	s.watcher.Stop()
	s.limiter.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(shutdownCtx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}
