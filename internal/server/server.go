// Package server wires the escrow engine together: stores, payment
// gateway, HTTP routes, middleware, and lifecycle management.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/babyresell/escrow-engine/internal/auth"
	"github.com/babyresell/escrow-engine/internal/catalog"
	"github.com/babyresell/escrow-engine/internal/circuitbreaker"
	"github.com/babyresell/escrow-engine/internal/config"
	"github.com/babyresell/escrow-engine/internal/escrow"
	"github.com/babyresell/escrow-engine/internal/fees"
	"github.com/babyresell/escrow-engine/internal/gateway"
	"github.com/babyresell/escrow-engine/internal/health"
	"github.com/babyresell/escrow-engine/internal/idgen"
	"github.com/babyresell/escrow-engine/internal/logging"
	"github.com/babyresell/escrow-engine/internal/metrics"
	"github.com/babyresell/escrow-engine/internal/money"
	"github.com/babyresell/escrow-engine/internal/ratelimit"
	"github.com/babyresell/escrow-engine/internal/security"
	"github.com/babyresell/escrow-engine/internal/sellers"
	"github.com/babyresell/escrow-engine/internal/traces"
	"github.com/babyresell/escrow-engine/internal/validation"
	"github.com/babyresell/escrow-engine/internal/webhooks"
)

// Server is the escrow engine HTTP server.
type Server struct {
	cfg *config.Config
	db  *sql.DB

	authManager   *auth.Manager
	items         *catalog.Service
	directory     *sellers.Service
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	reconciler    *webhooks.Reconciler

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx   context.CancelFunc
	tracesShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	gateway  gateway.PaymentGateway
	verifier gateway.WebhookVerifier
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithGateway injects a payment gateway and webhook verifier, bypassing
// the Stripe client. Used by tests.
func WithGateway(gw gateway.PaymentGateway, v gateway.WebhookVerifier) Option {
	return func(o *options) {
		o.gateway = gw
		o.verifier = v
	}
}

// New creates a fully wired server. With cfg.DatabaseURL set, state lives
// in PostgreSQL; otherwise everything is in-memory (demo mode, state is
// lost on restart).
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		format := "text"
		if cfg.IsProduction() {
			format = "json"
		}
		logger = logging.New(cfg.LogLevel, format)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		healthReg: health.NewRegistry(),
	}

	var (
		escrowStore escrow.Store
		itemStore   catalog.Store
		sellerStore sellers.Store
		authStore   auth.Store
		eventLog    webhooks.EventLog
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		s.db = db
		logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		pgAuth := auth.NewPostgresStore(db)
		migCtx, cancelMig := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelMig()
		if err := pgAuth.Migrate(migCtx); err != nil {
			return nil, fmt.Errorf("migrate api_keys: %w", err)
		}

		escrowStore = escrow.NewPostgresStore(db)
		itemStore = catalog.NewPostgresStore(db)
		sellerStore = sellers.NewPostgresStore(db)
		authStore = pgAuth
		eventLog = webhooks.NewPostgresEventLog(db)

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		logger.Warn("no DATABASE_URL set, using in-memory stores (state is lost on restart)")
		escrowStore = escrow.NewMemoryStore()
		itemStore = catalog.NewMemoryStore()
		sellerStore = sellers.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		eventLog = webhooks.NewMemoryEventLog()
	}

	gw := o.gateway
	verifier := o.verifier
	if gw == nil {
		stripe := gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		gw = gateway.WithBreaker(stripe, circuitbreaker.New(5, 30*time.Second))
		verifier = stripe
	}

	s.authManager = auth.NewManager(authStore)
	s.items = catalog.NewService(itemStore)
	s.directory = sellers.NewService(sellerStore)

	s.escrowService = escrow.NewService(escrowStore, gw, s.items, s.directory).
		WithPayouts(escrow.NewPayoutDispatcher(gw, s.directory, escrowStore)).
		WithAutoReleaseWindow(cfg.AutoReleaseWindow)

	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, logger).
		WithInterval(cfg.SweepInterval)

	s.reconciler = webhooks.NewReconciler(verifier, s.escrowService, escrowStore, s.directory, eventLog)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitRPS / 5,
		CleanupInterval:   time.Minute,
	})

	s.healthReg.Register("auto_release_timer", func(ctx context.Context) health.Status {
		return health.Status{Name: "auto_release_timer", Healthy: s.escrowTimer.Running()}
	})

	s.setupRouter()
	s.healthy.Store(true)

	return s, nil
}

// Router returns the gin engine. Exposed for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic recovered", "error", fmt.Sprint(err), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}))
	r.Use(security.HeadersMiddleware())
	r.Use(security.CORSMiddleware([]string{"*"}))
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	r.Use(s.rateLimiter.Middleware())
	r.Use(metrics.Middleware())
	r.Use(s.requestIDMiddleware())
	r.Use(s.loggingMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/health/live", s.handleLive)
	r.GET("/health/ready", s.handleReady)
	r.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler(s.authManager)
	escrowHandler := escrow.NewHandler(s.escrowService, s.escrowTimer)
	webhookHandler := webhooks.NewHandler(s.reconciler)

	v1 := r.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	// Public: webhook delivery is signature-verified, registration hands
	// out the first API key.
	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/accounts", s.handleRegisterAccount)
	webhookHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authManager))
	protected.Use(auth.RequireAuth(s.authManager))
	escrowHandler.RegisterProtectedRoutes(protected)
	protected.POST("/items", s.handleCreateItem)
	protected.GET("/items/:id", s.handleGetItem)
	protected.GET("/auth/me", authHandler.GetCurrentUser)
	protected.GET("/auth/keys", authHandler.ListKeys)
	protected.POST("/auth/keys", authHandler.CreateKey)
	protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
	protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)

	s.router = r
}

// registerAccountRequest is the body for POST /v1/accounts.
type registerAccountRequest struct {
	UserID          string `json:"userId"`
	Name            string `json:"name"`
	Seller          bool   `json:"seller"`
	PayoutAccountID string `json:"payoutAccountId"`
	Tier            string `json:"tier"`
}

// handleRegisterAccount registers a marketplace user and returns their
// first API key. Sellers are additionally added to the payout directory.
func (s *Server) handleRegisterAccount(c *gin.Context) {
	var req registerAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = idgen.WithPrefix("user_")
	}
	if !validation.IsValidID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "userId must look like user_abc123",
		})
		return
	}

	keyName := req.Name
	if keyName == "" {
		keyName = "Default key"
	}

	ctx := c.Request.Context()

	if req.Seller {
		tier := fees.Tier(req.Tier)
		if _, err := s.directory.Register(ctx, userID, req.PayoutAccountID, tier); err != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "Seller is already registered",
			})
			return
		}
	}

	rawKey, key, err := s.authManager.GenerateKey(ctx, userID, keyName)
	if err != nil {
		s.logger.Error("failed to generate API key", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	s.logger.Info("account registered",
		"userId", userID,
		"seller", req.Seller,
		"keyId", key.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"userId":  userID,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"seller":  req.Seller,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// createItemRequest is the body for POST /v1/items.
type createItemRequest struct {
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
}

// handleCreateItem lists an item for sale under the authenticated seller.
func (s *Server) handleCreateItem(c *gin.Context) {
	var req createItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title, price, and currency are required",
		})
		return
	}

	verrs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.PositiveAmount("price", req.Price),
		validation.ValidCurrency("currency", req.Currency),
	)
	if len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": verrs,
		})
		return
	}

	now := time.Now()
	item := &catalog.Item{
		ID:        idgen.WithPrefix("item_"),
		SellerID:  c.GetString(auth.ContextKeyUserID),
		Title:     validation.SanitizeString(req.Title, 200),
		Price:     money.Amount(req.Price),
		Currency:  strings.ToUpper(req.Currency),
		Status:    catalog.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.items.Create(c.Request.Context(), item); err != nil {
		s.logger.Error("failed to create item", "itemId", item.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create item",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"item": item})
}

// handleGetItem returns a listing by ID.
func (s *Server) handleGetItem(c *gin.Context) {
	item, err := s.items.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Item not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	status := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"healthy": healthy && s.healthy.Load(),
		"checks":  statuses,
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start).String(),
			"requestId", c.Writer.Header().Get("X-Request-ID"),
		}

		switch {
		case status >= 500:
			s.logger.Error("request failed", attrs...)
		case status >= 400:
			s.logger.Warn("request rejected", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	if at := strings.Index(dsn, "@"); at >= 0 {
		if proto := strings.Index(dsn, "://"); proto >= 0 && proto < at {
			return dsn[:proto+3] + "***" + dsn[at:]
		}
	}
	return dsn
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesShutdown = shutdown

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
		s.logger.Info("server listening",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"autoReleaseWindow", s.cfg.AutoReleaseWindow.String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go s.escrowTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Give the listener a moment before reporting ready.
	time.Sleep(100 * time.Millisecond)
	s.ready.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server. Readiness flips first so load
// balancers drain before connections close.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Let load balancers notice the readiness change.
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	s.escrowTimer.Stop()
	s.rateLimiter.Stop()

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}
