// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"tribunal/internal/arbitration"
	"tribunal/internal/circuitbreaker"
	"tribunal/internal/config"
	"tribunal/internal/decision"
	"tribunal/internal/evidence"
	"tribunal/internal/events"
	"tribunal/internal/health"
	"tribunal/internal/idgen"
	"tribunal/internal/ledger"
	"tribunal/internal/lifecycle"
	"tribunal/internal/logging"
	"tribunal/internal/metadata"
	"tribunal/internal/metrics"
	"tribunal/internal/ratelimit"
	"tribunal/internal/realtime"
	"tribunal/internal/security"
	"tribunal/internal/statuscache"
	"tribunal/internal/submitter"
	"tribunal/internal/traces"
	"tribunal/internal/validation"
	"tribunal/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainService is the escrow contract surface the server consumes:
// everything the submitter needs plus reads and party actions.
type ChainService interface {
	submitter.ChainWriter
	Request(ctx context.Context, contract common.Address, id common.Hash) (*lifecycle.ServiceRequest, error)
	CanSellerRespond(ctx context.Context, contract common.Address, id common.Hash) (bool, error)
	OpenDispute(ctx context.Context, contract common.Address, id common.Hash) (string, error)
	RespondToDispute(ctx context.Context, contract common.Address, id common.Hash, acceptRefund bool) (string, error)
	EscalateDispute(ctx context.Context, contract common.Address, id common.Hash) (string, error)
	CancelDispute(ctx context.Context, contract common.Address, id common.Hash) (string, error)
	ReleaseEscrow(ctx context.Context, contract common.Address, id common.Hash) (string, error)
	EarlyRelease(ctx context.Context, contract common.Address, id common.Hash) (string, error)
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	chain        ChainService
	store        evidence.Store
	backend      decision.Backend
	pipeline     *arbitration.Pipeline
	cache        statuscache.Cache
	realtimeHub  *realtime.Hub
	sweeper      *lifecycle.Timer
	escWatcher   *watcher.Watcher
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracesDown   func(context.Context) error
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

// WithChain sets a custom chain service (for testing)
func WithChain(c ChainService) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithStore sets a custom evidence store (for testing)
func WithStore(store evidence.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithBackend sets a custom decision backend (for testing)
func WithBackend(b decision.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chain/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
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
			s.store = evidence.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = evidence.NewMemoryStore()
			s.logger.Warn("using in-memory storage (set DATABASE_URL for persistence)")
		}
	}

	// Escrow contract client
	if s.chain == nil {
		client, err := ledger.New(ledger.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger client: %w", err)
		}
		s.chain = client
	}

	// Status cache: short-lived, invalidated on every mutation
	s.cache = statuscache.NewMemory(5 * time.Second)

	// Metadata resolver with a breaker per gateway host. Production
	// additionally rejects private and loopback fetch targets.
	resolverOpts := []metadata.Option{
		metadata.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
	}
	if cfg.IsProduction() {
		resolverOpts = append(resolverOpts, metadata.WithURLValidator(security.ValidateEndpointURL))
	}
	resolver := metadata.NewResolver(cfg.IPFSGateway, cfg.ArweaveGateway, resolverOpts...)

	if s.backend == nil {
		s.backend = decision.NewBreakerBackend(
			decision.NewHTTPBackend(cfg.DecisionAPIURL, cfg.DecisionAPIKey, cfg.DecisionModel),
			circuitbreaker.New(5, 30*time.Second),
		)
	}

	validator := events.NewValidator(cfg.WebhookSecret, cfg.AlchemySigningKey, []string{cfg.Network})
	sub := submitter.New(s.chain, s.logger, submitter.WithSkipChain(cfg.SkipChainCalls))

	s.pipeline = arbitration.New(validator, s.chain, s.store, s.backend, sub, s.logger,
		arbitration.WithConfidenceThreshold(cfg.ConfidenceThreshold),
		arbitration.WithResolver(resolver),
		arbitration.OnResolved(func(contract, requestID string) {
			s.cache.Invalidate(contract, requestID)
		}),
	)

	s.realtimeHub = realtime.NewHub(s.logger)

	// Release sweeper over requests with recorded evidence. Dispute
	// responses stay manual; sellers act through the API.
	s.sweeper = lifecycle.NewTimer(s.chain, s.chain, &storeTrackedLister{s.store}, s.logger)
	s.sweeper.SetResponsePolicy(lifecycle.ManualPolicy{}, s.chain)
	s.sweeper.OnReleased(func(contract, requestID string) {
		s.cache.Invalidate(contract, requestID)
		metrics.EscrowsReleasedTotal.Inc()
		s.realtimeHub.BroadcastLifecycle(realtime.EventEscrowReleased, contract, requestID,
			lifecycle.StatusEscrowReleased.String())
	})

	// Chain log watcher backstops webhook delivery
	if cfg.WatcherEnabled && cfg.EscrowContract != "" {
		if source, ok := s.chain.(watcher.LogSource); ok {
			wcfg := watcher.DefaultConfig()
			wcfg.EscrowContract = common.HexToAddress(cfg.EscrowContract)
			wcfg.Network = cfg.Network
			s.escWatcher = watcher.New(wcfg, source, s.pipeline, s.logger)
		} else {
			s.logger.Warn("chain service does not expose logs, watcher disabled")
		}
	}

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("chain", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := s.chain.SuggestGasPrice(ctx); err != nil {
			return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "chain", Healthy: true}
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Gin setup
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// storeTrackedLister adapts the evidence store to the sweeper.
type storeTrackedLister struct {
	store evidence.Store
}

func (l *storeTrackedLister) ListTracked(ctx context.Context, limit int) ([]lifecycle.TrackedRequest, error) {
	recs, err := l.store.ListTrackedRequests(ctx, limit)
	if err != nil {
		return nil, err
	}
	tracked := make([]lifecycle.TrackedRequest, 0, len(recs))
	for _, rec := range recs {
		tracked = append(tracked, lifecycle.TrackedRequest{
			Contract:  common.HexToAddress(rec.ContractAddress),
			RequestID: common.HexToHash(rec.RequestID),
		})
	}
	return tracked, nil
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
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = idgen.Hex(8)
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

	// WebSocket for real-time dispute activity
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// Escalation webhook (signature-authenticated, not API-authenticated)
	v1.POST("/events", s.eventsHandler)

	// Read side
	v1.GET("/requests/:contract/:id/status", s.statusHandler)
	// The wildcard must be named :contract to match the other /requests
	// routes (gin rejects differing wildcard names at the same position);
	// the captured value is still the request ID.
	v1.GET("/requests/:contract/audits", s.auditsHandler)
	v1.GET("/stats", s.statsHandler)

	// Party actions, proxied to the contract
	v1.POST("/requests/:contract/:id/dispute", s.actionHandler("openDispute", s.chain.OpenDispute))
	v1.POST("/requests/:contract/:id/respond", s.respondHandler)
	v1.POST("/requests/:contract/:id/escalate", s.actionHandler("escalateDispute", s.chain.EscalateDispute))
	v1.POST("/requests/:contract/:id/cancel", s.actionHandler("cancelDispute", s.chain.CancelDispute))
	v1.POST("/requests/:contract/:id/release", s.actionHandler("releaseEscrow", s.chain.ReleaseEscrow))
	v1.POST("/requests/:contract/:id/early-release", s.actionHandler("earlyRelease", s.chain.EarlyRelease))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) eventsHandler(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	metrics.EscalationsObservedTotal.WithLabelValues("webhook").Inc()

	res := s.pipeline.ProcessEvent(c.Request.Context(), raw, c.Request.Header)
	status := arbitration.HTTPStatus(res.Err)

	switch {
	case res.Err == nil:
		metrics.EventDeliveriesTotal.WithLabelValues("accepted").Inc()
	case status == http.StatusUnauthorized:
		metrics.EventDeliveriesTotal.WithLabelValues("unauthorized").Inc()
	case status == http.StatusBadRequest:
		metrics.EventDeliveriesTotal.WithLabelValues("invalid").Inc()
	default:
		metrics.EventDeliveriesTotal.WithLabelValues("failed").Inc()
	}

	if res.Err != nil {
		c.JSON(status, gin.H{
			"success":   false,
			"requestId": res.RequestID,
			"error":     res.Err.Error(),
		})
		return
	}

	if res.Decision != nil && !res.Duplicate {
		s.realtimeHub.BroadcastVerdict(
			res.ContractAddress, res.RequestID,
			res.Decision.Refund, res.Decision.Confidence, res.TransactionHash)
	}

	c.JSON(status, res)
}

type statusResponse struct {
	ContractAddress  string                `json:"contractAddress"`
	RequestID        string                `json:"requestId"`
	Status           string                `json:"status"`
	Description      string                `json:"description,omitempty"`
	NextDeadline     int64                 `json:"nextDeadline"`
	SellerRejected   bool                  `json:"sellerRejected"`
	BuyerRefunded    bool                  `json:"buyerRefunded"`
	CanSellerRespond bool                  `json:"canSellerRespond"`
	Permissions      lifecycle.Permissions `json:"permissions"`
	Cached           bool                  `json:"cached"`
}

func (s *Server) statusHandler(c *gin.Context) {
	contract, id, ok := s.requestKey(c)
	if !ok {
		return
	}

	if entry, hit := s.cache.Get(contract.Hex(), id.Hex()); hit {
		if resp, ok := entry.Payload.(statusResponse); ok {
			metrics.StatusCacheHitsTotal.WithLabelValues("hit").Inc()
			resp.Cached = true
			c.JSON(http.StatusOK, resp)
			return
		}
	}
	metrics.StatusCacheHitsTotal.WithLabelValues("miss").Inc()

	req, err := s.chain.Request(c.Request.Context(), contract, id)
	if err != nil {
		if errors.Is(err, ledger.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request_not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("ledger read failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_unavailable"})
		return
	}

	now := time.Now()
	canRespond, err := s.chain.CanSellerRespond(c.Request.Context(), contract, id)
	if err != nil {
		canRespond = false
	}

	resp := statusResponse{
		ContractAddress:  contract.Hex(),
		RequestID:        id.Hex(),
		Status:           req.Status.String(),
		Description:      lifecycle.Describe(req, now),
		NextDeadline:     req.NextDeadline.Unix(),
		SellerRejected:   req.SellerRejected,
		BuyerRefunded:    req.BuyerRefunded,
		CanSellerRespond: canRespond,
		Permissions:      lifecycle.PermissionsAt(req, now),
	}

	s.cache.Set(contract.Hex(), id.Hex(), &statuscache.Entry{
		Status:       resp.Status,
		NextDeadline: resp.NextDeadline,
		Payload:      resp,
	})

	c.JSON(http.StatusOK, resp)
}

func (s *Server) auditsHandler(c *gin.Context) {
	id := c.Param("contract")
	if !validation.IsValidRequestID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_id"})
		return
	}

	audits, err := s.store.ListAudits(c.Request.Context(), id, 50)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"requestId": id, "audits": audits})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime":       s.realtimeHub.Stats(),
		"sweeperRunning": s.sweeper.Running(),
	})
}

// actionHandler proxies a party action to the contract and invalidates
// the status cache for the affected key.
func (s *Server) actionHandler(name string, fn func(ctx context.Context, contract common.Address, id common.Hash) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		contract, id, ok := s.requestKey(c)
		if !ok {
			return
		}

		txHash, err := fn(c.Request.Context(), contract, id)
		if err != nil {
			s.actionError(c, name, err)
			return
		}

		s.afterAction(c, name, contract, id)
		c.JSON(http.StatusOK, gin.H{"success": true, "transactionHash": txHash})
	}
}

func (s *Server) respondHandler(c *gin.Context) {
	contract, id, ok := s.requestKey(c)
	if !ok {
		return
	}

	var body struct {
		AcceptRefund *bool `json:"acceptRefund"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AcceptRefund == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "acceptRefund (bool) is required"})
		return
	}

	txHash, err := s.chain.RespondToDispute(c.Request.Context(), contract, id, *body.AcceptRefund)
	if err != nil {
		s.actionError(c, "respondToDispute", err)
		return
	}

	s.afterAction(c, "respondToDispute", contract, id)
	c.JSON(http.StatusOK, gin.H{"success": true, "transactionHash": txHash})
}

func (s *Server) requestKey(c *gin.Context) (common.Address, common.Hash, bool) {
	contract := c.Param("contract")
	id := c.Param("id")
	if !validation.IsValidEthAddress(contract) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_contract_address"})
		return common.Address{}, common.Hash{}, false
	}
	if !validation.IsValidRequestID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_id"})
		return common.Address{}, common.Hash{}, false
	}

	ctx := logging.WithDispute(c.Request.Context(), contract, id)
	c.Request = c.Request.WithContext(ctx)
	return common.HexToAddress(contract), common.HexToHash(id), true
}

func (s *Server) actionError(c *gin.Context, name string, err error) {
	logging.L(c.Request.Context()).Warn("contract action failed", "action", name, "error", err)
	var txErr *ledger.TxError
	if errors.As(err, &txErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           "transaction_failed",
			"action":          name,
			"transactionHash": txErr.TxHash,
			"message":         err.Error(),
		})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "chain_unavailable", "action": name})
}

// afterAction invalidates cached status and notifies subscribers. Runs
// before the response so polling clients never see stale permissions.
func (s *Server) afterAction(c *gin.Context, name string, contract common.Address, id common.Hash) {
	s.cache.Invalidate(contract.Hex(), id.Hex())

	eventType := realtime.EventDisputeOpened
	switch name {
	case "escalateDispute":
		eventType = realtime.EventDisputeEscalated
	case "releaseEscrow", "earlyRelease":
		eventType = realtime.EventEscrowReleased
	}

	status := ""
	if req, err := s.chain.Request(c.Request.Context(), contract, id); err == nil {
		status = req.Status.String()
	}
	s.realtimeHub.BroadcastLifecycle(eventType, contract.Hex(), id.Hex(), status)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op without an OTLP endpoint)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("failed to init tracing", "error", err)
	} else {
		s.tracesDown = shutdown
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
			"network", s.cfg.Network,
			"arbiter", s.chain.Sender().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start release sweeper
	go s.sweeper.Start(runCtx)

	// Start escalation watcher
	if s.escWatcher != nil {
		if err := s.escWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start escalation watcher", "error", err)
		}
	}

	// Start DB stats collector
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

	// Cancel the context for all background goroutines (hub, sweeper, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escalation watcher
	if s.escWatcher != nil {
		s.escWatcher.Stop()
		s.logger.Info("escalation watcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
