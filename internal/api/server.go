package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/auth"
	"github.com/lsventura/cryptoTrader/internal/database"
	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/execution"
	"github.com/lsventura/cryptoTrader/internal/logging"
	"github.com/lsventura/cryptoTrader/internal/monitor"
	"github.com/lsventura/cryptoTrader/internal/strategy"
)

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Executor is the orchestrator surface the API drives
type Executor interface {
	Execute(ctx context.Context, d strategy.Decision) (*execution.ExecResult, error)
	Close(ctx context.Context) (*execution.CloseResult, error)
	UpdateStopLoss(ctx context.Context, price float64) (*execution.StopUpdateResult, error)
	StatusPanel(ctx context.Context) ([]execution.PanelRow, error)
	Symbol() string
	RiskMetrics() map[string]interface{}
}

// Monitors is the registry surface the API reads and stops
type Monitors interface {
	List() []monitor.Record
	Status(id string) (monitor.Status, error)
	Stop(id string, timeout time.Duration) error
}

// AuditReader serves the audit trail when Postgres is enabled
type AuditReader interface {
	Recent(ctx context.Context, monitorID string, limit int) ([]database.MonitorEvent, error)
}

// HealthChecker is implemented by optional backing services
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	StopTimeout    time.Duration // bounded join for DELETE /api/monitors/:id
	AuthEnabled    bool
	JWTSecret      string
	APITokenHash   string
	RateLimit      int // mutating requests per minute per client
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	exec        Executor
	monitors    Monitors
	audit       AuditReader   // nil when the database is disabled
	db          HealthChecker // nil when the database is disabled
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startedAt   time.Time
}

// Deps are the components the server exposes. Audit and DB may be nil.
type Deps struct {
	Executor Executor
	Monitors Monitors
	Audit    AuditReader
	DB       HealthChecker
	Bus      *events.EventBus
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 60
	}

	log := logging.WithComponent(logger, "API")
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", auth.APITokenHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      config,
		exec:        deps.Executor,
		monitors:    deps.Monitors,
		audit:       deps.Audit,
		db:          deps.DB,
		hub:         NewWSHub(log),
		rateLimiter: NewRateLimiter(config.RateLimit, time.Minute),
		logger:      log,
		startedAt:   time.Now(),
	}

	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}
	go s.hub.Run()

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	if s.config.AuthEnabled {
		api.Use(auth.Middleware(s.jwtManager(), s.config.APITokenHash))
	}

	{
		api.GET("/monitors", s.handleListMonitors)
		api.GET("/monitors/:id", s.handleGetMonitor)
		api.GET("/status", s.handleStatus)
		api.GET("/events", s.handleEvents)

		mutating := api.Group("")
		mutating.Use(s.rateLimitMiddleware())
		mutating.DELETE("/monitors/:id", s.handleStopMonitor)
		mutating.POST("/decisions", s.handleDecision)
		mutating.POST("/positions/close", s.handleClosePosition)
		mutating.POST("/positions/stop-loss", s.handleStopLoss)
	}

	if s.config.AuthEnabled {
		s.router.GET("/ws", auth.Middleware(s.jwtManager(), s.config.APITokenHash), s.handleWebSocket)
	} else {
		s.router.GET("/ws", s.handleWebSocket)
	}
}

func (s *Server) jwtManager() *auth.JWTManager {
	if s.config.JWTSecret == "" {
		return nil
	}
	return auth.NewJWTManager(s.config.JWTSecret, 0)
}

// rateLimitMiddleware limits mutating requests per client and path
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + " " + c.FullPath()
		if !s.rateLimiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("HTTP request")
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and the websocket hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
