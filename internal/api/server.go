// Package api exposes the control core over HTTP and streams bus events to
// dashboards over WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"trading-control-core/internal/auth"
	"trading-control-core/internal/bandit"
	"trading-control-core/internal/consensus"
	"trading-control-core/internal/emergency"
	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/pipeline"
	"trading-control-core/internal/preset"
	"trading-control-core/internal/risk"
	"trading-control-core/internal/signals"
)

// DecisionEngine is the consensus engine surface the API uses
type DecisionEngine interface {
	MakeDecision(ctx context.Context, symbol string) (*consensus.Decision, error)
	MakeDecisionWithPreset(ctx context.Context, symbol string, p preset.Preset) (*consensus.Decision, error)
	History() *consensus.History
	SourceStates() map[string]string
}

// PositionSizer sizes a trade
type PositionSizer interface {
	CalculateSize(params risk.SizingParams) (*risk.PositionSizingResult, error)
}

// RiskMetrics reads per-symbol risk statistics
type RiskMetrics interface {
	GetRiskMetrics(symbol string) (risk.RiskMetrics, bool)
	AllRiskMetrics() map[string]risk.RiskMetrics
}

// EmergencyControl is the emergency controller
type EmergencyControl interface {
	TriggerStop(ctx context.Context, req emergency.StopRequest) (string, error)
	ResolveStop(id, by, reason string) bool
	CancelStop(id, by string) bool
	IsTradingAllowed(symbol, exchange string) bool
	GetEmergencyStatus() emergency.Status
	GetStop(id string) (emergency.EmergencyStop, bool)
	History(limit int) []emergency.EmergencyStop
}

// Allocator is the preset bandit
type Allocator interface {
	SelectPreset(regime market.Regime, candidates []preset.Preset) (preset.Preset, error)
	AllocateCapital(regime market.Regime, totalCapital float64, candidates []preset.Preset) (bandit.Allocation, error)
	AllPerformance() []bandit.RegimePerformance
}

// Planner runs the full control loop
type Planner interface {
	Evaluate(ctx context.Context, req pipeline.Request) (*pipeline.Plan, error)
	RecordOutcome(ctx context.Context, o pipeline.Outcome) (pipeline.OutcomeResult, error)
}

// StopArchive reads the persisted stop audit trail
type StopArchive interface {
	RecentStops(ctx context.Context, limit int) ([]emergency.EmergencyStop, error)
	HealthCheck(ctx context.Context) error
}

// SignalPinner lets operators pin a category's vote for a symbol
type SignalPinner interface {
	Set(symbol string, direction signals.Direction, confidence float64)
}

// QuoteSetter updates the price feed
type QuoteSetter interface {
	Set(symbol string, price, liquidity float64)
}

// Deps are the components served by the API. Archive, Metrics, Auth,
// Signals and Quotes are optional.
type Deps struct {
	Engine    DecisionEngine
	Sizer     PositionSizer
	Risk      RiskMetrics
	Emergency EmergencyControl
	Bandit    Allocator
	Planner   Planner
	Presets   *preset.Catalogue
	Bus       *events.EventBus
	Archive   StopArchive
	Metrics   http.Handler
	Auth      *auth.JWTManager
	Signals   map[signals.Category]SignalPinner
	Quotes    QuoteSetter
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Deps
	stream     *EventStream
	logger     *logging.Logger
	started    time.Time
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger *logging.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	log := logging.OrDefault(logger).WithComponent("api")
	router := gin.New()
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:  router,
		config:  config,
		deps:    deps,
		logger:  log,
		started: time.Now(),
	}

	if deps.Bus != nil {
		server.stream = NewEventStream(deps.Bus, log)
	}

	server.setupRoutes()
	return server
}

// Router exposes the gin engine, mainly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Stream returns the WebSocket event stream, nil when no bus was supplied
func (s *Server) Stream() *EventStream {
	return s.stream
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.stream != nil {
		s.router.GET("/ws/events", s.handleWebSocket)
	}

	api := s.router.Group("/api")

	decisions := api.Group("/decisions")
	{
		decisions.POST("", s.handleMakeDecision)
		decisions.GET("", s.handleRecentDecisions)
		decisions.GET("/stats", s.handleDecisionStats)
		decisions.GET("/sources", s.handleSourceStates)
	}

	api.POST("/sizing", s.handleCalculateSize)
	api.GET("/risk", s.handleAllRiskMetrics)
	api.GET("/risk/:symbol", s.handleRiskMetrics)

	em := api.Group("/emergency")
	{
		em.GET("/status", s.handleEmergencyStatus)
		em.GET("/trading-allowed", s.handleTradingAllowed)
		em.GET("/history", s.handleStopHistory)
		em.GET("/audit", s.handleStopAudit)
		em.GET("/stops/:id", s.handleGetStop)

		operator := em.Group("", auth.Middleware(s.deps.Auth))
		operator.POST("/stops", s.handleTriggerStop)
		operator.POST("/stops/:id/resolve", s.handleResolveStop)
		operator.POST("/stops/:id/cancel", s.handleCancelStop)
	}

	api.GET("/presets", s.handlePresets)

	b := api.Group("/bandit")
	{
		b.POST("/select", s.handleSelectPreset)
		b.POST("/allocate", s.handleAllocateCapital)
		b.POST("/risk-parity", s.handleRiskParity)
		b.GET("/performance", s.handleBanditPerformance)
	}

	feed := api.Group("", auth.Middleware(s.deps.Auth))
	if len(s.deps.Signals) > 0 {
		feed.PUT("/signals/:category/:symbol", s.handlePinSignal)
	}
	if s.deps.Quotes != nil {
		feed.PUT("/market/:symbol", s.handleSetQuote)
	}

	if s.deps.Planner != nil {
		p := api.Group("/pipeline")
		p.POST("/evaluate", s.handleEvaluate)
		p.POST("/outcomes", s.handleRecordOutcome)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	readTimeout, writeTimeout := s.config.ReadTimeout, s.config.WriteTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if s.stream != nil {
		s.stream.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"trading": s.deps.Emergency.GetEmergencyStatus().TradingEnabled,
	}
	if s.stream != nil {
		resp["ws_clients"] = s.stream.ClientCount()
	}

	if s.deps.Archive != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Archive.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "healthy"
	}

	c.JSON(http.StatusOK, resp)
}

func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		args := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("HTTP request failed", args...)
			return
		}
		log.Debug("HTTP request", args...)
	}
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
