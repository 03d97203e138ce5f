package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"trading-control-core/internal/auth"
	"trading-control-core/internal/bandit"
	"trading-control-core/internal/consensus"
	"trading-control-core/internal/emergency"
	"trading-control-core/internal/market"
	"trading-control-core/internal/pipeline"
	"trading-control-core/internal/preset"
	"trading-control-core/internal/risk"
	"trading-control-core/internal/signals"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, consensus.ErrInvalidSymbol),
		errors.Is(err, risk.ErrInvalidParams),
		errors.Is(err, risk.ErrBelowMinimum),
		errors.Is(err, emergency.ErrInvalidStop),
		errors.Is(err, bandit.ErrNoCandidates),
		errors.Is(err, bandit.ErrInvalidStrategy),
		errors.Is(err, bandit.ErrInvalidCapital):
		return http.StatusBadRequest
	case errors.Is(err, preset.ErrUnknownPreset):
		return http.StatusNotFound
	case errors.Is(err, emergency.ErrAlreadyActive),
		errors.Is(err, pipeline.ErrTradingHalted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(c *gin.Context, def int) int {
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func parseRegime(c *gin.Context, s string) (market.Regime, bool) {
	r, err := market.ParseRegime(s)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return "", false
	}
	return r, true
}

func (s *Server) candidates(c *gin.Context, names []string) ([]preset.Preset, bool) {
	presets, err := s.deps.Presets.Select(names)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return nil, false
	}
	return presets, true
}

// ============================================================================
// DECISIONS
// ============================================================================

type decisionRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Preset string `json:"preset"`
}

// handleMakeDecision runs a consensus decision. No trade is a successful
// response with null data.
func (s *Server) handleMakeDecision(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var (
		d   *consensus.Decision
		err error
	)
	if req.Preset == "" {
		d, err = s.deps.Engine.MakeDecision(c.Request.Context(), strings.ToUpper(req.Symbol))
	} else {
		p, perr := s.deps.Presets.Get(req.Preset)
		if perr != nil {
			errorResponse(c, statusFor(perr), perr.Error())
			return
		}
		d, err = s.deps.Engine.MakeDecisionWithPreset(c.Request.Context(), strings.ToUpper(req.Symbol), p)
	}
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, d)
}

func (s *Server) handleRecentDecisions(c *gin.Context) {
	successResponse(c, s.deps.Engine.History().Recent(queryLimit(c, 50)))
}

func (s *Server) handleDecisionStats(c *gin.Context) {
	successResponse(c, s.deps.Engine.History().Stats())
}

func (s *Server) handleSourceStates(c *gin.Context) {
	successResponse(c, s.deps.Engine.SourceStates())
}

// ============================================================================
// SIZING AND RISK
// ============================================================================

func (s *Server) handleCalculateSize(c *gin.Context) {
	var params risk.SizingParams
	if err := c.ShouldBindJSON(&params); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	regime, ok := parseRegime(c, string(params.Regime))
	if !ok {
		return
	}
	params.Regime = regime
	params.Symbol = strings.ToUpper(params.Symbol)

	result, err := s.deps.Sizer.CalculateSize(params)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, result)
}

func (s *Server) handleRiskMetrics(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	m, ok := s.deps.Risk.GetRiskMetrics(symbol)
	if !ok {
		errorResponse(c, http.StatusNotFound, "No risk metrics for "+symbol)
		return
	}
	successResponse(c, m)
}

func (s *Server) handleAllRiskMetrics(c *gin.Context) {
	successResponse(c, s.deps.Risk.AllRiskMetrics())
}

// ============================================================================
// EMERGENCY
// ============================================================================

func (s *Server) handleEmergencyStatus(c *gin.Context) {
	successResponse(c, s.deps.Emergency.GetEmergencyStatus())
}

func (s *Server) handleTradingAllowed(c *gin.Context) {
	symbol := strings.ToUpper(c.Query("symbol"))
	exchange := strings.ToUpper(c.Query("exchange"))
	successResponse(c, gin.H{
		"symbol":   symbol,
		"exchange": exchange,
		"allowed":  s.deps.Emergency.IsTradingAllowed(symbol, exchange),
	})
}

func (s *Server) handleTriggerStop(c *gin.Context) {
	var req emergency.StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.InitiatedBy = auth.Operator(c, req.InitiatedBy)

	id, err := s.deps.Emergency.TriggerStop(c.Request.Context(), req)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}

	stop, _ := s.deps.Emergency.GetStop(id)
	s.logger.Warn("Emergency stop triggered via API", "stop_id", id, "by", req.InitiatedBy, "type", req.Type)
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": stop})
}

type resolveRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleResolveStop(c *gin.Context) {
	var req resolveRequest
	// body is optional
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "resolved by operator"
	}

	id := c.Param("id")
	if !s.deps.Emergency.ResolveStop(id, auth.Operator(c, "api"), req.Reason) {
		s.stopNotActive(c, id)
		return
	}
	stop, _ := s.deps.Emergency.GetStop(id)
	successResponse(c, stop)
}

func (s *Server) handleCancelStop(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Emergency.CancelStop(id, auth.Operator(c, "api")) {
		s.stopNotActive(c, id)
		return
	}
	stop, _ := s.deps.Emergency.GetStop(id)
	successResponse(c, stop)
}

func (s *Server) stopNotActive(c *gin.Context, id string) {
	if _, ok := s.deps.Emergency.GetStop(id); ok {
		errorResponse(c, http.StatusConflict, "Stop "+id+" is no longer active")
		return
	}
	errorResponse(c, http.StatusNotFound, "Stop "+id+" not found")
}

func (s *Server) handleGetStop(c *gin.Context) {
	stop, ok := s.deps.Emergency.GetStop(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "Stop not found")
		return
	}
	successResponse(c, stop)
}

func (s *Server) handleStopHistory(c *gin.Context) {
	successResponse(c, s.deps.Emergency.History(queryLimit(c, 100)))
}

// handleStopAudit reads the persisted audit trail, which survives restarts
func (s *Server) handleStopAudit(c *gin.Context) {
	if s.deps.Archive == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Audit trail is not configured")
		return
	}
	stops, err := s.deps.Archive.RecentStops(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		s.logger.Error("Failed to read stop audit trail", "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to read audit trail")
		return
	}
	successResponse(c, stops)
}

// ============================================================================
// PRESETS AND BANDIT
// ============================================================================

func (s *Server) handlePresets(c *gin.Context) {
	successResponse(c, s.deps.Presets.All())
}

type selectRequest struct {
	Regime  string   `json:"regime"`
	Presets []string `json:"presets"`
}

func (s *Server) handleSelectPreset(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	regime, ok := parseRegime(c, req.Regime)
	if !ok {
		return
	}
	candidates, ok := s.candidates(c, req.Presets)
	if !ok {
		return
	}

	p, err := s.deps.Bandit.SelectPreset(regime, candidates)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, p)
}

type allocateRequest struct {
	Regime       string   `json:"regime"`
	TotalCapital float64  `json:"total_capital"`
	Presets      []string `json:"presets"`
}

func (s *Server) handleAllocateCapital(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	regime, ok := parseRegime(c, req.Regime)
	if !ok {
		return
	}
	candidates, ok := s.candidates(c, req.Presets)
	if !ok {
		return
	}

	alloc, err := s.deps.Bandit.AllocateCapital(regime, req.TotalCapital, candidates)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, alloc)
}

type riskParityRequest struct {
	Strategies []bandit.Strategy `json:"strategies"`
}

func (s *Server) handleRiskParity(c *gin.Context) {
	var req riskParityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	result, err := bandit.ComputeRiskParity(req.Strategies)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, result)
}

func (s *Server) handleBanditPerformance(c *gin.Context) {
	successResponse(c, s.deps.Bandit.AllPerformance())
}

// ============================================================================
// PIPELINE
// ============================================================================

func (s *Server) handleEvaluate(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	regime, ok := parseRegime(c, string(req.Regime))
	if !ok {
		return
	}
	req.Regime = regime
	req.Symbol = strings.ToUpper(req.Symbol)
	req.Exchange = strings.ToUpper(req.Exchange)

	plan, err := s.deps.Planner.Evaluate(c.Request.Context(), req)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, plan)
}

func (s *Server) handleRecordOutcome(c *gin.Context) {
	var o pipeline.Outcome
	if err := c.ShouldBindJSON(&o); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	regime, ok := parseRegime(c, string(o.Regime))
	if !ok {
		return
	}
	o.Regime = regime
	o.Symbol = strings.ToUpper(o.Symbol)
	o.Exchange = strings.ToUpper(o.Exchange)

	res, err := s.deps.Planner.RecordOutcome(c.Request.Context(), o)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, res)
}

// ============================================================================
// INPUTS
// ============================================================================

type pinRequest struct {
	Direction  string  `json:"direction" binding:"required"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handlePinSignal(c *gin.Context) {
	category := signals.Category(strings.ToUpper(c.Param("category")))
	pinner, ok := s.deps.Signals[category]
	if !ok {
		errorResponse(c, http.StatusNotFound, "No pinnable source for category "+string(category))
		return
	}

	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Confidence < 0 || req.Confidence > 100 {
		errorResponse(c, http.StatusBadRequest, "confidence must be within [0,100]")
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	dir := signals.Direction(strings.ToUpper(req.Direction))
	pinner.Set(symbol, dir, req.Confidence)
	successResponse(c, signals.Signal{Source: category, Direction: dir, Confidence: req.Confidence})
}

type quoteRequest struct {
	Price     float64 `json:"price"`
	Liquidity float64 `json:"liquidity"`
}

func (s *Server) handleSetQuote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Price <= 0 || req.Liquidity < 0 {
		errorResponse(c, http.StatusBadRequest, "price must be positive and liquidity non-negative")
		return
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	s.deps.Quotes.Set(symbol, req.Price, req.Liquidity)
	successResponse(c, gin.H{"symbol": symbol, "price": req.Price, "liquidity": req.Liquidity})
}
