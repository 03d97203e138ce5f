// Package pipeline runs one pass of the control loop for a symbol: pick a
// preset and capital split, decide, size, and feed realized outcomes back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading-control-core/internal/bandit"
	"trading-control-core/internal/consensus"
	"trading-control-core/internal/emergency"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/preset"
	"trading-control-core/internal/risk"
)

// ErrTradingHalted is returned when the emergency gate closes mid-evaluation
var ErrTradingHalted = errors.New("trading halted by emergency stop")

// Gate is the emergency controller's trading check
type Gate interface {
	IsTradingAllowed(symbol, exchange string) bool
}

// DecisionMaker is the consensus engine
type DecisionMaker interface {
	MakeDecisionWithPreset(ctx context.Context, symbol string, p preset.Preset) (*consensus.Decision, error)
}

// Sizer is the position sizer
type Sizer interface {
	CalculateSize(params risk.SizingParams) (*risk.PositionSizingResult, error)
	UpdateRiskMetrics(symbol string, outcome risk.TradeOutcome) risk.RiskMetrics
}

// Allocator is the preset bandit
type Allocator interface {
	AllocateCapital(regime market.Regime, totalCapital float64, candidates []preset.Preset) (bandit.Allocation, error)
	UpdateWeights(presetName string, regime market.Regime, perf bandit.Performance) float64
}

// ConditionChecker receives health samples derived from realized P&L
type ConditionChecker interface {
	CheckEmergencyConditions(ctx context.Context, m emergency.SystemMetrics) []string
}

// Journal persists actionable decisions
type Journal interface {
	RecordDecision(ctx context.Context, d consensus.Decision) error
}

// Deps are the coordinator's collaborators. Journal is optional.
type Deps struct {
	Gate      Gate
	Engine    DecisionMaker
	Sizer     Sizer
	Allocator Allocator
	Monitor   ConditionChecker
	Feed      market.PriceFeed
	Presets   *preset.Catalogue
	Ledger    *risk.DailyLedger
	Journal   Journal
}

// Request is one evaluation for a symbol
type Request struct {
	Symbol          string        `json:"symbol"`
	Exchange        string        `json:"exchange"`
	Regime          market.Regime `json:"regime"`
	AccountBalance  float64       `json:"account_balance"`
	Volatility      float64       `json:"volatility"`
	CorrelationRisk float64       `json:"correlation_risk"`
	MaxPositionSize float64       `json:"max_position_size"`
	Presets         []string      `json:"presets,omitempty"`
}

// Plan is the result of an evaluation. Decision and Sizing are nil when
// there is nothing to trade.
type Plan struct {
	Symbol     string                     `json:"symbol"`
	Regime     market.Regime              `json:"regime"`
	Allocation bandit.Allocation          `json:"allocation"`
	Decision   *consensus.Decision        `json:"decision"`
	Sizing     *risk.PositionSizingResult `json:"sizing"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// Actionable reports whether the plan carries a sized decision
func (p *Plan) Actionable() bool {
	return p != nil && p.Decision != nil && p.Sizing != nil
}

// Outcome is a closed trade reported back by the execution side
type Outcome struct {
	Symbol   string        `json:"symbol"`
	Exchange string        `json:"exchange"`
	Preset   string        `json:"preset"`
	Regime   market.Regime `json:"regime"`
	PnL      float64       `json:"pnl"`
	Return   float64       `json:"return"`
	Risk     float64       `json:"risk"`
	ClosedAt time.Time     `json:"closed_at"`
}

// OutcomeResult summarizes the state changes caused by an outcome
type OutcomeResult struct {
	RiskMetrics   risk.RiskMetrics    `json:"risk_metrics"`
	BanditWeight  float64             `json:"bandit_weight"`
	Ledger        risk.LedgerSnapshot `json:"ledger"`
	TriggeredStop []string            `json:"triggered_stops,omitempty"`
}

// Coordinator wires the four control components together
type Coordinator struct {
	deps   Deps
	logger *logging.Logger
}

// New validates deps and creates a coordinator
func New(deps Deps, logger *logging.Logger) (*Coordinator, error) {
	switch {
	case deps.Gate == nil:
		return nil, errors.New("pipeline: gate is required")
	case deps.Engine == nil:
		return nil, errors.New("pipeline: decision engine is required")
	case deps.Sizer == nil:
		return nil, errors.New("pipeline: sizer is required")
	case deps.Allocator == nil:
		return nil, errors.New("pipeline: allocator is required")
	case deps.Presets == nil:
		return nil, errors.New("pipeline: preset catalogue is required")
	}
	if deps.Ledger == nil {
		deps.Ledger = risk.NewDailyLedger(0)
	}
	return &Coordinator{deps: deps, logger: logging.OrDefault(logger).WithComponent("pipeline")}, nil
}

func (c *Coordinator) allowed(req Request) error {
	if !c.deps.Gate.IsTradingAllowed(req.Symbol, req.Exchange) {
		return fmt.Errorf("%w: %s", ErrTradingHalted, req.Symbol)
	}
	return nil
}

// Evaluate runs allocate, decide and size for one symbol, checking the
// emergency gate between every step.
func (c *Coordinator) Evaluate(ctx context.Context, req Request) (*Plan, error) {
	if req.Symbol == "" {
		return nil, consensus.ErrInvalidSymbol
	}
	if req.Regime == "" {
		req.Regime = market.RegimeUnknown
	}
	log := logging.SignalContext(c.logger, req.Symbol, "").WithField("regime", string(req.Regime))

	if err := c.allowed(req); err != nil {
		return nil, err
	}

	candidates, err := c.deps.Presets.Select(req.Presets)
	if err != nil {
		return nil, err
	}
	alloc, err := c.deps.Allocator.AllocateCapital(req.Regime, req.AccountBalance, candidates)
	if err != nil {
		return nil, fmt.Errorf("allocate capital: %w", err)
	}
	p, err := c.deps.Presets.Get(alloc.Preset)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Symbol: req.Symbol, Regime: req.Regime, Allocation: alloc, CreatedAt: time.Now()}

	if err := c.allowed(req); err != nil {
		return nil, err
	}

	dec, err := c.deps.Engine.MakeDecisionWithPreset(ctx, req.Symbol, p)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		// the engine also answers nil when its own gate check fails
		if err := c.allowed(req); err != nil {
			return nil, err
		}
		log.Debug("No trade", "preset", p.Name)
		return plan, nil
	}
	plan.Decision = dec

	if err := c.allowed(req); err != nil {
		return nil, err
	}

	if alloc.Amount <= 0 {
		log.Warn("Allocation is empty, decision left unsized", "preset", p.Name, "fraction", alloc.AllocationFraction)
		return plan, nil
	}

	params := risk.SizingParams{
		Symbol:          req.Symbol,
		AccountBalance:  alloc.Amount,
		EntryPrice:      dec.EntryPrice,
		StopLoss:        dec.StopLoss,
		TargetPrice:     dec.TargetPrice,
		Volatility:      req.Volatility,
		Regime:          req.Regime,
		Confidence:      dec.Confidence,
		CorrelationRisk: req.CorrelationRisk,
		MaxPositionSize: req.MaxPositionSize,
	}
	if c.deps.Feed != nil {
		liq, err := c.deps.Feed.Liquidity(ctx, req.Symbol)
		if err != nil {
			log.Warn("Liquidity unavailable, sizing without it", "error", err)
		} else {
			params.AvailableLiquidity = liq
		}
	}

	sizing, err := c.deps.Sizer.CalculateSize(params)
	if err != nil {
		return nil, fmt.Errorf("size position: %w", err)
	}

	if err := c.allowed(req); err != nil {
		return nil, err
	}
	plan.Sizing = sizing

	if c.deps.Journal != nil {
		if err := c.deps.Journal.RecordDecision(ctx, *dec); err != nil {
			log.Warn("Failed to journal decision", "error", err)
		}
	}

	log.Info("Plan ready",
		"preset", p.Name,
		"action", string(dec.Action),
		"size_usd", sizing.RecommendedSizeUSD,
		"risk", sizing.RiskAmount,
		"allocation", alloc.AllocationFraction,
	)
	return plan, nil
}

// RecordOutcome feeds a closed trade into the risk store, the bandit and the
// daily ledger, then checks the loss limits.
func (c *Coordinator) RecordOutcome(ctx context.Context, o Outcome) (OutcomeResult, error) {
	if o.Symbol == "" {
		return OutcomeResult{}, consensus.ErrInvalidSymbol
	}
	if o.Regime == "" {
		o.Regime = market.RegimeUnknown
	}
	if o.ClosedAt.IsZero() {
		o.ClosedAt = time.Now()
	}

	var res OutcomeResult
	res.RiskMetrics = c.deps.Sizer.UpdateRiskMetrics(o.Symbol, risk.TradeOutcome{
		Symbol:   o.Symbol,
		PnL:      o.PnL,
		Return:   o.Return,
		ClosedAt: o.ClosedAt,
	})

	if o.Preset != "" {
		res.BanditWeight = c.deps.Allocator.UpdateWeights(o.Preset, o.Regime, bandit.Performance{
			Return:  o.Return,
			Risk:    o.Risk,
			WinRate: res.RiskMetrics.WinRate,
		})
	}

	res.Ledger = c.deps.Ledger.RecordClose(o.PnL)

	if c.deps.Monitor != nil {
		res.TriggeredStop = c.deps.Monitor.CheckEmergencyConditions(ctx, emergency.SystemMetrics{
			Symbol:            o.Symbol,
			Exchange:          o.Exchange,
			ConsecutiveLosses: res.Ledger.ConsecutiveLosses,
			DailyLossPercent:  res.Ledger.DailyLossPercent,
		})
	}

	logging.RiskContext(c.logger, o.Symbol, res.Ledger.AccountBalance, 0).Info("Outcome recorded",
		"pnl", o.PnL,
		"preset", o.Preset,
		"win_rate", res.RiskMetrics.WinRate,
		"daily_loss_pct", res.Ledger.DailyLossPercent,
		"consecutive_losses", res.Ledger.ConsecutiveLosses,
		"stops", len(res.TriggeredStop),
	)
	return res, nil
}

// HealthMetrics reports the ledger's loss figures as a system-wide sample.
// It is meant to be polled by the emergency controller's health loop.
func (c *Coordinator) HealthMetrics(ctx context.Context) ([]emergency.SystemMetrics, error) {
	snap := c.deps.Ledger.Snapshot()
	return []emergency.SystemMetrics{{
		ConsecutiveLosses: snap.ConsecutiveLosses,
		DailyLossPercent:  snap.DailyLossPercent,
	}}, nil
}

// Ledger returns the daily ledger
func (c *Coordinator) Ledger() *risk.DailyLedger {
	return c.deps.Ledger
}
