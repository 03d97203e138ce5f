package risk

import (
	"errors"
	"fmt"
	"math"

	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
)

// ErrInvalidParams is returned for sizing requests that violate the contract
var ErrInvalidParams = errors.New("invalid sizing parameters")

// ErrBelowMinimum is returned when even the minimum position size would risk
// more than the per-trade budget.
var ErrBelowMinimum = errors.New("minimum position size exceeds risk budget")

// Sizing methods
const (
	MethodKelly         = "kelly"
	MethodFixedFraction = "fixed_fraction"
)

// SizerConfig holds position sizer limits. Fractions are of account balance.
type SizerConfig struct {
	KellyFractionCap    float64 `json:"kelly_fraction_cap"`
	FallbackFraction    float64 `json:"fallback_fraction"`
	MaxRiskPerTrade     float64 `json:"max_risk_per_trade"`
	DefaultStopDistance float64 `json:"default_stop_distance"`
	MinPositionSize     float64 `json:"min_position_size"`
	MaxPositionSize     float64 `json:"max_position_size"`

	LeverageWarning      float64 `json:"leverage_warning"`
	MinRiskRewardWarning float64 `json:"min_risk_reward_warning"`
	LargePositionWarning float64 `json:"large_position_warning"`
	LargeRiskWarning     float64 `json:"large_risk_warning"`
}

// DefaultSizerConfig returns the default limits
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		KellyFractionCap:     0.25,
		FallbackFraction:     0.01,
		MaxRiskPerTrade:      0.02,
		DefaultStopDistance:  0.02,
		MinPositionSize:      10,
		MaxPositionSize:      100000,
		LeverageWarning:      0.1,
		MinRiskRewardWarning: 1.5,
		LargePositionWarning: 50000,
		LargeRiskWarning:     1000,
	}
}

// Validate checks the limits are coherent
func (c SizerConfig) Validate() error {
	switch {
	case c.KellyFractionCap <= 0 || c.KellyFractionCap > 1:
		return fmt.Errorf("kelly fraction cap %v outside (0,1]", c.KellyFractionCap)
	case c.FallbackFraction <= 0 || c.FallbackFraction > 1:
		return fmt.Errorf("fallback fraction %v outside (0,1]", c.FallbackFraction)
	case c.MaxRiskPerTrade <= 0 || c.MaxRiskPerTrade > 1:
		return fmt.Errorf("max risk per trade %v outside (0,1]", c.MaxRiskPerTrade)
	case c.DefaultStopDistance <= 0 || c.DefaultStopDistance >= 1:
		return fmt.Errorf("default stop distance %v outside (0,1)", c.DefaultStopDistance)
	case c.MinPositionSize <= 0:
		return fmt.Errorf("min position size must be positive")
	case c.MinPositionSize > c.MaxPositionSize:
		return fmt.Errorf("min position size %v above max %v", c.MinPositionSize, c.MaxPositionSize)
	}
	return nil
}

// SizingParams describes the trade to size. StopLoss, TargetPrice,
// AvailableLiquidity and MaxPositionSize are optional (zero means absent).
type SizingParams struct {
	Symbol             string        `json:"symbol"`
	AccountBalance     float64       `json:"account_balance"`
	EntryPrice         float64       `json:"entry_price"`
	StopLoss           float64       `json:"stop_loss"`
	TargetPrice        float64       `json:"target_price"`
	Volatility         float64       `json:"volatility"`
	Regime             market.Regime `json:"regime"`
	Confidence         float64       `json:"confidence"`
	AvailableLiquidity float64       `json:"available_liquidity"`
	MaxPositionSize    float64       `json:"max_position_size"`
	CorrelationRisk    float64       `json:"correlation_risk"`
}

// Adjustments are the multiplicative factors applied to the base size
type Adjustments struct {
	Volatility  float64 `json:"volatility"`
	Regime      float64 `json:"regime"`
	Confidence  float64 `json:"confidence"`
	Liquidity   float64 `json:"liquidity"`
	Correlation float64 `json:"correlation"`
}

// Product multiplies all factors
func (a Adjustments) Product() float64 {
	return a.Volatility * a.Regime * a.Confidence * a.Liquidity * a.Correlation
}

// PositionSizingResult is the sizer's recommendation
type PositionSizingResult struct {
	Symbol             string      `json:"symbol"`
	RecommendedSizeUSD float64     `json:"recommended_size_usd"`
	Units              float64     `json:"units"`
	RiskAmount         float64     `json:"risk_amount"`
	RiskRewardRatio    float64     `json:"risk_reward_ratio"`
	Leverage           float64     `json:"leverage"`
	SizingMethod       string      `json:"sizing_method"`
	KellyFraction      float64     `json:"kelly_fraction"`
	BaseSize           float64     `json:"base_size"`
	Adjustments        Adjustments `json:"adjustments"`
	Confidence         float64     `json:"confidence"`
	Warnings           []string    `json:"warnings"`
}

// DynamicPositionSizer sizes positions from per-symbol risk history
type DynamicPositionSizer struct {
	cfg    SizerConfig
	store  *RiskMetricsStore
	bus    events.Publisher
	logger *logging.Logger
}

// NewDynamicPositionSizer creates a sizer reading history from store
func NewDynamicPositionSizer(cfg SizerConfig, store *RiskMetricsStore, logger *logging.Logger) (*DynamicPositionSizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("position sizer requires a metrics store")
	}
	return &DynamicPositionSizer{
		cfg:    cfg,
		store:  store,
		bus:    events.Nop{},
		logger: logging.OrDefault(logger).WithComponent("sizer"),
	}, nil
}

// SetEventBus attaches the event publisher
func (ps *DynamicPositionSizer) SetEventBus(p events.Publisher) {
	ps.bus = events.OrNop(p)
}

// Config returns the sizer limits
func (ps *DynamicPositionSizer) Config() SizerConfig {
	return ps.cfg
}

// Store returns the backing metrics store
func (ps *DynamicPositionSizer) Store() *RiskMetricsStore {
	return ps.store
}

// UpdateRiskMetrics records a closed trade
func (ps *DynamicPositionSizer) UpdateRiskMetrics(symbol string, outcome TradeOutcome) RiskMetrics {
	m := ps.store.UpdateRiskMetrics(symbol, outcome)
	ps.bus.Publish(events.Event{
		Type: events.EventRiskMetricsUpdated,
		Data: map[string]interface{}{
			"symbol":       symbol,
			"win_rate":     m.WinRate,
			"total_trades": m.TotalTrades,
			"var95":        m.VaR95,
		},
	})
	return m
}

// GetRiskMetrics returns the symbol's metrics
func (ps *DynamicPositionSizer) GetRiskMetrics(symbol string) (RiskMetrics, bool) {
	return ps.store.GetRiskMetrics(symbol)
}

// CalculateSize computes a bounded position size for params
func (ps *DynamicPositionSizer) CalculateSize(params SizingParams) (*PositionSizingResult, error) {
	if err := ps.validate(params); err != nil {
		return nil, err
	}
	log := logging.RiskContext(ps.logger, params.Symbol, params.AccountBalance, params.EntryPrice)
	res := &PositionSizingResult{Symbol: params.Symbol, Warnings: []string{}}

	// Base size
	metrics, ok := ps.store.GetRiskMetrics(params.Symbol)
	f := 0.0
	if ok && metrics.TotalTrades > 0 {
		f = KellyFraction(metrics.WinRate, metrics.AverageWin, metrics.AverageLoss, ps.cfg.KellyFractionCap)
	}
	if f > 0 {
		res.SizingMethod = MethodKelly
		res.KellyFraction = f
		res.BaseSize = params.AccountBalance * f
	} else {
		res.SizingMethod = MethodFixedFraction
		res.BaseSize = params.AccountBalance * ps.cfg.FallbackFraction
	}

	// Adjustments
	adj := Adjustments{
		Volatility: VolatilityFactor(params.Volatility),
		Regime:     RegimeFactor(params.Regime),
		Confidence: ConfidenceFactor(params.Confidence),
	}
	size := res.BaseSize * adj.Volatility * adj.Regime * adj.Confidence
	adj.Liquidity = LiquidityFactor(params.AvailableLiquidity, size)
	size *= adj.Liquidity
	adj.Correlation = CorrelationFactor(params.CorrelationRisk)
	size *= adj.Correlation
	res.Adjustments = adj

	// Risk cap
	stopDistance := math.Abs(params.EntryPrice - params.StopLoss)
	if params.StopLoss <= 0 || stopDistance == 0 {
		stopDistance = params.EntryPrice * ps.cfg.DefaultStopDistance
		res.Warnings = append(res.Warnings, fmt.Sprintf("No stop loss given, risk assumes a %.1f%% stop", ps.cfg.DefaultStopDistance*100))
	}
	maxRisk := params.AccountBalance * ps.cfg.MaxRiskPerTrade
	if risk := size / params.EntryPrice * stopDistance; risk > maxRisk {
		size *= maxRisk / risk
		res.Warnings = append(res.Warnings, fmt.Sprintf("Size reduced to keep risk within %.1f%% of balance", ps.cfg.MaxRiskPerTrade*100))
	}

	// Clamp
	upper := ps.cfg.MaxPositionSize
	if params.MaxPositionSize > 0 && params.MaxPositionSize < upper {
		upper = params.MaxPositionSize
	}
	if size < ps.cfg.MinPositionSize {
		if minRisk := ps.cfg.MinPositionSize / params.EntryPrice * stopDistance; minRisk > maxRisk+1e-9 {
			log.Warn("Trade refused, minimum size breaks the risk budget", "min_risk", minRisk, "max_risk", maxRisk)
			return nil, fmt.Errorf("%w: $%.2f minimum risks $%.2f, budget is $%.2f",
				ErrBelowMinimum, ps.cfg.MinPositionSize, minRisk, maxRisk)
		}
		size = ps.cfg.MinPositionSize
	}
	if size > upper {
		size = upper
	}

	res.RecommendedSizeUSD = size
	res.Units = size / params.EntryPrice
	res.RiskAmount = res.Units * stopDistance
	res.Leverage = size / params.AccountBalance
	if params.StopLoss > 0 && params.TargetPrice > 0 {
		if d := math.Abs(params.EntryPrice - params.StopLoss); d > 0 {
			res.RiskRewardRatio = math.Abs(params.TargetPrice-params.EntryPrice) / d
		}
	}
	res.Confidence = SizingConfidence(adj)
	res.Warnings = append(res.Warnings, ps.warnings(res)...)

	log.Debug("Position sized",
		"method", res.SizingMethod,
		"base", res.BaseSize,
		"size", res.RecommendedSizeUSD,
		"risk", res.RiskAmount,
		"adjustment", adj.Product(),
	)
	ps.bus.Publish(events.Event{
		Type: events.EventPositionSized,
		Data: map[string]interface{}{
			"symbol":   params.Symbol,
			"size_usd": res.RecommendedSizeUSD,
			"risk":     res.RiskAmount,
			"method":   res.SizingMethod,
			"leverage": res.Leverage,
		},
	})
	return res, nil
}

func (ps *DynamicPositionSizer) warnings(res *PositionSizingResult) []string {
	var w []string
	if res.Leverage > ps.cfg.LeverageWarning {
		w = append(w, fmt.Sprintf("High leverage: %.2fx of balance", res.Leverage))
	}
	if res.RiskRewardRatio > 0 && res.RiskRewardRatio < ps.cfg.MinRiskRewardWarning {
		w = append(w, fmt.Sprintf("Poor risk/reward ratio: %.2f", res.RiskRewardRatio))
	}
	if res.RecommendedSizeUSD > ps.cfg.LargePositionWarning {
		w = append(w, fmt.Sprintf("Large position: $%.2f", res.RecommendedSizeUSD))
	}
	if res.RiskAmount > ps.cfg.LargeRiskWarning {
		w = append(w, fmt.Sprintf("High risk amount: $%.2f", res.RiskAmount))
	}
	return w
}

func (ps *DynamicPositionSizer) validate(p SizingParams) error {
	for name, v := range map[string]float64{
		"account balance":  p.AccountBalance,
		"entry price":      p.EntryPrice,
		"stop loss":        p.StopLoss,
		"target price":     p.TargetPrice,
		"volatility":       p.Volatility,
		"confidence":       p.Confidence,
		"liquidity":        p.AvailableLiquidity,
		"max position":     p.MaxPositionSize,
		"correlation risk": p.CorrelationRisk,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidParams, name)
		}
	}
	switch {
	case p.AccountBalance <= 0:
		return fmt.Errorf("%w: account balance must be positive", ErrInvalidParams)
	case p.EntryPrice <= 0:
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidParams)
	case p.StopLoss < 0 || p.TargetPrice < 0:
		return fmt.Errorf("%w: stop and target must not be negative", ErrInvalidParams)
	case p.Confidence < 0 || p.Confidence > 100:
		return fmt.Errorf("%w: confidence %v outside [0,100]", ErrInvalidParams, p.Confidence)
	case p.Volatility < 0 || p.AvailableLiquidity < 0 || p.CorrelationRisk < 0:
		return fmt.Errorf("%w: volatility, liquidity and correlation must not be negative", ErrInvalidParams)
	case p.MaxPositionSize < 0:
		return fmt.Errorf("%w: max position size must not be negative", ErrInvalidParams)
	case p.MaxPositionSize > 0 && p.MaxPositionSize < ps.cfg.MinPositionSize:
		return fmt.Errorf("%w: max position size %v below minimum %v", ErrInvalidParams, p.MaxPositionSize, ps.cfg.MinPositionSize)
	}
	return nil
}

// KellyFraction returns f = (b*p - q)/b with b = avgWin/avgLoss, clamped to
// [0, limit]. With no recorded losses f = p.
func KellyFraction(winRate, avgWin, avgLoss, limit float64) float64 {
	var f float64
	switch {
	case avgLoss <= 0 && avgWin > 0:
		f = winRate
	case avgLoss <= 0 || avgWin <= 0:
		f = 0
	default:
		b := avgWin / avgLoss
		f = (b*winRate - (1 - winRate)) / b
	}
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	return math.Min(f, limit)
}

// VolatilityFactor shrinks size as volatility rises
func VolatilityFactor(vol float64) float64 {
	switch {
	case vol < 0.2:
		return 1.2
	case vol < 0.4:
		return 1.0
	case vol < 0.6:
		return 0.8
	default:
		return 0.6
	}
}

// RegimeFactor scales size by market regime
func RegimeFactor(r market.Regime) float64 {
	switch r {
	case market.RegimeTrending:
		return 1.1
	case market.RegimeRanging:
		return 0.9
	case market.RegimeEventDriven:
		return 0.7
	default:
		return 0.8
	}
}

// ConfidenceFactor scales size by decision confidence (0-100)
func ConfidenceFactor(conf float64) float64 {
	switch {
	case conf >= 90:
		return 1.2
	case conf >= 80:
		return 1.1
	case conf >= 70:
		return 1.0
	case conf >= 60:
		return 0.9
	case conf >= 50:
		return 0.8
	default:
		return 0.6
	}
}

// LiquidityFactor keeps the position within 1% of available liquidity. No
// liquidity data means no adjustment.
func LiquidityFactor(liquidity, size float64) float64 {
	if liquidity <= 0 || size <= 0 {
		return 1.0
	}
	return math.Min(1, liquidity*0.01/size)
}

// CorrelationFactor shrinks size when the trade overlaps existing holdings
func CorrelationFactor(corr float64) float64 {
	switch {
	case corr < 0.3:
		return 1.0
	case corr < 0.6:
		return 0.9
	case corr < 0.8:
		return 0.7
	default:
		return 0.5
	}
}

// SizingConfidence starts at 100 and loses points for each factor that moved
// the size.
func SizingConfidence(a Adjustments) float64 {
	conf := 100.0
	penalties := []struct {
		factor  float64
		penalty float64
	}{
		{a.Volatility, 10},
		{a.Regime, 15},
		{a.Confidence, 20},
		{a.Liquidity, 10},
		{a.Correlation, 15},
	}
	for _, p := range penalties {
		if math.Abs(p.factor-1.0) > 1e-9 {
			conf -= p.penalty
		}
	}
	return math.Max(0, conf)
}
