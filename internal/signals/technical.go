package signals

import (
	"context"
	"fmt"
	"strings"
)

// Indicators is a precomputed indicator snapshot for a symbol. Indicator
// computation happens upstream.
type Indicators struct {
	Price         float64 `json:"price"`
	EMA20         float64 `json:"ema20"`
	EMA50         float64 `json:"ema50"`
	RSI           float64 `json:"rsi"`
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHistogram float64 `json:"macd_histogram"`
}

// IndicatorProvider supplies indicator snapshots
type IndicatorProvider interface {
	Indicators(ctx context.Context, symbol string) (Indicators, error)
}

// TechnicalSource votes from an indicator snapshot
type TechnicalSource struct {
	name     string
	provider IndicatorProvider
}

// NewTechnicalSource creates a technical source
func NewTechnicalSource(name string, provider IndicatorProvider) *TechnicalSource {
	return &TechnicalSource{name: name, provider: provider}
}

func (t *TechnicalSource) Name() string       { return t.name }
func (t *TechnicalSource) Category() Category { return CategoryTechnical }

func (t *TechnicalSource) Fetch(ctx context.Context, symbol string) (Signal, error) {
	ind, err := t.provider.Indicators(ctx, symbol)
	if err != nil {
		return Signal{}, err
	}
	return EvaluateIndicators(ind), nil
}

// EvaluateIndicators scores trend (EMA stack), momentum (RSI zones) and MACD
// crossover into bullish/bearish points. Confidence rises from 50 with the
// point spread.
func EvaluateIndicators(ind Indicators) Signal {
	bullish, bearish := 0, 0
	reasons := []string{}

	switch {
	case ind.Price > ind.EMA20 && ind.EMA20 > ind.EMA50:
		bullish += 2
		reasons = append(reasons, "Price > EMA20 > EMA50")
	case ind.Price < ind.EMA20 && ind.EMA20 < ind.EMA50:
		bearish += 2
		reasons = append(reasons, "Price < EMA20 < EMA50")
	case ind.Price > ind.EMA20:
		bullish++
		reasons = append(reasons, "Price > EMA20")
	case ind.Price < ind.EMA20:
		bearish++
		reasons = append(reasons, "Price < EMA20")
	}

	switch {
	case ind.RSI < 30:
		bullish += 2
		reasons = append(reasons, fmt.Sprintf("RSI oversold (%.1f)", ind.RSI))
	case ind.RSI > 70:
		bearish += 2
		reasons = append(reasons, fmt.Sprintf("RSI overbought (%.1f)", ind.RSI))
	case ind.RSI < 45:
		bullish++
		reasons = append(reasons, fmt.Sprintf("RSI bullish zone (%.1f)", ind.RSI))
	case ind.RSI > 55:
		bearish++
		reasons = append(reasons, fmt.Sprintf("RSI bearish zone (%.1f)", ind.RSI))
	}

	if ind.MACDHistogram > 0 && ind.MACD > ind.MACDSignal {
		bullish++
		reasons = append(reasons, "MACD bullish crossover")
	} else if ind.MACDHistogram < 0 && ind.MACD < ind.MACDSignal {
		bearish++
		reasons = append(reasons, "MACD bearish crossover")
	}

	sig := Signal{Source: CategoryTechnical, Direction: DirectionNeutral, Confidence: 50}
	total := bullish + bearish
	if total > 0 {
		spread := float64(bullish-bearish) / float64(total+2) * 40
		if bullish > bearish {
			sig.Direction = DirectionBullish
			sig.Confidence = 50 + spread
		} else if bearish > bullish {
			sig.Direction = DirectionBearish
			sig.Confidence = 50 - spread
		}
	}

	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	sig.Reason = "Technical: " + strings.Join(reasons, ", ")
	return sig
}
