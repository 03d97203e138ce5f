package bandit

import (
	"math"
	"time"

	"trading-control-core/internal/market"
)

// Performance is the realized result of trading one preset, fed back into
// UpdateWeights. Return and Risk are in the same unit (fraction of capital).
type Performance struct {
	Return  float64 `json:"return"`
	Risk    float64 `json:"risk"`
	WinRate float64 `json:"win_rate"`
}

// Reward is the risk-adjusted, win-rate weighted return. Zero when risk is
// not positive or the inputs are not finite.
func (p Performance) Reward() float64 {
	if p.Risk <= 0 {
		return 0
	}
	r := p.Return / p.Risk * p.WinRate
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// RegimePerformance aggregates outcomes for one preset under one regime
type RegimePerformance struct {
	Regime      market.Regime `json:"regime"`
	Preset      string        `json:"preset"`
	TotalTrades int           `json:"total_trades"`
	WinRate     float64       `json:"win_rate"`
	AvgReturn   float64       `json:"avg_return"`
	SharpeRatio float64       `json:"sharpe_ratio"`
	LastUpdated time.Time     `json:"last_updated"`
}

// PerformanceState is RegimePerformance plus the running sum of squared
// deviations, so the variance can be updated in one pass and persisted.
type PerformanceState struct {
	RegimePerformance
	M2 float64 `json:"m2"`
}

func (s *PerformanceState) observe(ret float64, at time.Time) {
	if math.IsNaN(ret) || math.IsInf(ret, 0) {
		return
	}
	n := float64(s.TotalTrades)
	win := 0.0
	if ret > 0 {
		win = 1
	}
	s.WinRate = (s.WinRate*n + win) / (n + 1)

	delta := ret - s.AvgReturn
	s.AvgReturn += delta / (n + 1)
	s.M2 += delta * (ret - s.AvgReturn)
	s.TotalTrades++

	s.SharpeRatio = 0
	if s.TotalTrades > 1 {
		sd := math.Sqrt(s.M2 / float64(s.TotalTrades-1))
		if sd > 0 {
			s.SharpeRatio = s.AvgReturn / sd
		}
	}
	s.LastUpdated = at
}
