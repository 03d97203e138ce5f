package bandit

import (
	"fmt"
	"math"
)

// Strategy is one sleeve competing for capital
type Strategy struct {
	Name           string  `json:"name" yaml:"name"`
	Volatility     float64 `json:"volatility" yaml:"volatility"`
	ExpectedReturn float64 `json:"expected_return" yaml:"expected_return"`
}

// StrategyAllocation is a strategy's share of capital and of portfolio risk
type StrategyAllocation struct {
	Name             string  `json:"name"`
	Allocation       float64 `json:"allocation"`
	RiskContribution float64 `json:"risk_contribution"`
	ExpectedReturn   float64 `json:"expected_return"`
}

// RiskParityResult is the output of ComputeRiskParity
type RiskParityResult struct {
	Allocations     []StrategyAllocation `json:"allocations"`
	PortfolioRisk   float64              `json:"portfolio_risk"`
	PortfolioReturn float64              `json:"portfolio_return"`
	SharpeRatio     float64              `json:"sharpe_ratio"`
}

// ComputeRiskParity weights strategies by inverse volatility so each
// contributes the same risk. Allocations sum to 1.
func ComputeRiskParity(strategies []Strategy) (RiskParityResult, error) {
	if len(strategies) == 0 {
		return RiskParityResult{}, fmt.Errorf("%w: no strategies", ErrInvalidStrategy)
	}

	var invSum float64
	for _, s := range strategies {
		if !(s.Volatility > 0) || math.IsInf(s.Volatility, 0) {
			return RiskParityResult{}, fmt.Errorf("%w: %q volatility must be positive, got %v", ErrInvalidStrategy, s.Name, s.Volatility)
		}
		if math.IsNaN(s.ExpectedReturn) || math.IsInf(s.ExpectedReturn, 0) {
			return RiskParityResult{}, fmt.Errorf("%w: %q expected return is not finite", ErrInvalidStrategy, s.Name)
		}
		invSum += 1 / s.Volatility
	}

	res := RiskParityResult{Allocations: make([]StrategyAllocation, len(strategies))}
	var sumSq float64
	for i, s := range strategies {
		a := (1 / s.Volatility) / invSum
		rc := a * s.Volatility
		res.Allocations[i] = StrategyAllocation{
			Name:             s.Name,
			Allocation:       a,
			RiskContribution: rc,
			ExpectedReturn:   s.ExpectedReturn,
		}
		sumSq += rc * rc
		res.PortfolioReturn += a * s.ExpectedReturn
	}
	res.PortfolioRisk = math.Sqrt(sumSq)
	if res.PortfolioRisk > 0 {
		res.SharpeRatio = res.PortfolioReturn / res.PortfolioRisk
	}
	return res, nil
}
