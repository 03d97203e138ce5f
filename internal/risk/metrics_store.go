package risk

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultHistoryLimit is the number of closed trades kept per symbol
const DefaultHistoryLimit = 100

// TradeOutcome is a closed trade. PnL is in account currency, Return is the
// fractional return on the position (0.02 = +2%).
type TradeOutcome struct {
	Symbol   string    `json:"symbol"`
	PnL      float64   `json:"pnl"`
	Return   float64   `json:"return"`
	ClosedAt time.Time `json:"closed_at"`
}

// Win reports whether the trade made money
func (o TradeOutcome) Win() bool {
	return o.PnL > 0
}

// RiskMetrics are per-symbol rolling statistics. WinRate is in [0,1];
// AverageWin and AverageLoss are non-negative magnitudes in account currency.
// VaR95 is the 95% historical value-at-risk of Return as a positive fraction;
// MaxDrawdown is a percentage of peak equity.
type RiskMetrics struct {
	WinRate     float64   `json:"win_rate"`
	AverageWin  float64   `json:"average_win"`
	AverageLoss float64   `json:"average_loss"`
	VaR95       float64   `json:"var95"`
	MaxDrawdown float64   `json:"max_drawdown"`
	SharpeRatio float64   `json:"sharpe_ratio"`
	TotalTrades int       `json:"total_trades"`
	LastUpdated time.Time `json:"last_updated"`
}

// SymbolState is the persisted form of one symbol's risk record
type SymbolState struct {
	Metrics RiskMetrics    `json:"metrics"`
	Wins    int            `json:"wins"`
	Losses  int            `json:"losses"`
	History []TradeOutcome `json:"history"`
}

// RiskMetricsStore is the keyed per-symbol risk store. Updates to one symbol are
// serialized; different symbols never interact.
type RiskMetricsStore struct {
	mu           sync.RWMutex
	symbols      map[string]*SymbolState
	historyLimit int
}

// NewRiskMetricsStore creates an empty store
func NewRiskMetricsStore(historyLimit int) *RiskMetricsStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &RiskMetricsStore{
		symbols:      make(map[string]*SymbolState),
		historyLimit: historyLimit,
	}
}

// UpdateRiskMetrics folds one closed trade into the symbol's statistics and
// returns the updated metrics.
func (s *RiskMetricsStore) UpdateRiskMetrics(symbol string, outcome TradeOutcome) RiskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.symbols[symbol]
	if !ok {
		st = &SymbolState{}
		s.symbols[symbol] = st
	}
	if outcome.ClosedAt.IsZero() {
		outcome.ClosedAt = time.Now()
	}
	outcome.Symbol = symbol

	m := &st.Metrics
	n := float64(m.TotalTrades)
	win := 0.0
	if outcome.Win() {
		win = 1
	}
	m.WinRate = (m.WinRate*n + win) / (n + 1)

	switch {
	case outcome.PnL > 0:
		m.AverageWin = (m.AverageWin*float64(st.Wins) + outcome.PnL) / float64(st.Wins+1)
		st.Wins++
	case outcome.PnL < 0:
		m.AverageLoss = (m.AverageLoss*float64(st.Losses) - outcome.PnL) / float64(st.Losses+1)
		st.Losses++
	}
	m.TotalTrades++
	m.LastUpdated = outcome.ClosedAt

	st.History = append(st.History, outcome)
	if len(st.History) > s.historyLimit {
		st.History = st.History[len(st.History)-s.historyLimit:]
	}

	returns := make([]float64, len(st.History))
	for i, o := range st.History {
		returns[i] = o.Return
	}
	m.VaR95 = valueAtRisk(returns, 0.95)
	m.MaxDrawdown = maxDrawdown(returns)
	m.SharpeRatio = sharpe(returns)

	return *m
}

// GetRiskMetrics returns the symbol's metrics; ok is false when the symbol has
// no closed trades.
func (s *RiskMetricsStore) GetRiskMetrics(symbol string) (RiskMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok {
		return RiskMetrics{}, false
	}
	return st.Metrics, true
}

// AllRiskMetrics returns a copy of every symbol's metrics
func (s *RiskMetricsStore) AllRiskMetrics() map[string]RiskMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]RiskMetrics, len(s.symbols))
	for k, st := range s.symbols {
		out[k] = st.Metrics
	}
	return out
}

// History returns the symbol's retained trades, oldest first
func (s *RiskMetricsStore) History(symbol string) []TradeOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return append([]TradeOutcome(nil), st.History...)
}

// Snapshot returns a deep copy of the store for persistence
func (s *RiskMetricsStore) Snapshot() map[string]SymbolState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SymbolState, len(s.symbols))
	for k, st := range s.symbols {
		cp := *st
		cp.History = append([]TradeOutcome(nil), st.History...)
		out[k] = cp
	}
	return out
}

// Restore replaces the store contents with a snapshot
func (s *RiskMetricsStore) Restore(snapshot map[string]SymbolState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = make(map[string]*SymbolState, len(snapshot))
	for k, st := range snapshot {
		cp := st
		if len(cp.History) > s.historyLimit {
			cp.History = cp.History[len(cp.History)-s.historyLimit:]
		}
		cp.History = append([]TradeOutcome(nil), cp.History...)
		s.symbols[k] = &cp
	}
}

// valueAtRisk is the historical VaR at the given confidence, as a positive
// loss fraction. Zero when the tail is not a loss.
func valueAtRisk(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if sorted[idx] >= 0 {
		return 0
	}
	return -sorted[idx]
}

// maxDrawdown compounds returns into an equity curve and returns the largest
// peak-to-trough decline in percent.
func maxDrawdown(returns []float64) float64 {
	equity, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst * 100
}

// sharpe is the per-trade mean over sample standard deviation
func sharpe(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return 0
	}
	return mean / std
}
