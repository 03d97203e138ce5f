package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateRiskMetrics_StreamingMeans(t *testing.T) {
	s := NewRiskMetricsStore(0)

	s.UpdateRiskMetrics("ETH/USDT", TradeOutcome{PnL: 100, Return: 0.02})
	s.UpdateRiskMetrics("ETH/USDT", TradeOutcome{PnL: 300, Return: 0.06})
	m := s.UpdateRiskMetrics("ETH/USDT", TradeOutcome{PnL: -50, Return: -0.01})

	assert.Equal(t, 3, m.TotalTrades)
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-12)
	assert.InDelta(t, 200, m.AverageWin, 1e-12)
	assert.InDelta(t, 50, m.AverageLoss, 1e-12)
	assert.False(t, m.LastUpdated.IsZero())

	_, ok := s.GetRiskMetrics("BTC/USDT")
	assert.False(t, ok)
	assert.Len(t, s.AllRiskMetrics(), 1)
}

func TestUpdateRiskMetrics_HistoryCapped(t *testing.T) {
	s := NewRiskMetricsStore(5)
	for i := 0; i < 12; i++ {
		s.UpdateRiskMetrics("X", TradeOutcome{PnL: float64(i), Return: 0.001 * float64(i)})
	}
	h := s.History("X")
	require.Len(t, h, 5)
	assert.Equal(t, 7.0, h[0].PnL)
	assert.Equal(t, 11.0, h[4].PnL)

	m, _ := s.GetRiskMetrics("X")
	assert.Equal(t, 12, m.TotalTrades)
}

func TestUpdateRiskMetrics_TailStatistics(t *testing.T) {
	s := NewRiskMetricsStore(0)
	returns := []float64{0.10, -0.20, 0.05, -0.05, 0.02}
	var m RiskMetrics
	for _, r := range returns {
		m = s.UpdateRiskMetrics("X", TradeOutcome{PnL: r * 1000, Return: r})
	}

	// worst of 5 returns at the 5% tail
	assert.InDelta(t, 0.20, m.VaR95, 1e-12)
	// equity peaks at 1.1, bottoms at 1.1*0.8*1.05*0.95 = 0.8778
	assert.InDelta(t, (1.1-0.8778)/1.1*100, m.MaxDrawdown, 1e-9)
	assert.Less(t, m.SharpeRatio, 0.0)
}

func TestUpdateRiskMetrics_WinningStreakHasNoVaR(t *testing.T) {
	s := NewRiskMetricsStore(0)
	var m RiskMetrics
	for i := 0; i < 4; i++ {
		m = s.UpdateRiskMetrics("X", TradeOutcome{PnL: 10, Return: 0.01})
	}
	assert.Zero(t, m.VaR95)
	assert.Zero(t, m.MaxDrawdown)
	assert.Zero(t, m.SharpeRatio) // zero variance
	assert.Equal(t, 1.0, m.WinRate)
	assert.Zero(t, m.AverageLoss)
}

func TestRiskMetricsStore_SnapshotRestore(t *testing.T) {
	s := NewRiskMetricsStore(0)
	s.UpdateRiskMetrics("A", TradeOutcome{PnL: 10, Return: 0.01})
	s.UpdateRiskMetrics("A", TradeOutcome{PnL: -5, Return: -0.005})

	snap := s.Snapshot()
	require.Contains(t, snap, "A")

	restored := NewRiskMetricsStore(0)
	restored.Restore(snap)
	want, _ := s.GetRiskMetrics("A")
	got, ok := restored.GetRiskMetrics("A")
	require.True(t, ok)
	assert.Equal(t, want, got)

	// counts survive so the next update continues the streaming means
	m := restored.UpdateRiskMetrics("A", TradeOutcome{PnL: 30, Return: 0.03})
	assert.InDelta(t, 20, m.AverageWin, 1e-12)
	assert.Len(t, restored.History("A"), 3)
}
