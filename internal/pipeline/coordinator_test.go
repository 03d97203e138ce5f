package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-control-core/internal/bandit"
	"trading-control-core/internal/consensus"
	"trading-control-core/internal/emergency"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/preset"
	"trading-control-core/internal/risk"
	"trading-control-core/internal/signals"
)

type fakeEngine struct {
	mu       sync.Mutex
	decision *consensus.Decision
	err      error
	calls    []string
	during   func()
}

func (f *fakeEngine) MakeDecisionWithPreset(ctx context.Context, symbol string, p preset.Preset) (*consensus.Decision, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.Name)
	f.mu.Unlock()
	if f.during != nil {
		f.during()
	}
	if f.decision == nil {
		return nil, f.err
	}
	d := *f.decision
	d.Symbol = symbol
	d.Preset = p.Name
	return &d, f.err
}

type memJournal struct {
	decisions []consensus.Decision
}

func (j *memJournal) RecordDecision(ctx context.Context, d consensus.Decision) error {
	j.decisions = append(j.decisions, d)
	return nil
}

type fixture struct {
	coord   *Coordinator
	engine  *fakeEngine
	stops   *emergency.Controller
	bandit  *bandit.Bandit
	journal *memJournal
}

func buy() *consensus.Decision {
	return &consensus.Decision{
		Action:          signals.ActionBuy,
		Confidence:      90,
		ConsensusScore:  88,
		EntryPrice:      100,
		StopLoss:        98,
		TargetPrice:     105,
		RiskRewardRatio: 2.5,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stops := emergency.NewController(emergency.Config{}, logging.Nop())

	bcfg := bandit.DefaultConfig()
	bcfg.ExplorationRate = 0
	b, err := bandit.New(bcfg, logging.Nop())
	require.NoError(t, err)

	sizer, err := risk.NewDynamicPositionSizer(risk.DefaultSizerConfig(), risk.NewRiskMetricsStore(0), logging.Nop())
	require.NoError(t, err)

	cat, err := preset.NewCatalogue(preset.Builtin())
	require.NoError(t, err)

	feed := market.NewStaticFeed()
	feed.Set("BTCUSDT", 100, 1_000_000)

	f := &fixture{engine: &fakeEngine{decision: buy()}, stops: stops, bandit: b, journal: &memJournal{}}
	f.coord, err = New(Deps{
		Gate:      stops,
		Engine:    f.engine,
		Sizer:     sizer,
		Allocator: b,
		Monitor:   stops,
		Feed:      feed,
		Presets:   cat,
		Ledger:    risk.NewDailyLedger(10000),
		Journal:   f.journal,
	}, logging.Nop())
	require.NoError(t, err)
	return f
}

func request() Request {
	return Request{
		Symbol:          "BTCUSDT",
		Exchange:        "binance",
		Regime:          market.RegimeTrending,
		AccountBalance:  10000,
		Volatility:      0.2,
		CorrelationRisk: 0.1,
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, logging.Nop())
	assert.Error(t, err)
}

func TestEvaluate_ProducesSizedPlan(t *testing.T) {
	f := newFixture(t)

	plan, err := f.coord.Evaluate(context.Background(), request())
	require.NoError(t, err)
	require.True(t, plan.Actionable())

	assert.Equal(t, "balanced", plan.Allocation.Preset)
	assert.InDelta(t, 5000, plan.Allocation.Amount, 1e-9)
	assert.Equal(t, []string{"balanced"}, f.engine.calls)
	assert.Equal(t, "balanced", plan.Decision.Preset)

	// 1% of the allocated 5000, trending 1.1, confidence 90 -> 1.2
	assert.Equal(t, risk.MethodFixedFraction, plan.Sizing.SizingMethod)
	assert.InDelta(t, 50*1.1*1.2, plan.Sizing.RecommendedSizeUSD, 1e-9)
	assert.LessOrEqual(t, plan.Sizing.RiskAmount, 5000*0.02)

	require.Len(t, f.journal.decisions, 1)
	assert.Equal(t, signals.ActionBuy, f.journal.decisions[0].Action)
}

func TestEvaluate_PresetSubset(t *testing.T) {
	f := newFixture(t)
	req := request()
	req.Presets = []string{"swing", "position"}

	plan, err := f.coord.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "swing", plan.Allocation.Preset)

	req.Presets = []string{"unknown"}
	_, err = f.coord.Evaluate(context.Background(), req)
	assert.ErrorIs(t, err, preset.ErrUnknownPreset)
}

func TestEvaluate_NoTrade(t *testing.T) {
	f := newFixture(t)
	f.engine.decision = nil

	plan, err := f.coord.Evaluate(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Nil(t, plan.Decision)
	assert.Nil(t, plan.Sizing)
	assert.False(t, plan.Actionable())
	assert.Empty(t, f.journal.decisions)
}

func TestEvaluate_EngineError(t *testing.T) {
	f := newFixture(t)
	f.engine.decision = nil
	f.engine.err = errors.New("boom")

	_, err := f.coord.Evaluate(context.Background(), request())
	assert.EqualError(t, err, "boom")
}

func TestEvaluate_HaltedBeforeStart(t *testing.T) {
	f := newFixture(t)
	_, err := f.stops.TriggerStop(context.Background(), emergency.StopRequest{
		Type:     emergency.StopExchange,
		Reason:   "venue down",
		Scope:    []string{"binance"},
		Severity: emergency.SeverityHigh,
	})
	require.NoError(t, err)

	_, err = f.coord.Evaluate(context.Background(), request())
	assert.ErrorIs(t, err, ErrTradingHalted)
	assert.Empty(t, f.engine.calls)

	req := request()
	req.Exchange = "kraken"
	_, err = f.coord.Evaluate(context.Background(), req)
	assert.NoError(t, err)
}

func TestEvaluate_HaltedMidDecision(t *testing.T) {
	f := newFixture(t)
	f.engine.during = func() {
		_, err := f.stops.TriggerStop(context.Background(), emergency.StopRequest{
			Type:     emergency.StopSymbol,
			Reason:   "flash crash",
			Scope:    []string{"BTCUSDT"},
			Severity: emergency.SeverityCritical,
		})
		require.NoError(t, err)
	}

	_, err := f.coord.Evaluate(context.Background(), request())
	assert.ErrorIs(t, err, ErrTradingHalted)
	assert.Empty(t, f.journal.decisions)
}

func TestEvaluate_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Evaluate(context.Background(), Request{})
	assert.ErrorIs(t, err, consensus.ErrInvalidSymbol)

	req := request()
	req.AccountBalance = -1
	_, err = f.coord.Evaluate(context.Background(), req)
	assert.ErrorIs(t, err, bandit.ErrInvalidCapital)
}

func TestRecordOutcome_UpdatesStoresAndWeights(t *testing.T) {
	f := newFixture(t)

	res, err := f.coord.RecordOutcome(context.Background(), Outcome{
		Symbol: "BTCUSDT",
		Preset: "swing",
		Regime: market.RegimeTrending,
		PnL:    120,
		Return: 0.03,
		Risk:   0.01,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RiskMetrics.TotalTrades)
	assert.Equal(t, 1.0, res.RiskMetrics.WinRate)
	// reward 3 with learning rate 0.01 from 1.0
	assert.InDelta(t, 1.02, res.BanditWeight, 1e-12)
	assert.InDelta(t, 1.02, f.bandit.Weight("swing", market.RegimeTrending), 1e-12)
	assert.InDelta(t, 120, res.Ledger.DailyPnL, 1e-9)
	assert.Empty(t, res.TriggeredStop)
	assert.True(t, f.stops.IsTradingAllowed("BTCUSDT", ""))
}

func TestRecordOutcome_ConsecutiveLossesHaltTrading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loss := Outcome{Symbol: "BTCUSDT", Preset: "balanced", Regime: market.RegimeRanging, PnL: -10, Return: -0.001, Risk: 0.01}

	for i := 0; i < 4; i++ {
		res, err := f.coord.RecordOutcome(ctx, loss)
		require.NoError(t, err)
		require.Empty(t, res.TriggeredStop)
	}
	res, err := f.coord.RecordOutcome(ctx, loss)
	require.NoError(t, err)
	require.Len(t, res.TriggeredStop, 1)
	assert.Equal(t, 5, res.Ledger.ConsecutiveLosses)

	assert.False(t, f.stops.IsTradingAllowed("ETHUSDT", ""))
	_, err = f.coord.Evaluate(ctx, request())
	assert.ErrorIs(t, err, ErrTradingHalted)

	// the same condition is not triggered twice
	res, err = f.coord.RecordOutcome(ctx, loss)
	require.NoError(t, err)
	assert.Empty(t, res.TriggeredStop)
}

func TestRecordOutcome_DailyLossHaltsTrading(t *testing.T) {
	f := newFixture(t)
	res, err := f.coord.RecordOutcome(context.Background(), Outcome{Symbol: "BTCUSDT", PnL: -1500})
	require.NoError(t, err)
	require.Len(t, res.TriggeredStop, 1)
	assert.InDelta(t, 15, res.Ledger.DailyLossPercent, 1e-9)
	assert.Zero(t, res.BanditWeight)

	stop, ok := f.stops.GetStop(res.TriggeredStop[0])
	require.True(t, ok)
	assert.Equal(t, emergency.SeverityCritical, stop.Severity)
	assert.Equal(t, "daily_loss", stop.ConditionKey)
}

func TestHealthMetrics(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RecordOutcome(context.Background(), Outcome{Symbol: "BTCUSDT", PnL: -200})
	require.NoError(t, err)

	samples, err := f.coord.HealthMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 1, samples[0].ConsecutiveLosses)
	assert.InDelta(t, 2, samples[0].DailyLossPercent, 1e-9)
}
