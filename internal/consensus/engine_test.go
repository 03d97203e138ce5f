package consensus

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/preset"
	"trading-control-core/internal/signals"
)

const sym = "BTC/USDT"

type closedGate struct{}

func (closedGate) IsTradingAllowed(symbol, exchange string) bool { return false }

func newTestEngine(t *testing.T, cfg Config, srcs ...signals.Source) (*Engine, *market.StaticFeed) {
	t.Helper()
	feed := market.NewStaticFeed()
	feed.Set(sym, 100, 1_000_000)
	e, err := NewEngine(cfg, preset.Balanced(), feed, logging.Nop())
	require.NoError(t, err)
	for _, s := range srcs {
		require.NoError(t, e.AddSource(s))
	}
	return e, feed
}

func static(c signals.Category, d signals.Direction, conf float64) *signals.StaticSource {
	s := signals.NewStaticSource(string(c)+"-static", c)
	s.Set(sym, d, conf)
	return s
}

func TestMakeDecision_ThreeSourceScenario(t *testing.T) {
	e, _ := newTestEngine(t, Config{},
		static(signals.CategoryML, signals.DirectionUp, 90),
		static(signals.CategoryTechnical, signals.DirectionUp, 80),
		static(signals.CategorySentiment, signals.DirectionDown, 60),
	)

	d, err := e.MakeDecision(context.Background(), sym)
	require.NoError(t, err)
	require.NotNil(t, d)

	buy := 0.35*0.9 + 0.25*0.8
	sell := 0.10 * 0.6
	assert.Equal(t, signals.ActionBuy, d.Action)
	assert.InDelta(t, buy/(buy+sell)*100, d.ConsensusScore, 1e-9)
	assert.InDelta(t, (0.35*90+0.25*80)/0.6, d.Confidence, 1e-9)
	assert.Equal(t, 100.0, d.EntryPrice)
	assert.InDelta(t, 98, d.StopLoss, 1e-9)
	assert.InDelta(t, 105, d.TargetPrice, 1e-9)
	assert.InDelta(t, 2.5, d.RiskRewardRatio, 1e-9)
	assert.Equal(t, "balanced", d.Preset)
	assert.LessOrEqual(t, len(d.Reasons), 5)
	assert.Contains(t, d.Reasons[0], "Consensus BUY")
	assert.Len(t, d.Signals, len(signals.AllCategories))

	stats := e.History().Stats()
	assert.Equal(t, 1, stats.Decisions)
	assert.Equal(t, 1, stats.ByAction[signals.ActionBuy])
}

func TestMakeDecision_Gates(t *testing.T) {
	lowRR := preset.Balanced()
	lowRR.RewardMultiple = 1.5

	tests := []struct {
		name   string
		srcs   []signals.Source
		preset preset.Preset
		gate   string
	}{
		{
			name: "split vote fails consensus",
			srcs: []signals.Source{
				static(signals.CategoryML, signals.DirectionUp, 90),
				static(signals.CategoryTechnical, signals.DirectionDown, 80),
			},
			preset: preset.Balanced(),
			gate:   GateConsensus,
		},
		{
			name: "unanimous but unsure fails confidence",
			srcs: []signals.Source{
				static(signals.CategoryML, signals.DirectionUp, 80),
				static(signals.CategoryTechnical, signals.DirectionBullish, 80),
			},
			preset: preset.Balanced(),
			gate:   GateConfidence,
		},
		{
			name: "tight target fails risk reward",
			srcs: []signals.Source{
				static(signals.CategoryML, signals.DirectionUp, 95),
			},
			preset: lowRR,
			gate:   GateRiskReward,
		},
		{
			name: "neutral consensus is hold",
			srcs: []signals.Source{
				static(signals.CategoryML, signals.DirectionNeutral, 90),
			},
			preset: preset.Balanced(),
			gate:   GateHold,
		},
		{
			name:   "no sources scores zero",
			preset: preset.Balanced(),
			gate:   GateConsensus,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, Config{}, tt.srcs...)
			d, err := e.MakeDecisionWithPreset(context.Background(), sym, tt.preset)
			require.NoError(t, err)
			assert.Nil(t, d)
			assert.Equal(t, 1, e.History().Stats().Rejections[tt.gate])
		})
	}
}

func TestMakeDecision_SellLevels(t *testing.T) {
	e, _ := newTestEngine(t, Config{},
		static(signals.CategoryML, signals.DirectionBearish, 92),
		static(signals.CategoryTechnical, signals.DirectionDown, 88),
	)
	d, err := e.MakeDecision(context.Background(), sym)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, signals.ActionSell, d.Action)
	assert.InDelta(t, 102, d.StopLoss, 1e-9)
	assert.InDelta(t, 95, d.TargetPrice, 1e-9)
	assert.Equal(t, 100.0, d.ConsensusScore)
}

func TestMakeDecision_DegradesFailingSources(t *testing.T) {
	failing := signals.NewFuncSource("tech", signals.CategoryTechnical, func(ctx context.Context, symbol string) (signals.Signal, error) {
		return signals.Signal{}, errors.New("indicator service down")
	})
	stuck := signals.NewFuncSource("pattern", signals.CategoryPattern, func(ctx context.Context, symbol string) (signals.Signal, error) {
		time.Sleep(2 * time.Second)
		return signals.Signal{Direction: signals.DirectionDown, Confidence: 100}, nil
	})
	panicky := signals.NewFuncSource("news", signals.CategoryNews, func(ctx context.Context, symbol string) (signals.Signal, error) {
		panic("nil feed")
	})

	e, _ := newTestEngine(t, Config{SourceTimeout: 50 * time.Millisecond},
		static(signals.CategoryML, signals.DirectionUp, 95),
		failing, stuck, panicky,
	)
	bus := events.NewEventBus()
	degraded := bus.Channel(8, events.EventSourceDegraded)
	e.SetEventBus(bus)

	start := time.Now()
	d, err := e.MakeDecision(context.Background(), sym)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.NotNil(t, d)
	assert.Equal(t, signals.ActionBuy, d.Action)
	assert.InDelta(t, 95, d.Confidence, 1e-9)
	for _, s := range d.Signals {
		if s.Source != signals.CategoryML {
			assert.Equal(t, signals.DirectionNeutral, s.Direction)
			assert.Zero(t, s.Confidence)
		}
	}

	select {
	case ev := <-degraded:
		assert.NotEmpty(t, ev.Data["source"])
	case <-time.After(time.Second):
		t.Fatal("expected a degraded-source event")
	}
}

func TestMakeDecision_GateClosedSkipsFanOut(t *testing.T) {
	var calls int32
	counting := signals.NewFuncSource("ml", signals.CategoryML, func(ctx context.Context, symbol string) (signals.Signal, error) {
		atomic.AddInt32(&calls, 1)
		return signals.Signal{Direction: signals.DirectionUp, Confidence: 99}, nil
	})
	e, _ := newTestEngine(t, Config{}, counting)
	e.SetGate(closedGate{})

	d, err := e.MakeDecision(context.Background(), sym)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, e.History().Stats().Rejections[GateEmergency])
}

func TestMakeDecision_MissingPrice(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, static(signals.CategoryML, signals.DirectionUp, 95))
	s := signals.NewStaticSource("tech", signals.CategoryTechnical)
	s.SetDefault(signals.DirectionUp, 95)
	require.NoError(t, e.AddSource(s))

	d, err := e.MakeDecision(context.Background(), "DOGE/USDT")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 1, e.History().Stats().Rejections[GatePrice])
}

func TestMakeDecision_ContractErrors(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.MakeDecision(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidSymbol)

	bad := preset.Balanced()
	bad.Weights.ML = 0.9
	_, err = e.MakeDecisionWithPreset(context.Background(), sym, bad)
	assert.ErrorIs(t, err, preset.ErrInvalidWeights)

	require.NoError(t, e.AddSource(static(signals.CategoryML, signals.DirectionUp, 1)))
	assert.ErrorIs(t, e.AddSource(static(signals.CategoryML, signals.DirectionUp, 1)), ErrDuplicateSource)
	assert.ErrorIs(t, e.AddSource(nil), ErrInvalidSource)

	_, err = NewEngine(Config{}, preset.Preset{Name: "broken"}, market.NewStaticFeed(), nil)
	assert.Error(t, err)
}

func TestMakeDecision_BreakerOpensOnRepeatedFailure(t *testing.T) {
	var calls int32
	flaky := signals.NewFuncSource("ml", signals.CategoryML, func(ctx context.Context, symbol string) (signals.Signal, error) {
		atomic.AddInt32(&calls, 1)
		return signals.Signal{}, errors.New("model offline")
	})
	e, _ := newTestEngine(t, Config{BreakerFailures: 2, BreakerCooldown: time.Minute}, flaky)

	for i := 0; i < 4; i++ {
		_, err := e.MakeDecision(context.Background(), sym)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "open", e.SourceStates()["ml"])
}

func TestMakeDecision_HistoryIsBounded(t *testing.T) {
	e, _ := newTestEngine(t, Config{HistorySize: 3},
		static(signals.CategoryML, signals.DirectionUp, 95),
	)
	for i := 0; i < 5; i++ {
		d, err := e.MakeDecision(context.Background(), sym)
		require.NoError(t, err)
		require.NotNil(t, d)
	}
	assert.Equal(t, 3, e.History().Len())
	assert.Len(t, e.History().Recent(10), 3)
	assert.Equal(t, 5, e.History().Stats().Evaluated)
}

func TestMakeDecision_PublishesDecision(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, static(signals.CategoryML, signals.DirectionUp, 95))
	bus := events.NewEventBus()
	made := bus.Channel(1, events.EventDecisionMade)
	e.SetEventBus(bus)

	_, err := e.MakeDecision(context.Background(), sym)
	require.NoError(t, err)

	select {
	case ev := <-made:
		assert.Equal(t, "BUY", ev.Data["action"])
	case <-time.After(time.Second):
		t.Fatal("expected decision event")
	}
}

// Random votes: any returned decision must have passed every gate, and every
// evaluation scoring below the consensus threshold must return nil.
func TestMakeDecision_RandomVotesRespectGates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dirs := []signals.Direction{signals.DirectionUp, signals.DirectionDown, signals.DirectionNeutral}
	p := preset.Balanced()

	for i := 0; i < 200; i++ {
		srcs := make([]signals.Source, 0, len(signals.AllCategories))
		votes := make([]signals.Signal, 0, len(signals.AllCategories))
		for _, c := range signals.AllCategories {
			dir := dirs[rng.Intn(len(dirs))]
			conf := rng.Float64() * 100
			srcs = append(srcs, static(c, dir, conf))
			votes = append(votes, signals.Signal{Source: c, Direction: dir, Confidence: conf})
		}
		e, _ := newTestEngine(t, Config{}, srcs...)

		tally := Score(votes, p.Weights)
		action := SelectAction(tally, 1.2)
		score := ConsensusScore(tally, action)

		d, err := e.MakeDecision(context.Background(), sym)
		require.NoError(t, err)
		if score < p.MinConsensusScore {
			assert.Nil(t, d)
		}
		if d != nil {
			assert.GreaterOrEqual(t, d.ConsensusScore, p.MinConsensusScore)
			assert.GreaterOrEqual(t, d.Confidence, p.MinConfidence)
			assert.GreaterOrEqual(t, d.RiskRewardRatio, p.MinRiskRewardRatio)
			assert.NotEqual(t, signals.ActionHold, d.Action)
		}
	}
}

func TestSelectAction(t *testing.T) {
	tests := []struct {
		name  string
		tally Tally
		want  signals.Action
	}{
		{"clear buy", Tally{Buy: 0.5, Sell: 0.1, Hold: 0.1}, signals.ActionBuy},
		{"clear sell", Tally{Buy: 0.1, Sell: 0.5}, signals.ActionSell},
		{"buy sell tie", Tally{Buy: 0.3, Sell: 0.3}, signals.ActionHold},
		{"buy within hold margin", Tally{Buy: 0.35, Hold: 0.3}, signals.ActionHold},
		{"buy just past hold margin", Tally{Buy: 0.37, Hold: 0.3}, signals.ActionBuy},
		{"empty", Tally{}, signals.ActionHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectAction(tt.tally, 1.2))
		})
	}
}

func TestConsensusScore_ZeroTotal(t *testing.T) {
	assert.Zero(t, ConsensusScore(Tally{}, signals.ActionBuy))
}
