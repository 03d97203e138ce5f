package signals

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDirection(t *testing.T) {
	tests := []struct {
		in   Direction
		want Action
	}{
		{"UP", ActionBuy},
		{"bullish", ActionBuy},
		{"Long", ActionBuy},
		{"DOWN", ActionSell},
		{"Bearish", ActionSell},
		{"short", ActionSell},
		{"NEUTRAL", ActionHold},
		{"", ActionHold},
		{"sideways", ActionHold},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDirection(tt.in), string(tt.in))
	}
}

func TestSignal_Sanitize(t *testing.T) {
	assert.Equal(t, 0.0, Signal{Confidence: -4}.Sanitize().Confidence)
	assert.Equal(t, 100.0, Signal{Confidence: 140}.Sanitize().Confidence)
	assert.Equal(t, 0.0, Signal{Confidence: math.NaN()}.Sanitize().Confidence)
	assert.Equal(t, 55.0, Signal{Confidence: 55}.Sanitize().Confidence)
}

func TestNeutral(t *testing.T) {
	n := Neutral(CategoryWhale)
	assert.Equal(t, CategoryWhale, n.Source)
	assert.Equal(t, ActionHold, n.Action())
	assert.Zero(t, n.Confidence)
	assert.True(t, n.Degraded)
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource("ml-static", CategoryML)
	_, err := s.Fetch(context.Background(), "BTC/USDT")
	assert.Error(t, err)

	s.Set("BTC/USDT", DirectionUp, 90)
	sig, err := s.Fetch(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, sig.Action())
	assert.Equal(t, 90.0, sig.Confidence)

	s.SetDefault(DirectionNeutral, 50)
	sig, err = s.Fetch(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, ActionHold, sig.Action())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Fetch(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFuncSource_StampsCategory(t *testing.T) {
	src := NewFuncSource("news", CategoryNews, func(ctx context.Context, symbol string) (Signal, error) {
		return Signal{Direction: DirectionDown, Confidence: 70}, nil
	})
	sig, err := src.Fetch(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, CategoryNews, sig.Source)
	assert.Equal(t, "news", src.Name())
}

func TestLinearScorer(t *testing.T) {
	s := LinearScorer{
		Weights:   map[string]float64{"momentum": 0.6, "volume": 0.4},
		Threshold: 0.2,
	}

	dir, conf := s.Score(Features{"momentum": 1, "volume": 0.5})
	assert.Equal(t, DirectionUp, dir)
	assert.InDelta(t, 80, conf, 1e-9)

	dir, conf = s.Score(Features{"momentum": -3})
	assert.Equal(t, DirectionDown, dir)
	assert.InDelta(t, 100, conf, 1e-9)

	dir, conf = s.Score(Features{"momentum": 0.1})
	assert.Equal(t, DirectionNeutral, dir)
	assert.InDelta(t, 47, conf, 1e-9)
}

func TestModelSource(t *testing.T) {
	features := FeatureFunc(func(ctx context.Context, symbol string) (Features, error) {
		if symbol == "BAD" {
			return nil, errors.New("no candles")
		}
		return Features{"momentum": 1}, nil
	})
	src := NewModelSource("lstm", CategoryML, features, LinearScorer{Weights: map[string]float64{"momentum": 0.9}, Threshold: 0.1})

	sig, err := src.Fetch(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, CategoryML, sig.Source)
	assert.Equal(t, DirectionUp, sig.Direction)
	assert.InDelta(t, 90, sig.Confidence, 1e-9)

	_, err = src.Fetch(context.Background(), "BAD")
	assert.ErrorContains(t, err, "no candles")
}

func TestScoreToSignal(t *testing.T) {
	tests := []struct {
		score    float64
		wantDir  Direction
		wantConf float64
	}{
		{0.8, DirectionBullish, 80},
		{-0.5, DirectionBearish, 50},
		{0.2, DirectionNeutral, 50},
		{-0.3, DirectionNeutral, 50},
		{3, DirectionBullish, 100},
	}
	for _, tt := range tests {
		sig := ScoreToSignal(CategorySentiment, tt.score, DefaultScoreThreshold)
		assert.Equal(t, tt.wantDir, sig.Direction, "score %v", tt.score)
		assert.InDelta(t, tt.wantConf, sig.Confidence, 1e-9, "score %v", tt.score)
	}
}

func TestScoreSource_DefaultThreshold(t *testing.T) {
	src := NewScoreSource("whales", CategoryWhale, ScoreFunc(func(ctx context.Context, symbol string) (float64, error) {
		return 0.35, nil
	}), 0)
	sig, err := src.Fetch(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, sig.Action())
	assert.Equal(t, CategoryWhale, src.Category())
}

func TestEvaluateIndicators(t *testing.T) {
	bull := EvaluateIndicators(Indicators{Price: 105, EMA20: 102, EMA50: 100, RSI: 40, MACD: 1, MACDSignal: 0.5, MACDHistogram: 0.5})
	assert.Equal(t, ActionBuy, bull.Action())
	// 4 bullish points, 0 bearish: 50 + 4/6*40
	assert.InDelta(t, 50+4.0/6.0*40, bull.Confidence, 1e-9)
	assert.Contains(t, bull.Reason, "Price > EMA20 > EMA50")

	bear := EvaluateIndicators(Indicators{Price: 95, EMA20: 98, EMA50: 100, RSI: 75, MACD: -1, MACDSignal: 0, MACDHistogram: -1})
	assert.Equal(t, ActionSell, bear.Action())
	assert.InDelta(t, 50+5.0/7.0*40, bear.Confidence, 1e-9)

	flat := EvaluateIndicators(Indicators{Price: 100, EMA20: 100, EMA50: 100, RSI: 50})
	assert.Equal(t, ActionHold, flat.Action())
	assert.Equal(t, 50.0, flat.Confidence)
}
