package market

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegime(t *testing.T) {
	tests := []struct {
		in      string
		want    Regime
		wantErr bool
	}{
		{"trending", RegimeTrending, false},
		{"RANGE", RegimeRanging, false},
		{"event_driven", RegimeEventDriven, false},
		{"", RegimeUnknown, false},
		{"crab", RegimeUnknown, true},
	}
	for _, tt := range tests {
		got, err := ParseRegime(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantErr, err != nil, tt.in)
	}
}

func TestClassifyRegime(t *testing.T) {
	assert.Equal(t, RegimeEventDriven, ClassifyRegime(40, true))
	assert.Equal(t, RegimeTrending, ClassifyRegime(30, false))
	assert.Equal(t, RegimeRanging, ClassifyRegime(12, false))
	assert.Equal(t, RegimeUnknown, ClassifyRegime(22, false))
	assert.Equal(t, RegimeUnknown, ClassifyRegime(math.NaN(), false))
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed()
	ctx := context.Background()

	_, err := f.CurrentPrice(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, ErrNoPrice)

	f.Set("BTC/USDT", 50000, 2_000_000)
	p, err := f.CurrentPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, p)

	l, err := f.Liquidity(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 2_000_000.0, l)

	l, err = f.Liquidity(ctx, "ETH/USDT")
	require.NoError(t, err)
	assert.Zero(t, l)

	assert.Len(t, f.Quotes(), 1)
}
