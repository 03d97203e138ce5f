package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-control-core/config"
	"trading-control-core/internal/bandit"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/risk"
)

// MockStore keeps JSON values in memory
type MockStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	ttls     map[string]time.Duration
	setErr   error
	getErr   error
	setCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *MockStore) GetJSON(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return m.getErr
	}
	raw, ok := m.data[key]
	if !ok {
		return redis.Nil
	}
	return json.Unmarshal(raw, dest)
}

func (m *MockStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	m.ttls[key] = ttl
	return nil
}

func (m *MockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCalls
}

func newState(t *testing.T) (*risk.RiskMetricsStore, *bandit.Bandit) {
	t.Helper()
	rm := risk.NewRiskMetricsStore(0)
	b, err := bandit.New(bandit.DefaultConfig(), logging.Nop())
	require.NoError(t, err)
	return rm, b
}

func TestSnapshotStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	rm, b := newState(t)
	rm.UpdateRiskMetrics("BTCUSDT", risk.TradeOutcome{PnL: 50, Return: 0.01})
	rm.UpdateRiskMetrics("BTCUSDT", risk.TradeOutcome{PnL: -20, Return: -0.004})
	b.UpdateWeights("swing", market.RegimeTrending, bandit.Performance{Return: 0.2, Risk: 0.1, WinRate: 0.7})
	b.UpdateWeights("swing", market.RegimeTrending, bandit.Performance{Return: -0.1, Risk: 0.1, WinRate: 0.7})

	require.NoError(t, NewSnapshotStore(store, rm, b, time.Minute, logging.Nop()).Save(ctx))
	assert.Equal(t, DefaultSnapshotTTL, store.ttls[KeyRiskMetrics])
	assert.Contains(t, store.data, KeyBanditState)

	rm2, b2 := newState(t)
	require.NoError(t, NewSnapshotStore(store, rm2, b2, time.Minute, logging.Nop()).Load(ctx))

	want, _ := rm.GetRiskMetrics("BTCUSDT")
	got, ok := rm2.GetRiskMetrics("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, want.TotalTrades, got.TotalTrades)
	assert.InDelta(t, want.WinRate, got.WinRate, 1e-12)
	assert.Len(t, rm2.History("BTCUSDT"), 2)

	assert.InDelta(t, b.Weight("swing", market.RegimeTrending), b2.Weight("swing", market.RegimeTrending), 1e-12)
	perf, ok := b2.Performance(market.RegimeTrending, "swing")
	require.True(t, ok)
	assert.Equal(t, 2, perf.TotalTrades)
}

func TestSnapshotStore_LoadMissingKeysIsNoop(t *testing.T) {
	rm, b := newState(t)
	rm.UpdateRiskMetrics("ETHUSDT", risk.TradeOutcome{PnL: 5})

	require.NoError(t, NewSnapshotStore(NewMockStore(), rm, b, time.Minute, logging.Nop()).Load(context.Background()))
	_, ok := rm.GetRiskMetrics("ETHUSDT")
	assert.True(t, ok)
}

func TestSnapshotStore_Errors(t *testing.T) {
	rm, b := newState(t)
	store := NewMockStore()
	store.getErr = ErrUnavailable
	store.setErr = ErrUnavailable
	s := NewSnapshotStore(store, rm, b, time.Minute, logging.Nop())

	assert.ErrorIs(t, s.Load(context.Background()), ErrUnavailable)
	assert.ErrorIs(t, s.Save(context.Background()), ErrUnavailable)
	assert.Equal(t, 2, store.calls())
}

func TestSnapshotStore_RunSavesPeriodicallyAndOnExit(t *testing.T) {
	rm, b := newState(t)
	store := NewMockStore()
	s := NewSnapshotStore(store, rm, b, 10*time.Millisecond, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.calls() >= 4 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	before := store.calls()
	assert.Zero(t, before%2)
}

func TestSnapshotStore_StartSignalsAfterFinalSave(t *testing.T) {
	rm, b := newState(t)
	rm.UpdateRiskMetrics("BTCUSDT", risk.TradeOutcome{PnL: 10, Return: 0.01})
	store := NewMockStore()
	s := NewSnapshotStore(store, rm, b, time.Hour, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := s.Start(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot loop did not finish")
	}
	assert.Equal(t, 2, store.calls())
	assert.Contains(t, store.data, KeyRiskMetrics)
	assert.Contains(t, store.data, KeyBanditState)
}

func TestSnapshotStore_SaveJoinsErrors(t *testing.T) {
	rm, b := newState(t)
	store := NewMockStore()
	store.setErr = errors.New("write refused")
	s := NewSnapshotStore(store, rm, b, time.Minute, logging.Nop())

	err := s.Save(context.Background())
	require.Error(t, err)
	var joined interface{ Unwrap() []error }
	require.ErrorAs(t, err, &joined)
	assert.Len(t, joined.Unwrap(), 2)
}

func TestNewCacheService_Disabled(t *testing.T) {
	_, err := NewCacheService(config.RedisConfig{Enabled: false}, logging.Nop())
	assert.Error(t, err)
}

func TestNewCacheService_DegradedWhenUnreachable(t *testing.T) {
	cs, err := NewCacheService(config.RedisConfig{Enabled: true, Address: "127.0.0.1:1", PoolSize: 1}, logging.Nop())
	require.NoError(t, err)
	defer cs.Close()

	assert.False(t, cs.IsHealthy())
	assert.ErrorIs(t, cs.SetJSON(context.Background(), KeyBanditState, bandit.State{}, time.Minute), ErrUnavailable)

	var st bandit.State
	err = cs.GetJSON(context.Background(), KeyBanditState, &st)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, cs.GetStats().Healthy)
}

func TestCacheService_ProbesAfterRetryWindow(t *testing.T) {
	cs, err := NewCacheService(config.RedisConfig{Enabled: true, Address: "127.0.0.1:1", PoolSize: 1}, logging.Nop())
	require.NoError(t, err)
	defer cs.Close()

	later := time.Now().Add(retryInterval + time.Second)
	cs.now = func() time.Time { return later }

	// the probe reaches the server and fails with a dial error
	err = cs.SetJSON(context.Background(), KeyBanditState, bandit.State{}, time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)

	// the failed probe reopens the window
	assert.ErrorIs(t, cs.SetJSON(context.Background(), KeyBanditState, bandit.State{}, time.Minute), ErrUnavailable)
	assert.Equal(t, later.Add(retryInterval), cs.GetStats().RetryAt)
}
