package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"trading-control-core/internal/bandit"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/risk"
)

// Store is the subset of CacheService the snapshot store needs
type Store interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// SnapshotStore persists risk metrics and bandit arms so a restart does not
// lose learned state.
type SnapshotStore struct {
	store    Store
	risk     *risk.RiskMetricsStore
	bandit   *bandit.Bandit
	interval time.Duration
	ttl      time.Duration
	logger   *logging.Logger
}

// NewSnapshotStore creates a snapshot store saving every interval
func NewSnapshotStore(store Store, rm *risk.RiskMetricsStore, b *bandit.Bandit, interval time.Duration, logger *logging.Logger) *SnapshotStore {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SnapshotStore{
		store:    store,
		risk:     rm,
		bandit:   b,
		interval: interval,
		ttl:      DefaultSnapshotTTL,
		logger:   logging.OrDefault(logger).WithComponent("snapshot"),
	}
}

// Save writes both snapshots. Both are attempted and every failure is
// returned, joined with errors.Join.
func (s *SnapshotStore) Save(ctx context.Context) error {
	var errs []error
	if s.risk != nil {
		if err := s.store.SetJSON(ctx, KeyRiskMetrics, s.risk.Snapshot(), s.ttl); err != nil {
			errs = append(errs, err)
		}
	}
	if s.bandit != nil {
		if err := s.store.SetJSON(ctx, KeyBanditState, s.bandit.Snapshot(), s.ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load restores whatever snapshots exist. A missing key leaves the in-memory
// state untouched and is not an error.
func (s *SnapshotStore) Load(ctx context.Context) error {
	if s.risk != nil {
		var snap map[string]risk.SymbolState
		switch err := s.store.GetJSON(ctx, KeyRiskMetrics, &snap); {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			s.risk.Restore(snap)
			s.logger.Info("Risk metrics restored", "symbols", len(snap))
		}
	}
	if s.bandit != nil {
		var state bandit.State
		switch err := s.store.GetJSON(ctx, KeyBanditState, &state); {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			s.bandit.Restore(state)
			s.logger.Info("Bandit state restored", "arms", len(state.Arms))
		}
	}
	return nil
}

// Start runs Run on its own goroutine. The returned channel is closed once
// the final save after cancellation has finished.
func (s *SnapshotStore) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

// Run saves on every tick until ctx is done, then saves once more
func (s *SnapshotStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Save(final); err != nil {
				s.logger.Warn("Final snapshot failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			err := s.Save(ctx)
			switch {
			case errors.Is(err, ErrUnavailable):
				s.logger.Debug("Snapshot skipped, redis unavailable")
			case err != nil:
				s.logger.Warn("Snapshot failed", "error", err)
			}
		}
	}
}
