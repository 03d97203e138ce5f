// Package cache provides Redis-backed persistence of in-memory control state
// with graceful degradation when Redis is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trading-control-core/config"
	"trading-control-core/internal/logging"
)

// ErrUnavailable is returned while Redis is marked down and the retry window
// has not elapsed.
var ErrUnavailable = errors.New("redis unavailable")

// Key layout
const (
	KeyRiskMetrics = "core:risk:metrics"
	KeyBanditState = "core:bandit:state"
)

// DefaultSnapshotTTL keeps snapshots across a long weekend of downtime
const DefaultSnapshotTTL = 72 * time.Hour

const (
	maxFailures   = 3
	retryInterval = 30 * time.Second
)

// CacheService stores JSON snapshots in Redis. After maxFailures consecutive
// errors it stops calling Redis and returns ErrUnavailable until a probe
// after retryInterval succeeds; callers keep running on in-memory state.
type CacheService struct {
	client *redis.Client
	cfg    config.RedisConfig
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	failures int
	down     bool
	retryAt  time.Time
}

// NewCacheService creates the client and pings it once. An unreachable server
// yields a service that starts out down rather than an error.
func NewCacheService(cfg config.RedisConfig, logger *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, errors.New("redis is not enabled in configuration")
	}

	cs := &CacheService{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		cfg:    cfg,
		logger: logging.OrDefault(logger).WithComponent("cache"),
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.markDown()
		cs.logger.Warn("Redis unreachable, snapshots disabled until it recovers", "address", cfg.Address, "error", err)
		return cs, nil
	}
	cs.logger.Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

// IsHealthy reports whether Redis calls are currently attempted
func (cs *CacheService) IsHealthy() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.down
}

func (cs *CacheService) markDown() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.failures = maxFailures
	cs.down = true
	cs.retryAt = cs.now().Add(retryInterval)
}

// admit decides whether a call may reach Redis. Once the retry window has
// passed a single caller is let through as the probe.
func (cs *CacheService) admit() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.down {
		return true
	}
	if cs.now().Before(cs.retryAt) {
		return false
	}
	cs.retryAt = cs.now().Add(retryInterval)
	return true
}

func (cs *CacheService) observe(err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err == nil || errors.Is(err, redis.Nil) {
		if cs.down {
			cs.logger.Info("Redis recovered")
		}
		cs.failures = 0
		cs.down = false
		return
	}
	cs.failures++
	if cs.failures >= maxFailures && !cs.down {
		cs.down = true
		cs.retryAt = cs.now().Add(retryInterval)
		cs.logger.Warn("Redis marked down", "failures", cs.failures, "error", err)
	}
}

func (cs *CacheService) call(ctx context.Context, fn func(context.Context) error) error {
	if !cs.admit() {
		return ErrUnavailable
	}
	err := fn(ctx)
	cs.observe(err)
	return err
}

// GetJSON loads key into dest. A missing key returns redis.Nil.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	var raw []byte
	err := cs.call(ctx, func(ctx context.Context) error {
		var err error
		raw, err = cs.client.Get(ctx, key).Bytes()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil), errors.Is(err, ErrUnavailable):
		return err
	case err != nil:
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value under key as JSON with the given TTL
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	err = cs.call(ctx, func(ctx context.Context) error {
		return cs.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return err
}

// Ping probes Redis regardless of the down state
func (cs *CacheService) Ping(ctx context.Context) error {
	err := cs.client.Ping(ctx).Err()
	cs.observe(err)
	return err
}

// Close closes the client
func (cs *CacheService) Close() error {
	return cs.client.Close()
}

// Stats is the cache health summary
type Stats struct {
	Healthy  bool      `json:"healthy"`
	Failures int       `json:"failures"`
	RetryAt  time.Time `json:"retry_at,omitempty"`
	Address  string    `json:"address"`
}

// GetStats returns the current health summary
func (cs *CacheService) GetStats() Stats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s := Stats{Healthy: !cs.down, Failures: cs.failures, Address: cs.cfg.Address}
	if cs.down {
		s.RetryAt = cs.retryAt
	}
	return s
}
