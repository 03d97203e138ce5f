// Package database keeps the PostgreSQL audit trail of emergency stops and
// actionable decisions.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trading-control-core/internal/logging"
)

// DB owns the PostgreSQL pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DSN builds the libpq connection string
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

const (
	defaultMaxConns = 10
	connectTimeout  = 10 * time.Second
)

func (c Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pc.MaxConns = defaultMaxConns
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pc.MinConns = 1
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	return pc, nil
}

// NewDB opens the pool and verifies it with a ping
func NewDB(ctx context.Context, cfg Config, logger *logging.Logger) (*DB, error) {
	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Host, err)
	}

	db := &DB{Pool: pool, logger: logging.OrDefault(logger).WithComponent("database")}
	db.logger.Info("Connected to PostgreSQL", "database", cfg.Database, "host", cfg.Host)
	return db, nil
}

func (db *DB) Close() {
	if db.Pool == nil {
		return
	}
	db.Pool.Close()
	db.logger.Info("Database connection closed")
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS emergency_stops (
		id VARCHAR(64) PRIMARY KEY,
		type VARCHAR(16) NOT NULL,
		reason TEXT NOT NULL,
		scope JSONB NOT NULL DEFAULT '[]',
		severity VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		actions JSONB NOT NULL DEFAULT '[]',
		initiated_by VARCHAR(128) NOT NULL,
		condition_key VARCHAR(128),
		created_at TIMESTAMPTZ NOT NULL,
		auto_resolve_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ,
		resolved_by VARCHAR(128),
		resolution TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emergency_stops_created ON emergency_stops(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_emergency_stops_status ON emergency_stops(status)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(32) NOT NULL,
		action VARCHAR(16) NOT NULL,
		preset VARCHAR(64) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		consensus_score DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		target_price DOUBLE PRECISION NOT NULL,
		stop_loss DOUBLE PRECISION NOT NULL,
		risk_reward_ratio DOUBLE PRECISION NOT NULL,
		reasons JSONB NOT NULL DEFAULT '[]',
		signals JSONB NOT NULL DEFAULT '[]',
		decided_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_symbol_time ON decisions(symbol, decided_at DESC)`,
}

// RunMigrations applies the schema in one transaction. Every statement is
// idempotent so it runs on each start.
func (db *DB) RunMigrations(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		for i, stmt := range migrations {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.logger.Info("Database migrations completed", "count", len(migrations))
	return nil
}

func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
