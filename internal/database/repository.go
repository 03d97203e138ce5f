package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading-control-core/internal/consensus"
	"trading-control-core/internal/emergency"
	"trading-control-core/internal/signals"
)

// Repository records emergency stops and decisions. It satisfies
// emergency.Recorder and pipeline.Journal.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// EMERGENCY STOPS
// ============================================================================

const upsertStopQuery = `
	INSERT INTO emergency_stops (
		id, type, reason, scope, severity, status, actions, initiated_by,
		condition_key, created_at, auto_resolve_at, resolved_at, resolved_by, resolution
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		actions = EXCLUDED.actions,
		resolved_at = EXCLUDED.resolved_at,
		resolved_by = EXCLUDED.resolved_by,
		resolution = EXCLUDED.resolution,
		updated_at = NOW()
`

// RecordStop inserts a stop or updates its lifecycle columns
func (r *Repository) RecordStop(ctx context.Context, stop emergency.EmergencyStop) error {
	args, err := stopArgs(stop)
	if err != nil {
		return err
	}
	if _, err := r.db.Pool.Exec(ctx, upsertStopQuery, args...); err != nil {
		return fmt.Errorf("failed to record stop %s: %w", stop.ID, err)
	}
	return nil
}

// RecentStops returns the newest stops first
func (r *Repository) RecentStops(ctx context.Context, limit int) ([]emergency.EmergencyStop, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT id, type, reason, scope, severity, status, actions, initiated_by,
		       condition_key, created_at, auto_resolve_at, resolved_at, resolved_by, resolution
		FROM emergency_stops
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	var stops []emergency.EmergencyStop
	for rows.Next() {
		var (
			stop                                emergency.EmergencyStop
			scope, actions                      []byte
			conditionKey, resolvedBy, resolution *string
		)
		if err := rows.Scan(
			&stop.ID, &stop.Type, &stop.Reason, &scope, &stop.Severity, &stop.Status, &actions,
			&stop.InitiatedBy, &conditionKey, &stop.CreatedAt, &stop.AutoResolveAt, &stop.ResolvedAt,
			&resolvedBy, &resolution,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		if err := json.Unmarshal(scope, &stop.Scope); err != nil {
			return nil, fmt.Errorf("stop %s scope: %w", stop.ID, err)
		}
		if err := json.Unmarshal(actions, &stop.Actions); err != nil {
			return nil, fmt.Errorf("stop %s actions: %w", stop.ID, err)
		}
		stop.ConditionKey = deref(conditionKey)
		stop.ResolvedBy = deref(resolvedBy)
		stop.Resolution = deref(resolution)
		stops = append(stops, stop)
	}
	return stops, rows.Err()
}

// ============================================================================
// DECISIONS
// ============================================================================

// RecordDecision appends an actionable decision to the journal
func (r *Repository) RecordDecision(ctx context.Context, d consensus.Decision) error {
	args, err := decisionArgs(d)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO decisions (
			symbol, action, preset, confidence, consensus_score, entry_price, target_price,
			stop_loss, risk_reward_ratio, reasons, signals, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if _, err := r.db.Pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record decision for %s: %w", d.Symbol, err)
	}
	return nil
}

// CountDecisions returns how many decisions were journaled for a symbol since t
func (r *Repository) CountDecisions(ctx context.Context, symbol string, since time.Time) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM decisions WHERE symbol = $1 AND decided_at >= $2`,
		symbol, since,
	).Scan(&n)
	return n, err
}

func stopArgs(stop emergency.EmergencyStop) ([]interface{}, error) {
	scope := stop.Scope
	if scope == nil {
		scope = []string{}
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scope: %w", err)
	}
	actions := stop.Actions
	if actions == nil {
		actions = []emergency.EmergencyAction{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return []interface{}{
		stop.ID, string(stop.Type), stop.Reason, scopeJSON, string(stop.Severity), string(stop.Status),
		actionsJSON, stop.InitiatedBy, nullable(stop.ConditionKey), stop.CreatedAt, stop.AutoResolveAt,
		stop.ResolvedAt, nullable(stop.ResolvedBy), nullable(stop.Resolution),
	}, nil
}

func decisionArgs(d consensus.Decision) ([]interface{}, error) {
	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reasons: %w", err)
	}
	sigs := d.Signals
	if sigs == nil {
		sigs = []signals.Signal{}
	}
	signalsJSON, err := json.Marshal(sigs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signals: %w", err)
	}
	decidedAt := d.Timestamp
	if decidedAt.IsZero() {
		decidedAt = time.Now()
	}
	return []interface{}{
		d.Symbol, string(d.Action), d.Preset, d.Confidence, d.ConsensusScore, d.EntryPrice,
		d.TargetPrice, d.StopLoss, d.RiskRewardRatio, reasonsJSON, signalsJSON, decidedAt,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
