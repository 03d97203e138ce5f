package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Thresholds is the auto-trigger table. The *Resolve durations set how long a
// symbol or exchange stop stays active before the monitor lifts it.
type Thresholds struct {
	PriceDeviation    float64 `json:"price_deviation"`
	VolumeSpike       float64 `json:"volume_spike"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	DailyLossPercent  float64 `json:"daily_loss_percent"`
	LatencyMs         float64 `json:"latency_ms"`
	ErrorRate         float64 `json:"error_rate"`

	PriceDeviationResolve time.Duration `json:"price_deviation_resolve"`
	VolumeSpikeResolve    time.Duration `json:"volume_spike_resolve"`
	LatencyResolve        time.Duration `json:"latency_resolve"`
}

// DefaultThresholds returns the standard trigger table
func DefaultThresholds() Thresholds {
	return Thresholds{
		PriceDeviation:        0.05,
		VolumeSpike:           10,
		ConsecutiveLosses:     5,
		DailyLossPercent:      10,
		LatencyMs:             5000,
		ErrorRate:             0.2,
		PriceDeviationResolve: 15 * time.Minute,
		VolumeSpikeResolve:    10 * time.Minute,
		LatencyResolve:        5 * time.Minute,
	}
}

const healthMonitor = "system:health-monitor"

// CheckEmergencyConditions compares one metrics sample against the threshold
// table and triggers a stop for every breach that is not already covered by an
// active stop for the same condition. It returns the ids of new stops.
func (c *Controller) CheckEmergencyConditions(ctx context.Context, m SystemMetrics) []string {
	th := c.cfg.Thresholds
	symbol := scopeOrAll(m.Symbol)
	exchange := scopeOrAll(m.Exchange)

	var reqs []StopRequest
	if m.PriceDeviation > th.PriceDeviation {
		reqs = append(reqs, StopRequest{
			Type:             StopSymbol,
			Severity:         SeverityHigh,
			Scope:            []string{symbol},
			Reason:           fmt.Sprintf("Price deviation %.2f%% exceeds %.2f%%", m.PriceDeviation*100, th.PriceDeviation*100),
			AutoResolve:      true,
			AutoResolveAfter: th.PriceDeviationResolve,
			ConditionKey:     "price_deviation:" + symbol,
		})
	}
	if m.VolumeSpike > th.VolumeSpike {
		reqs = append(reqs, StopRequest{
			Type:             StopSymbol,
			Severity:         SeverityMedium,
			Scope:            []string{symbol},
			Reason:           fmt.Sprintf("Volume spike %.1fx exceeds %.1fx", m.VolumeSpike, th.VolumeSpike),
			AutoResolve:      true,
			AutoResolveAfter: th.VolumeSpikeResolve,
			ConditionKey:     "volume_spike:" + symbol,
		})
	}
	if th.ConsecutiveLosses > 0 && m.ConsecutiveLosses >= th.ConsecutiveLosses {
		reqs = append(reqs, StopRequest{
			Type:         StopSystem,
			Severity:     SeverityCritical,
			Scope:        []string{ScopeAll},
			Reason:       fmt.Sprintf("%d consecutive losses", m.ConsecutiveLosses),
			ConditionKey: "consecutive_losses",
		})
	}
	if m.DailyLossPercent >= th.DailyLossPercent {
		reqs = append(reqs, StopRequest{
			Type:         StopSystem,
			Severity:     SeverityCritical,
			Scope:        []string{ScopeAll},
			Reason:       fmt.Sprintf("Daily loss %.2f%% reached limit %.2f%%", m.DailyLossPercent, th.DailyLossPercent),
			ConditionKey: "daily_loss",
		})
	}
	if m.LatencyMs > th.LatencyMs {
		reqs = append(reqs, StopRequest{
			Type:             StopExchange,
			Severity:         SeverityHigh,
			Scope:            []string{exchange},
			Reason:           fmt.Sprintf("Latency %.0fms exceeds %.0fms", m.LatencyMs, th.LatencyMs),
			AutoResolve:      true,
			AutoResolveAfter: th.LatencyResolve,
			ConditionKey:     "latency:" + exchange,
		})
	}
	if m.ErrorRate > th.ErrorRate {
		reqs = append(reqs, StopRequest{
			Type:         StopSystem,
			Severity:     SeverityHigh,
			Scope:        []string{ScopeAll},
			Reason:       fmt.Sprintf("Error rate %.1f%% exceeds %.1f%%", m.ErrorRate*100, th.ErrorRate*100),
			ConditionKey: "error_rate",
		})
	}

	var ids []string
	for _, req := range reqs {
		req.InitiatedBy = healthMonitor
		id, err := c.TriggerStop(ctx, req)
		switch {
		case errors.Is(err, ErrAlreadyActive):
			continue
		case err != nil:
			c.logger.Error("Failed to trigger automatic stop", "condition", req.ConditionKey, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func scopeOrAll(s string) string {
	if n := normalizeScope(s); n != "" {
		return n
	}
	return ScopeAll
}
