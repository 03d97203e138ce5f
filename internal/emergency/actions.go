package emergency

import (
	"context"
	"fmt"
	"strings"

	"trading-control-core/internal/events"
)

// GenerateActions returns the ordered response plan for a stop. LOG and
// NOTIFY always run; HIGH and CRITICAL stops cancel orders and then close
// positions for every scope entry; SYSTEM stops finish by disabling trading.
func GenerateActions(t StopType, scope []string, severity Severity) []EmergencyAction {
	target := strings.Join(scope, ",")
	actions := []EmergencyAction{
		{Type: ActionLog, Target: target},
		{Type: ActionNotify, Target: target},
	}
	if severity == SeverityHigh || severity == SeverityCritical {
		for _, s := range scope {
			actions = append(actions, EmergencyAction{Type: ActionCancelOrders, Target: s})
		}
		for _, s := range scope {
			actions = append(actions, EmergencyAction{Type: ActionClosePositions, Target: s})
		}
	}
	if t == StopSystem {
		actions = append(actions, EmergencyAction{Type: ActionDisableTrading, Target: ScopeAll})
	}
	return actions
}

// executeActions runs every action in order. A failing or panicking action is
// recorded and the next one still runs.
func (c *Controller) executeActions(ctx context.Context, stop EmergencyStop) []EmergencyAction {
	results := make([]EmergencyAction, len(stop.Actions))
	for i, a := range stop.Actions {
		results[i] = c.runAction(ctx, stop, a)
		c.bus.Publish(events.Event{
			Type: events.EventActionExecuted,
			Data: map[string]interface{}{
				"stop_id":  stop.ID,
				"action":   string(results[i].Type),
				"target":   results[i].Target,
				"executed": results[i].Executed,
				"result":   results[i].Result,
			},
		})
	}
	return results
}

func (c *Controller) runAction(ctx context.Context, stop EmergencyStop, a EmergencyAction) (out EmergencyAction) {
	out = a
	defer func() {
		if r := recover(); r != nil {
			out.Executed = false
			out.Result = fmt.Sprintf("panic: %v", r)
		}
		now := c.now()
		out.ExecutedAt = &now
		if !out.Executed {
			c.logger.Warn("Emergency action failed",
				"stop_id", stop.ID,
				"action", string(a.Type),
				"target", a.Target,
				"result", out.Result,
			)
		}
	}()

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ActionTimeout)
	defer cancel()

	var err error
	switch a.Type {
	case ActionLog:
		c.logger.Error("EMERGENCY STOP",
			"stop_id", stop.ID,
			"type", string(stop.Type),
			"severity", string(stop.Severity),
			"scope", stop.Scope,
			"reason", stop.Reason,
			"initiated_by", stop.InitiatedBy,
		)
		out.Result = "logged"
	case ActionNotify:
		if c.notifier == nil {
			out.Result = "skipped: no notifier configured"
			return out
		}
		err = c.notifier.SendEmergency(stop.ID, string(stop.Type), string(stop.Severity), stop.Reason, stop.Scope)
		out.Result = "notification sent"
	case ActionCancelOrders:
		if c.executor == nil {
			out.Result = "skipped: no order executor configured"
			return out
		}
		err = c.executor.CancelOrders(actx, a.Target)
		out.Result = "orders cancelled"
	case ActionClosePositions:
		if c.executor == nil {
			out.Result = "skipped: no order executor configured"
			return out
		}
		err = c.executor.CloseAll(actx, a.Target)
		out.Result = "positions closed"
	case ActionDisableTrading:
		if !c.disableTradingFor(stop.ID) {
			out.Result = "skipped: stop no longer active"
			return out
		}
		out.Result = "trading disabled"
	default:
		err = fmt.Errorf("unknown action %q", a.Type)
	}

	if err != nil {
		out.Result = "error: " + err.Error()
		return out
	}
	out.Executed = true
	return out
}
