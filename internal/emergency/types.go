package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidStop   = errors.New("invalid emergency stop request")
	ErrAlreadyActive = errors.New("an active stop already covers this condition")
)

// ScopeAll matches every symbol and exchange
const ScopeAll = "ALL"

// StopType classifies what a stop covers
type StopType string

const (
	StopSystem   StopType = "SYSTEM"
	StopSymbol   StopType = "SYMBOL"
	StopExchange StopType = "EXCHANGE"
	StopStrategy StopType = "STRATEGY"
	StopManual   StopType = "MANUAL"
)

// Valid reports whether t is a known stop type
func (t StopType) Valid() bool {
	switch t {
	case StopSystem, StopSymbol, StopExchange, StopStrategy, StopManual:
		return true
	}
	return false
}

// Severity of a stop
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.rank() > 0
}

// StopStatus is the lifecycle state of a stop. ACTIVE is the only
// non-terminal state.
type StopStatus string

const (
	StatusActive    StopStatus = "ACTIVE"
	StatusResolved  StopStatus = "RESOLVED"
	StatusCancelled StopStatus = "CANCELLED"
)

// SystemStatus is derived from the most severe active stop
type SystemStatus string

const (
	SystemNormal    SystemStatus = "NORMAL"
	SystemWarning   SystemStatus = "WARNING"
	SystemEmergency SystemStatus = "EMERGENCY"
	SystemCritical  SystemStatus = "CRITICAL"
)

// ActionType is an emergency response step
type ActionType string

const (
	ActionCancelOrders   ActionType = "CANCEL_ORDERS"
	ActionClosePositions ActionType = "CLOSE_POSITIONS"
	ActionDisableTrading ActionType = "DISABLE_TRADING"
	ActionNotify         ActionType = "NOTIFY"
	ActionLog            ActionType = "LOG"
)

// EmergencyAction is one step executed when a stop is triggered
type EmergencyAction struct {
	Type       ActionType `json:"type"`
	Target     string     `json:"target"`
	Executed   bool       `json:"executed"`
	Result     string     `json:"result"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// EmergencyStop is a trading halt over a scope
type EmergencyStop struct {
	ID            string            `json:"id"`
	Type          StopType          `json:"type"`
	Reason        string            `json:"reason"`
	Scope         []string          `json:"scope"`
	Severity      Severity          `json:"severity"`
	Status        StopStatus        `json:"status"`
	Actions       []EmergencyAction `json:"actions"`
	InitiatedBy   string            `json:"initiated_by"`
	ConditionKey  string            `json:"condition_key,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	AutoResolveAt *time.Time        `json:"auto_resolve_at,omitempty"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy    string            `json:"resolved_by,omitempty"`
	Resolution    string            `json:"resolution,omitempty"`
}

func (s *EmergencyStop) clone() EmergencyStop {
	cp := *s
	cp.Scope = append([]string(nil), s.Scope...)
	cp.Actions = make([]EmergencyAction, len(s.Actions))
	for i, a := range s.Actions {
		cp.Actions[i] = a
		if a.ExecutedAt != nil {
			t := *a.ExecutedAt
			cp.Actions[i].ExecutedAt = &t
		}
	}
	if s.AutoResolveAt != nil {
		t := *s.AutoResolveAt
		cp.AutoResolveAt = &t
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}

// StopRequest describes a stop to trigger. AutoResolveAt wins over
// AutoResolveAfter; neither is used unless AutoResolve is set or
// AutoResolveAt is given.
type StopRequest struct {
	Type             StopType      `json:"type"`
	Reason           string        `json:"reason"`
	Scope            []string      `json:"scope"`
	Severity         Severity      `json:"severity"`
	InitiatedBy      string        `json:"initiated_by"`
	AutoResolve      bool          `json:"auto_resolve"`
	AutoResolveAt    *time.Time    `json:"auto_resolve_at,omitempty"`
	AutoResolveAfter time.Duration `json:"auto_resolve_after,omitempty"`
	ConditionKey     string        `json:"condition_key,omitempty"`
}

func (r StopRequest) validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStop, r.Type)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidStop, r.Severity)
	}
	if r.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidStop)
	}
	return nil
}

// Status is the controller's externally visible state
type Status struct {
	SystemStatus   SystemStatus    `json:"system_status"`
	TradingEnabled bool            `json:"trading_enabled"`
	ActiveStops    []EmergencyStop `json:"active_stops"`
	ActiveCount    int             `json:"active_count"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// SystemMetrics is one health sample. PriceDeviation and ErrorRate are
// fractions, VolumeSpike a multiple of normal volume, DailyLossPercent a
// percentage of balance.
type SystemMetrics struct {
	Symbol            string  `json:"symbol,omitempty"`
	Exchange          string  `json:"exchange,omitempty"`
	PriceDeviation    float64 `json:"price_deviation"`
	VolumeSpike       float64 `json:"volume_spike"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	DailyLossPercent  float64 `json:"daily_loss_percent"`
	LatencyMs         float64 `json:"latency_ms"`
	ErrorRate         float64 `json:"error_rate"`
}

// Notifier delivers stop notifications. notification.Manager implements it.
type Notifier interface {
	SendEmergency(stopID, stopType, severity, reason string, scope []string) error
	SendResolution(stopID, status, by, reason string) error
}

// OrderExecutor cancels orders and flattens positions for a target symbol,
// exchange or ALL.
type OrderExecutor interface {
	CancelOrders(ctx context.Context, target string) error
	CloseAll(ctx context.Context, target string) error
}

// Recorder persists stops for audit. It is called on trigger and again on
// every status transition.
type Recorder interface {
	RecordStop(ctx context.Context, stop EmergencyStop) error
}

// MetricsSource is polled by the health loop
type MetricsSource interface {
	Metrics(ctx context.Context) ([]SystemMetrics, error)
}

// MetricsFunc adapts a function into a MetricsSource
type MetricsFunc func(ctx context.Context) ([]SystemMetrics, error)

func (f MetricsFunc) Metrics(ctx context.Context) ([]SystemMetrics, error) {
	return f(ctx)
}
