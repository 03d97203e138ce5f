package logging

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
)

// NewTraceID returns a 32 character hex trace ID
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FromContext returns the logger carried by ctx, or Default()
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext stamps ctx with a fresh trace ID and stores a logger that
// carries it as trace_id.
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	id := NewTraceID()
	l := FromContext(ctx).WithField("trace_id", id)
	ctx = context.WithValue(ctx, traceKey, id)
	return NewContext(ctx, l), l
}

// TraceID returns the trace ID stored in ctx, or ""
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey).(string)
	return id
}

// SignalContext scopes l to one consensus decision
func SignalContext(l *Logger, symbol, preset string) *Logger {
	return OrDefault(l).WithFields(map[string]interface{}{"symbol": symbol, "preset": preset})
}

// RiskContext scopes l to one sizing request
func RiskContext(l *Logger, symbol string, balance, entryPrice float64) *Logger {
	return OrDefault(l).WithFields(map[string]interface{}{
		"symbol":      symbol,
		"balance":     balance,
		"entry_price": entryPrice,
	})
}

// EmergencyContext scopes l to one emergency stop
func EmergencyContext(l *Logger, stopID, stopType, severity string) *Logger {
	return OrDefault(l).WithFields(map[string]interface{}{
		"stop_id":  stopID,
		"type":     stopType,
		"severity": severity,
	})
}

func BanditContext(l *Logger, regime, preset string) *Logger {
	return OrDefault(l).WithFields(map[string]interface{}{"regime": regime, "preset": preset})
}
