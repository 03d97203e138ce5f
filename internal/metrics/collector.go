// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-control-core/internal/events"
)

const namespace = "control_core"

// system status values exported by the status gauge
var statusLevels = map[string]float64{
	"NORMAL":    0,
	"WARNING":   1,
	"EMERGENCY": 2,
	"CRITICAL":  3,
}

// Collector owns its registry so several instances can coexist in tests
type Collector struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	confidence       *prometheus.HistogramVec
	sourceDegraded   *prometheus.CounterVec
	positionSize     *prometheus.HistogramVec
	riskWinRate      *prometheus.GaugeVec
	stopsTriggered   *prometheus.CounterVec
	stopsFinished    *prometheus.CounterVec
	activeStops      prometheus.Gauge
	actionFailures   *prometheus.CounterVec
	systemStatus     prometheus.Gauge
	banditWeight     *prometheus.GaugeVec
	presetSelections *prometheus.CounterVec

	statusMu sync.Mutex
	statusFn StatusFunc
}

// StatusFunc reports the live system status and active stop count
type StatusFunc func() (status string, active int)

// NewCollector creates and registers every collector, plus the Go runtime
// and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Actionable decisions by symbol and action",
		}, []string{"symbol", "action"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_rejections_total",
			Help:      "Evaluations that produced no trade, by gate",
		}, []string{"gate"}),
		confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_confidence",
			Help:      "Confidence of actionable decisions",
			Buckets:   []float64{50, 60, 70, 80, 85, 90, 95, 100},
		}, []string{"action"}),
		sourceDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_source_degraded_total",
			Help:      "Signal fetches replaced with a neutral vote",
		}, []string{"source"}),
		positionSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "position_size_usd",
			Help:      "Recommended position sizes",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}, []string{"method"}),
		riskWinRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_win_rate",
			Help:      "Streaming win rate per symbol",
		}, []string{"symbol"}),
		stopsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_stops_triggered_total",
			Help:      "Emergency stops triggered",
		}, []string{"type", "severity"}),
		stopsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_stops_finished_total",
			Help:      "Emergency stops resolved or cancelled",
		}, []string{"status"}),
		activeStops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_stops_active",
			Help:      "Currently active emergency stops",
		}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_action_failures_total",
			Help:      "Emergency actions that did not execute",
		}, []string{"action"}),
		systemStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_status",
			Help:      "0 normal, 1 warning, 2 emergency, 3 critical",
		}),
		banditWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandit_weight",
			Help:      "Arm weight per regime and preset",
		}, []string{"regime", "preset"}),
		presetSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preset_selections_total",
			Help:      "Preset selections by regime and mode",
		}, []string{"regime", "preset", "mode"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.decisions,
		c.rejections,
		c.confidence,
		c.sourceDegraded,
		c.positionSize,
		c.riskWinRate,
		c.stopsTriggered,
		c.stopsFinished,
		c.activeStops,
		c.actionFailures,
		c.systemStatus,
		c.banditWeight,
		c.presetSelections,
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to every event on the bus
func (c *Collector) Attach(bus *events.EventBus) {
	bus.SubscribeAll(c.Observe)
}

// Observe updates the collectors from one event
func (c *Collector) Observe(e events.Event) {
	switch e.Type {
	case events.EventDecisionMade:
		action := str(e.Data, "action")
		c.decisions.WithLabelValues(str(e.Data, "symbol"), action).Inc()
		c.confidence.WithLabelValues(action).Observe(num(e.Data, "confidence"))
	case events.EventDecisionRejected:
		c.rejections.WithLabelValues(str(e.Data, "gate")).Inc()
	case events.EventSourceDegraded:
		c.sourceDegraded.WithLabelValues(str(e.Data, "source")).Inc()
	case events.EventPositionSized:
		c.positionSize.WithLabelValues(str(e.Data, "method")).Observe(num(e.Data, "size_usd"))
	case events.EventRiskMetricsUpdated:
		c.riskWinRate.WithLabelValues(str(e.Data, "symbol")).Set(num(e.Data, "win_rate"))
	case events.EventStopTriggered:
		c.stopsTriggered.WithLabelValues(str(e.Data, "type"), str(e.Data, "severity")).Inc()
		if !c.syncStatus() {
			c.activeStops.Inc()
		}
	case events.EventStopResolved, events.EventStopCancelled:
		c.stopsFinished.WithLabelValues(str(e.Data, "status")).Inc()
		if !c.syncStatus() {
			c.activeStops.Dec()
		}
	case events.EventActionExecuted:
		if ok, _ := e.Data["executed"].(bool); !ok {
			c.actionFailures.WithLabelValues(str(e.Data, "action")).Inc()
		}
	case events.EventSystemStatusChanged:
		if c.syncStatus() {
			break
		}
		if v, ok := statusLevels[str(e.Data, "to")]; ok {
			c.systemStatus.Set(v)
		}
	case events.EventBanditUpdated:
		c.banditWeight.WithLabelValues(str(e.Data, "regime"), str(e.Data, "preset")).Set(num(e.Data, "weight"))
	case events.EventPresetSelected:
		mode := "exploit"
		if explored, _ := e.Data["explored"].(bool); explored {
			mode = "explore"
		}
		c.presetSelections.WithLabelValues(str(e.Data, "regime"), str(e.Data, "preset"), mode).Inc()
	}
}

// TrackStatus makes the status and active stop gauges follow fn instead of
// the event payloads. Bus handlers run concurrently, so status events can
// arrive out of order; reading the live state keeps the gauges correct.
func (c *Collector) TrackStatus(fn StatusFunc) {
	c.statusMu.Lock()
	c.statusFn = fn
	c.statusMu.Unlock()
	c.syncStatus()
}

// syncStatus refreshes the status gauges from the tracked source. It reports
// false when no source is set.
func (c *Collector) syncStatus() bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.statusFn == nil {
		return false
	}
	status, active := c.statusFn()
	if v, ok := statusLevels[status]; ok {
		c.systemStatus.Set(v)
	}
	c.activeStops.Set(float64(active))
	return true
}

func str(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
