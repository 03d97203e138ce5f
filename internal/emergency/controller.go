// Package emergency implements the stop/resolve state machine that gates all
// trading activity.
package emergency

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
)

// Config holds controller settings
type Config struct {
	AutoResolveInterval time.Duration
	HealthInterval      time.Duration
	ActionTimeout       time.Duration
	HistoryLimit        int
	Thresholds          Thresholds
}

// DefaultConfig returns the default controller settings
func DefaultConfig() Config {
	return Config{
		AutoResolveInterval: 5 * time.Second,
		HealthInterval:      10 * time.Second,
		ActionTimeout:       10 * time.Second,
		HistoryLimit:        1000,
		Thresholds:          DefaultThresholds(),
	}
}

// gateSnapshot is an immutable view of what is blocked. It is swapped
// atomically on every write so IsTradingAllowed never takes a lock.
type gateSnapshot struct {
	tradingEnabled bool
	all            bool
	blocked        map[string]struct{}
}

// Controller owns every emergency stop
type Controller struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	notifier Notifier
	executor OrderExecutor
	recorder Recorder
	metrics  MetricsSource
	bus      events.Publisher

	mu             sync.Mutex
	active         map[string]*EmergencyStop
	history        []EmergencyStop
	tradingEnabled bool
	status         SystemStatus
	lastUpdated    time.Time

	gate atomic.Pointer[gateSnapshot]

	runMu   sync.Mutex
	cancel  context.CancelFunc
	loopsWg sync.WaitGroup
}

// Option configures a Controller
type Option func(*Controller)

// WithNotifier sets the notifier used by NOTIFY actions
func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

// WithOrderExecutor sets the executor used by CANCEL_ORDERS and CLOSE_POSITIONS
func WithOrderExecutor(e OrderExecutor) Option { return func(c *Controller) { c.executor = e } }

// WithRecorder sets the audit recorder
func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithMetricsSource sets the source polled by the health loop
func WithMetricsSource(m MetricsSource) Option { return func(c *Controller) { c.metrics = m } }

// WithEventBus sets the event publisher
func WithEventBus(p events.Publisher) Option { return func(c *Controller) { c.bus = events.OrNop(p) } }

// NewController creates a controller with trading enabled and no stops
func NewController(cfg Config, logger *logging.Logger, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.AutoResolveInterval <= 0 {
		cfg.AutoResolveInterval = def.AutoResolveInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}

	c := &Controller{
		cfg:            cfg,
		logger:         logging.OrDefault(logger).WithComponent("emergency"),
		now:            time.Now,
		bus:            events.Nop{},
		active:         make(map[string]*EmergencyStop),
		tradingEnabled: true,
		status:         SystemNormal,
		lastUpdated:    time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gate.Store(&gateSnapshot{tradingEnabled: true, blocked: map[string]struct{}{}})
	return c
}

// IsTradingAllowed reports whether trading may proceed for symbol on
// exchange. Either may be empty. Safe for concurrent use without locking.
func (c *Controller) IsTradingAllowed(symbol, exchange string) bool {
	g := c.gate.Load()
	if !g.tradingEnabled || g.all {
		return false
	}
	if symbol != "" {
		if _, ok := g.blocked[normalizeScope(symbol)]; ok {
			return false
		}
	}
	if exchange != "" {
		if _, ok := g.blocked[normalizeScope(exchange)]; ok {
			return false
		}
	}
	return true
}

// TriggerStop registers a stop, closing the gate for its scope before any
// action runs, then executes the stop's actions in order.
func (c *Controller) TriggerStop(ctx context.Context, req StopRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	now := c.now()
	stop := &EmergencyStop{
		ID:           uuid.New().String(),
		Type:         req.Type,
		Reason:       req.Reason,
		Scope:        normalizeScopes(req.Scope),
		Severity:     req.Severity,
		Status:       StatusActive,
		InitiatedBy:  req.InitiatedBy,
		ConditionKey: req.ConditionKey,
		CreatedAt:    now,
	}
	if stop.InitiatedBy == "" {
		stop.InitiatedBy = "unknown"
	}
	switch {
	case req.AutoResolveAt != nil:
		t := *req.AutoResolveAt
		stop.AutoResolveAt = &t
	case req.AutoResolve && req.AutoResolveAfter > 0:
		t := now.Add(req.AutoResolveAfter)
		stop.AutoResolveAt = &t
	}
	stop.Actions = GenerateActions(stop.Type, stop.Scope, stop.Severity)

	c.mu.Lock()
	if stop.ConditionKey != "" {
		for id, s := range c.active {
			if s.ConditionKey == stop.ConditionKey {
				c.mu.Unlock()
				return id, ErrAlreadyActive
			}
		}
	}
	c.active[stop.ID] = stop
	prev := c.status
	c.refreshLocked()
	snapshot := stop.clone()
	c.mu.Unlock()

	log := logging.EmergencyContext(c.logger, stop.ID, string(stop.Type), string(stop.Severity))
	log.Warn("Emergency stop registered", "scope", stop.Scope, "reason", stop.Reason, "initiated_by", stop.InitiatedBy)

	results := c.executeActions(ctx, snapshot)

	c.mu.Lock()
	if s, ok := c.active[stop.ID]; ok {
		s.Actions = results
		snapshot = s.clone()
	} else {
		for i := range c.history {
			if c.history[i].ID == stop.ID {
				c.history[i].Actions = results
				snapshot = c.history[i].clone()
				break
			}
		}
	}
	status := c.status
	c.mu.Unlock()

	c.bus.Publish(events.Event{
		Type: events.EventStopTriggered,
		Data: map[string]interface{}{
			"id":           stop.ID,
			"type":         string(stop.Type),
			"severity":     string(stop.Severity),
			"scope":        stop.Scope,
			"reason":       stop.Reason,
			"initiated_by": stop.InitiatedBy,
		},
	})
	c.publishStatusChange(prev, status)
	c.record(ctx, snapshot)

	return stop.ID, nil
}

// ResolveStop moves an active stop to RESOLVED. It returns false when the stop
// is unknown or already terminal.
func (c *Controller) ResolveStop(id, by, reason string) bool {
	return c.finish(id, StatusResolved, by, reason)
}

// CancelStop moves an active stop to CANCELLED
func (c *Controller) CancelStop(id, by string) bool {
	return c.finish(id, StatusCancelled, by, "cancelled")
}

func (c *Controller) finish(id string, status StopStatus, by, reason string) bool {
	if by == "" {
		by = "unknown"
	}

	c.mu.Lock()
	s, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	s.Status = status
	s.ResolvedAt = &now
	s.ResolvedBy = by
	s.Resolution = reason
	delete(c.active, id)
	c.appendHistoryLocked(s.clone())
	if len(c.active) == 0 {
		c.tradingEnabled = true
	}
	prev := c.status
	c.refreshLocked()
	snapshot := s.clone()
	cur := c.status
	c.mu.Unlock()

	logging.EmergencyContext(c.logger, id, string(s.Type), string(s.Severity)).
		Info("Emergency stop finished", "status", string(status), "by", by, "reason", reason)

	evType := events.EventStopResolved
	if status == StatusCancelled {
		evType = events.EventStopCancelled
	}
	c.bus.Publish(events.Event{
		Type: evType,
		Data: map[string]interface{}{
			"id":     id,
			"status": string(status),
			"by":     by,
			"reason": reason,
		},
	})
	c.publishStatusChange(prev, cur)

	if c.notifier != nil {
		if err := c.notifier.SendResolution(id, string(status), by, reason); err != nil {
			c.logger.Warn("Resolution notification failed", "stop_id", id, "error", err)
		}
	}
	c.record(context.Background(), snapshot)
	return true
}

// GetEmergencyStatus returns the system status and active stops
func (c *Controller) GetEmergencyStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		SystemStatus:   c.status,
		TradingEnabled: c.tradingEnabled,
		ActiveStops:    make([]EmergencyStop, 0, len(c.active)),
		ActiveCount:    len(c.active),
		LastUpdated:    c.lastUpdated,
	}
	for _, s := range c.active {
		st.ActiveStops = append(st.ActiveStops, s.clone())
	}
	sort.Slice(st.ActiveStops, func(i, j int) bool {
		return st.ActiveStops[i].CreatedAt.Before(st.ActiveStops[j].CreatedAt)
	})
	return st
}

// GetStop returns a stop by id from the active set or history
func (c *Controller) GetStop(id string) (EmergencyStop, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.active[id]; ok {
		return s.clone(), true
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].ID == id {
			return c.history[i].clone(), true
		}
	}
	return EmergencyStop{}, false
}

// History returns up to limit terminal stops, newest first
func (c *Controller) History(limit int) []EmergencyStop {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]EmergencyStop, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.history[i].clone())
	}
	return out
}

// Start launches the auto-resolve and health loops
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.loopsWg.Add(2)
	go c.loop(ctx, c.cfg.AutoResolveInterval, func(ctx context.Context) { c.AutoResolveExpired() })
	go c.loop(ctx, c.cfg.HealthInterval, c.checkHealth)

	c.logger.Info("Emergency monitor started",
		"auto_resolve_interval", c.cfg.AutoResolveInterval,
		"health_interval", c.cfg.HealthInterval,
	)
}

// Stop halts the background loops and waits for them to exit
func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.loopsWg.Wait()
	c.logger.Info("Emergency monitor stopped")
}

func (c *Controller) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer c.loopsWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// AutoResolveExpired resolves every active stop whose auto-resolve time has
// passed and returns their ids. Trading is re-enabled whenever no stop is
// left active.
func (c *Controller) AutoResolveExpired() []string {
	now := c.now()
	c.mu.Lock()
	var expired []string
	for id, s := range c.active {
		if s.AutoResolveAt != nil && !s.AutoResolveAt.After(now) {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	resolved := expired[:0]
	for _, id := range expired {
		if c.ResolveStop(id, "system", "timeout") {
			resolved = append(resolved, id)
		}
	}
	c.reenableIfClear()
	return resolved
}

func (c *Controller) checkHealth(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	samples, err := c.metrics.Metrics(ctx)
	if err != nil {
		c.logger.Warn("Health metrics unavailable", "error", err)
		return
	}
	for _, m := range samples {
		c.CheckEmergencyConditions(ctx, m)
	}
}

// disableTradingFor turns the global switch off on behalf of stop id. It does
// nothing once the stop has left the active set, so a stop resolved while its
// actions were still running cannot close the gate afterwards.
func (c *Controller) disableTradingFor(id string) bool {
	c.mu.Lock()
	if _, ok := c.active[id]; !ok {
		c.mu.Unlock()
		return false
	}
	prev := c.status
	c.tradingEnabled = false
	c.refreshLocked()
	cur := c.status
	c.mu.Unlock()
	c.publishStatusChange(prev, cur)
	return true
}

// reenableIfClear restores trading when no stop is active
func (c *Controller) reenableIfClear() {
	c.mu.Lock()
	if len(c.active) > 0 || c.tradingEnabled {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.tradingEnabled = true
	c.refreshLocked()
	cur := c.status
	c.mu.Unlock()
	c.logger.Warn("Trading re-enabled, no active stops remain")
	c.publishStatusChange(prev, cur)
}

// refreshLocked recomputes the system status and swaps in a new gate
// snapshot. Caller holds c.mu.
func (c *Controller) refreshLocked() {
	worst := 0
	g := &gateSnapshot{tradingEnabled: c.tradingEnabled, blocked: make(map[string]struct{})}
	for _, s := range c.active {
		if r := s.Severity.rank(); r > worst {
			worst = r
		}
		for _, sc := range s.Scope {
			if sc == ScopeAll {
				g.all = true
			}
			g.blocked[sc] = struct{}{}
		}
	}

	switch {
	case worst >= SeverityCritical.rank():
		c.status = SystemCritical
	case worst == SeverityHigh.rank():
		c.status = SystemEmergency
	case worst > 0:
		c.status = SystemWarning
	default:
		c.status = SystemNormal
	}
	c.lastUpdated = c.now()
	c.gate.Store(g)
}

func (c *Controller) appendHistoryLocked(s EmergencyStop) {
	c.history = append(c.history, s)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
}

func (c *Controller) publishStatusChange(prev, cur SystemStatus) {
	if prev == cur {
		return
	}
	c.logger.Warn("System status changed", "from", string(prev), "to", string(cur))
	c.bus.Publish(events.Event{
		Type: events.EventSystemStatusChanged,
		Data: map[string]interface{}{
			"from": string(prev),
			"to":   string(cur),
		},
	})
}

func (c *Controller) record(ctx context.Context, stop EmergencyStop) {
	if c.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ActionTimeout)
	defer cancel()
	if err := c.recorder.RecordStop(rctx, stop); err != nil {
		c.logger.Error("Failed to record emergency stop", "stop_id", stop.ID, "error", err)
	}
}

func normalizeScope(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func normalizeScopes(scope []string) []string {
	seen := make(map[string]struct{}, len(scope))
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		n := normalizeScope(s)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		out = []string{ScopeAll}
	}
	return out
}
