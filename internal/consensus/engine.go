// Package consensus turns the weighted votes of the registered signal sources
// into a gated trade decision.
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/preset"
	"trading-control-core/internal/signals"
)

const maxReasons = 5

// Gate is consulted before any fan-out. The emergency controller implements it.
type Gate interface {
	IsTradingAllowed(symbol, exchange string) bool
}

type registeredSource struct {
	src     signals.Source
	breaker *gobreaker.CircuitBreaker
}

// Engine is the weighted consensus decision engine
type Engine struct {
	cfg     Config
	preset  preset.Preset
	feed    market.PriceFeed
	logger  *logging.Logger
	history *History

	mu      sync.RWMutex
	sources map[signals.Category]*registeredSource
	gate    Gate
	bus     events.Publisher
}

// NewEngine creates an engine deciding under def unless a preset is passed
// explicitly. An invalid default preset is a configuration error.
func NewEngine(cfg Config, def preset.Preset, feed market.PriceFeed, logger *logging.Logger) (*Engine, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default preset: %w", err)
	}
	if feed == nil {
		return nil, fmt.Errorf("consensus engine requires a price feed")
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		preset:  def,
		feed:    feed,
		logger:  logging.OrDefault(logger).WithComponent("consensus"),
		history: NewHistory(cfg.HistorySize),
		sources: make(map[signals.Category]*registeredSource),
		bus:     events.Nop{},
	}, nil
}

// SetGate attaches the trading gate
func (e *Engine) SetGate(g Gate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = g
}

// SetEventBus attaches the event publisher
func (e *Engine) SetEventBus(p events.Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus = events.OrNop(p)
}

// AddSource registers a source. One source per category; each gets its own
// circuit breaker.
func (e *Engine) AddSource(src signals.Source) error {
	if src == nil || !src.Category().Valid() {
		return ErrInvalidSource
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sources[src.Category()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.Category())
	}

	name := src.Name()
	failures := e.cfg.BreakerFailures
	e.sources[src.Category()] = &registeredSource{
		src: src,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     e.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(n string, from, to gobreaker.State) {
				e.logger.Warn("Source breaker state changed", "source", n, "from", from.String(), "to", to.String())
			},
		}),
	}
	e.logger.Info("Signal source registered", "source", name, "category", string(src.Category()))
	return nil
}

// SourceStates returns the breaker state per registered source name
func (e *Engine) SourceStates() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.sources))
	for _, rs := range e.sources {
		out[rs.src.Name()] = rs.breaker.State().String()
	}
	return out
}

// DefaultPreset returns the preset used by MakeDecision
func (e *Engine) DefaultPreset() preset.Preset {
	return e.preset
}

// History returns the decision history
func (e *Engine) History() *History {
	return e.history
}

// MakeDecision decides under the default preset
func (e *Engine) MakeDecision(ctx context.Context, symbol string) (*Decision, error) {
	return e.MakeDecisionWithPreset(ctx, symbol, e.preset)
}

// MakeDecisionWithPreset fans out to every source, scores the consensus and
// applies the consensus, confidence and risk/reward gates. A nil decision with
// a nil error means no trade.
func (e *Engine) MakeDecisionWithPreset(ctx context.Context, symbol string, p preset.Preset) (*Decision, error) {
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	gate, bus := e.gate, e.bus
	e.mu.RUnlock()

	log := logging.SignalContext(e.logger, symbol, p.Name)

	if gate != nil && !gate.IsTradingAllowed(symbol, "") {
		log.Info("Trading halted, skipping decision")
		e.reject(bus, symbol, p.Name, GateEmergency, 0, 0)
		return nil, nil
	}

	sigs := e.collect(ctx, symbol)
	tally := Score(sigs, p.Weights)
	action := SelectAction(tally, e.cfg.HoldMargin)
	score := ConsensusScore(tally, action)

	if score < p.MinConsensusScore {
		log.Debug("Consensus below threshold", "action", string(action), "score", score, "min", p.MinConsensusScore)
		e.reject(bus, symbol, p.Name, GateConsensus, score, 0)
		return nil, nil
	}
	if action == signals.ActionHold {
		log.Debug("Consensus is HOLD", "score", score)
		e.reject(bus, symbol, p.Name, GateHold, score, 0)
		return nil, nil
	}

	confidence := AgreementConfidence(sigs, p.Weights, action)

	entry, err := e.feed.CurrentPrice(ctx, symbol)
	if err != nil || entry <= 0 || math.IsNaN(entry) || math.IsInf(entry, 0) {
		log.Warn("Price unavailable, no decision", "error", err, "price", entry)
		e.reject(bus, symbol, p.Name, GatePrice, score, confidence)
		return nil, nil
	}
	target, stop, rr := Levels(action, entry, p.StopDistance, p.RewardMultiple)

	if confidence < p.MinConfidence {
		log.Debug("Confidence below threshold", "confidence", confidence, "min", p.MinConfidence)
		e.reject(bus, symbol, p.Name, GateConfidence, score, confidence)
		return nil, nil
	}
	if rr < p.MinRiskRewardRatio {
		log.Debug("Risk/reward below threshold", "rr", rr, "min", p.MinRiskRewardRatio)
		e.reject(bus, symbol, p.Name, GateRiskReward, score, confidence)
		return nil, nil
	}

	d := &Decision{
		Symbol:          symbol,
		Action:          action,
		Confidence:      confidence,
		ConsensusScore:  score,
		EntryPrice:      entry,
		TargetPrice:     target,
		StopLoss:        stop,
		RiskRewardRatio: rr,
		Reasons:         buildReasons(sigs, p.Weights, action, tally, score),
		Preset:          p.Name,
		Signals:         sigs,
		Timestamp:       time.Now(),
	}
	e.history.Record(*d)

	log.Info("Decision made",
		"action", string(action),
		"confidence", confidence,
		"consensus", score,
		"entry", entry,
		"target", target,
		"stop", stop,
	)
	bus.Publish(events.Event{
		Type: events.EventDecisionMade,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"action":     string(action),
			"confidence": confidence,
			"consensus":  score,
			"preset":     p.Name,
		},
	})
	return d, nil
}

func (e *Engine) reject(bus events.Publisher, symbol, presetName, gate string, score, confidence float64) {
	e.history.Reject(gate)
	bus.Publish(events.Event{
		Type: events.EventDecisionRejected,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"preset":     presetName,
			"gate":       gate,
			"consensus":  score,
			"confidence": confidence,
		},
	})
}

// collect fetches one signal per category. Categories without a registered
// source, and sources that fail, are neutral.
func (e *Engine) collect(ctx context.Context, symbol string) []signals.Signal {
	e.mu.RLock()
	srcs := make([]*registeredSource, len(signals.AllCategories))
	for i, c := range signals.AllCategories {
		srcs[i] = e.sources[c]
	}
	bus := e.bus
	e.mu.RUnlock()

	out := make([]signals.Signal, len(srcs))
	var g errgroup.Group
	for i, rs := range srcs {
		if rs == nil {
			out[i] = signals.Neutral(signals.AllCategories[i])
			continue
		}
		i, rs := i, rs
		g.Go(func() error {
			sig, err := e.fetch(ctx, rs, symbol)
			if err != nil {
				e.logger.Warn("Signal source degraded to neutral",
					"source", rs.src.Name(),
					"symbol", symbol,
					"error", err,
				)
				bus.Publish(events.Event{
					Type: events.EventSourceDegraded,
					Data: map[string]interface{}{
						"source": rs.src.Name(),
						"symbol": symbol,
						"error":  err.Error(),
					},
				})
				sig = signals.Neutral(rs.src.Category())
			}
			out[i] = sig
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type fetchResult struct {
	sig signals.Signal
	err error
}

// fetch runs one source through its breaker, bounded by the source timeout
// even when the source ignores its context.
func (e *Engine) fetch(ctx context.Context, rs *registeredSource, symbol string) (signals.Signal, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fetchResult{err: fmt.Errorf("source panicked: %v", r)}
			}
		}()
		out, err := rs.breaker.Execute(func() (interface{}, error) {
			return rs.src.Fetch(fctx, symbol)
		})
		if err != nil {
			ch <- fetchResult{err: err}
			return
		}
		ch <- fetchResult{sig: out.(signals.Signal)}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return signals.Signal{}, r.err
		}
		sig := r.sig
		sig.Source = rs.src.Category()
		return sig.Sanitize(), nil
	case <-fctx.Done():
		return signals.Signal{}, fmt.Errorf("fetch timed out after %s: %w", e.cfg.SourceTimeout, fctx.Err())
	}
}

// Score sums weight*confidence/100 per action bucket
func Score(sigs []signals.Signal, w preset.Weights) Tally {
	var t Tally
	for _, s := range sigs {
		v := w.For(s.Source) * s.Confidence / 100
		switch s.Action() {
		case signals.ActionBuy:
			t.Buy += v
		case signals.ActionSell:
			t.Sell += v
		default:
			t.Hold += v
		}
	}
	return t
}

// SelectAction picks BUY or SELL only when it beats the other side and beats
// HOLD by holdMargin; everything else, ties included, is HOLD.
func SelectAction(t Tally, holdMargin float64) signals.Action {
	switch {
	case t.Buy > t.Sell && t.Buy > t.Hold*holdMargin:
		return signals.ActionBuy
	case t.Sell > t.Buy && t.Sell > t.Hold*holdMargin:
		return signals.ActionSell
	default:
		return signals.ActionHold
	}
}

// ConsensusScore is the action bucket's share of the total, 0-100
func ConsensusScore(t Tally, action signals.Action) float64 {
	total := t.Total()
	if total <= 0 {
		return 0
	}
	return t.Of(action) / total * 100
}

// AgreementConfidence is the weight-averaged confidence of the sources voting
// for action
func AgreementConfidence(sigs []signals.Signal, w preset.Weights, action signals.Action) float64 {
	var num, den float64
	for _, s := range sigs {
		if s.Action() != action {
			continue
		}
		wt := w.For(s.Source)
		num += wt * s.Confidence
		den += wt
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Levels derives target and stop from the entry price. risk = entry*stopDistance.
func Levels(action signals.Action, entry, stopDistance, rewardMultiple float64) (target, stop, rr float64) {
	risk := entry * stopDistance
	switch action {
	case signals.ActionBuy:
		stop = entry - risk
		target = entry + rewardMultiple*risk
	case signals.ActionSell:
		stop = entry + risk
		target = entry - rewardMultiple*risk
	default:
		return entry, entry, 0
	}
	if d := math.Abs(entry - stop); d > 0 {
		rr = math.Abs(target-entry) / d
	}
	return target, stop, rr
}

func buildReasons(sigs []signals.Signal, w preset.Weights, action signals.Action, t Tally, score float64) []string {
	reasons := []string{
		fmt.Sprintf("Consensus %s %.1f%% (buy %.3f / sell %.3f / hold %.3f)", action, score, t.Buy, t.Sell, t.Hold),
	}

	agreeing := make([]signals.Signal, 0, len(sigs))
	for _, s := range sigs {
		if s.Action() == action && s.Confidence > 0 {
			agreeing = append(agreeing, s)
		}
	}
	sort.SliceStable(agreeing, func(i, j int) bool {
		return w.For(agreeing[i].Source)*agreeing[i].Confidence > w.For(agreeing[j].Source)*agreeing[j].Confidence
	})

	for _, s := range agreeing {
		if len(reasons) >= maxReasons {
			break
		}
		r := s.Reason
		if r == "" {
			r = fmt.Sprintf("%s %s (%.0f%%)", s.Source, s.Direction, s.Confidence)
		}
		reasons = append(reasons, r)
	}
	return reasons
}
