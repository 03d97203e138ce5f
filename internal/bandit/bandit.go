// Package bandit selects operating presets per market regime with an
// epsilon-greedy multi-armed bandit and sizes capital splits from the
// learned arm weights.
package bandit

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/preset"
)

var (
	ErrNoCandidates    = errors.New("no candidate presets")
	ErrInvalidConfig   = errors.New("invalid bandit config")
	ErrInvalidStrategy = errors.New("invalid strategy")
	ErrInvalidCapital  = errors.New("invalid capital")
)

// Config holds the bandit's learning parameters
type Config struct {
	ExplorationRate float64 `json:"exploration_rate"`
	LearningRate    float64 `json:"learning_rate"`
	InitialWeight   float64 `json:"initial_weight"`
	MinWeight       float64 `json:"min_weight"`
}

// DefaultConfig returns epsilon 0.1, learning rate 0.01, arms starting at 1.0
// and never dropping below 0.1.
func DefaultConfig() Config {
	return Config{
		ExplorationRate: 0.1,
		LearningRate:    0.01,
		InitialWeight:   1.0,
		MinWeight:       0.1,
	}
}

// Validate checks the config ranges
func (c Config) Validate() error {
	switch {
	case c.ExplorationRate < 0 || c.ExplorationRate > 1:
		return fmt.Errorf("%w: exploration rate %v outside [0,1]", ErrInvalidConfig, c.ExplorationRate)
	case c.LearningRate <= 0 || c.LearningRate > 1:
		return fmt.Errorf("%w: learning rate %v outside (0,1]", ErrInvalidConfig, c.LearningRate)
	case c.MinWeight < 0:
		return fmt.Errorf("%w: min weight %v is negative", ErrInvalidConfig, c.MinWeight)
	case c.InitialWeight < c.MinWeight:
		return fmt.Errorf("%w: initial weight %v below min weight %v", ErrInvalidConfig, c.InitialWeight, c.MinWeight)
	}
	return nil
}

// Allocation is the capital split chosen for a regime
type Allocation struct {
	Preset             string        `json:"preset"`
	Regime             market.Regime `json:"regime"`
	Weight             float64       `json:"weight"`
	AllocationFraction float64       `json:"allocation_fraction"`
	Amount             float64       `json:"amount"`
	Confidence         float64       `json:"confidence"`
	Explored           bool          `json:"explored"`
}

type armKey struct {
	preset string
	regime market.Regime
}

// Bandit is safe for concurrent use. Arm weights and performance are
// guarded by one RWMutex; updates are single-key and last-writer-wins.
type Bandit struct {
	cfg    Config
	logger *logging.Logger
	bus    events.Publisher
	now    func() time.Time

	mu      sync.RWMutex
	weights map[armKey]float64
	perf    map[armKey]*PerformanceState

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Bandit
type Option func(*Bandit)

// WithRandSource makes exploration deterministic
func WithRandSource(src rand.Source) Option {
	return func(b *Bandit) { b.rng = rand.New(src) }
}

// WithEventBus publishes selections and weight updates
func WithEventBus(p events.Publisher) Option {
	return func(b *Bandit) { b.bus = events.OrNop(p) }
}

// New creates a bandit. An invalid config is returned as an error.
func New(cfg Config, logger *logging.Logger, opts ...Option) (*Bandit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bandit{
		cfg:     cfg,
		logger:  logging.OrDefault(logger).WithComponent("bandit"),
		bus:     events.Nop{},
		now:     time.Now,
		weights: make(map[armKey]float64),
		perf:    make(map[armKey]*PerformanceState),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the bandit's config
func (b *Bandit) Config() Config { return b.cfg }

// SelectPreset picks a candidate for the regime: uniformly at random with
// probability ExplorationRate, otherwise the highest-weighted arm with ties
// going to the earliest candidate.
func (b *Bandit) SelectPreset(regime market.Regime, candidates []preset.Preset) (preset.Preset, error) {
	p, _, err := b.selectPreset(regime, candidates)
	return p, err
}

func (b *Bandit) selectPreset(regime market.Regime, candidates []preset.Preset) (preset.Preset, bool, error) {
	if len(candidates) == 0 {
		return preset.Preset{}, false, ErrNoCandidates
	}

	if b.explore() {
		p := candidates[b.intn(len(candidates))]
		b.publishSelection(regime, p.Name, true)
		return p, true, nil
	}

	b.mu.RLock()
	best := 0
	bestWeight := b.weightLocked(candidates[0].Name, regime)
	for i := 1; i < len(candidates); i++ {
		if w := b.weightLocked(candidates[i].Name, regime); w > bestWeight {
			best, bestWeight = i, w
		}
	}
	b.mu.RUnlock()

	b.publishSelection(regime, candidates[best].Name, false)
	return candidates[best], false, nil
}

func (b *Bandit) explore() bool {
	if b.cfg.ExplorationRate <= 0 {
		return false
	}
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64() < b.cfg.ExplorationRate
}

func (b *Bandit) intn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

func (b *Bandit) publishSelection(regime market.Regime, name string, explored bool) {
	logging.BanditContext(b.logger, string(regime), name).Debug("Preset selected", "explored", explored)
	b.bus.Publish(events.Event{
		Type: events.EventPresetSelected,
		Data: map[string]interface{}{
			"regime":   string(regime),
			"preset":   name,
			"explored": explored,
		},
	})
}

// UpdateWeights moves the (preset, regime) arm toward the trade's reward with
// an exponential moving average and folds the return into the arm's regime
// performance. It returns the new weight.
func (b *Bandit) UpdateWeights(presetName string, regime market.Regime, perf Performance) float64 {
	reward := perf.Reward()
	key := armKey{presetName, regime}

	b.mu.Lock()
	old := b.weightLocked(presetName, regime)
	w := old + b.cfg.LearningRate*(reward-old)
	if w < b.cfg.MinWeight {
		w = b.cfg.MinWeight
	}
	b.weights[key] = w

	st, ok := b.perf[key]
	if !ok {
		st = &PerformanceState{RegimePerformance: RegimePerformance{Regime: regime, Preset: presetName}}
		b.perf[key] = st
	}
	st.observe(perf.Return, b.now())
	snapshot := st.RegimePerformance
	b.mu.Unlock()

	logging.BanditContext(b.logger, string(regime), presetName).Info("Bandit weight updated",
		"reward", reward,
		"old_weight", old,
		"new_weight", w,
		"trades", snapshot.TotalTrades,
	)
	b.bus.Publish(events.Event{
		Type: events.EventBanditUpdated,
		Data: map[string]interface{}{
			"regime":     string(regime),
			"preset":     presetName,
			"reward":     reward,
			"old_weight": old,
			"weight":     w,
			"win_rate":   snapshot.WinRate,
			"sharpe":     snapshot.SharpeRatio,
		},
	})
	return w
}

// AllocateCapital selects a preset for the regime and decides what fraction
// of totalCapital it gets from its weight and track record.
func (b *Bandit) AllocateCapital(regime market.Regime, totalCapital float64, candidates []preset.Preset) (Allocation, error) {
	if totalCapital < 0 || math.IsNaN(totalCapital) || math.IsInf(totalCapital, 0) {
		return Allocation{}, fmt.Errorf("%w: %v", ErrInvalidCapital, totalCapital)
	}
	p, explored, err := b.selectPreset(regime, candidates)
	if err != nil {
		return Allocation{}, err
	}

	b.mu.RLock()
	w := b.weightLocked(p.Name, regime)
	var sharpe, winRate float64
	if st, ok := b.perf[armKey{p.Name, regime}]; ok {
		sharpe, winRate = st.SharpeRatio, st.WinRate
	}
	b.mu.RUnlock()

	fraction := AllocationFraction(w, sharpe)
	return Allocation{
		Preset:             p.Name,
		Regime:             regime,
		Weight:             w,
		AllocationFraction: fraction,
		Amount:             totalCapital * fraction,
		Confidence:         AllocationConfidence(w, winRate),
		Explored:           explored,
	}, nil
}

// AllocationFraction is min(0.9, 0.5*min(2,w)*min(1.5, 1+0.1*sharpe)),
// floored at 0.
func AllocationFraction(weight, sharpe float64) float64 {
	a := 0.5 * math.Min(2.0, weight) * math.Min(1.5, 1+sharpe*0.1)
	return math.Max(0, math.Min(0.9, a))
}

// AllocationConfidence is min(0.95, 0.5+0.1*(w-1)+0.3*winRate), floored at 0.
func AllocationConfidence(weight, winRate float64) float64 {
	c := 0.5 + (weight-1)*0.1 + winRate*0.3
	return math.Max(0, math.Min(0.95, c))
}

// Weight returns the stored weight for an arm, or the initial weight when the
// arm has never been updated.
func (b *Bandit) Weight(presetName string, regime market.Regime) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.weightLocked(presetName, regime)
}

func (b *Bandit) weightLocked(presetName string, regime market.Regime) float64 {
	if w, ok := b.weights[armKey{presetName, regime}]; ok {
		return w
	}
	return b.cfg.InitialWeight
}

// Performance returns the aggregated outcomes of a preset under a regime
func (b *Bandit) Performance(regime market.Regime, presetName string) (RegimePerformance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.perf[armKey{presetName, regime}]
	if !ok {
		return RegimePerformance{}, false
	}
	return st.RegimePerformance, true
}

// AllPerformance returns every tracked arm's performance ordered by regime
// then preset.
func (b *Bandit) AllPerformance() []RegimePerformance {
	b.mu.RLock()
	out := make([]RegimePerformance, 0, len(b.perf))
	for _, st := range b.perf {
		out = append(out, st.RegimePerformance)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Regime != out[j].Regime {
			return out[i].Regime < out[j].Regime
		}
		return out[i].Preset < out[j].Preset
	})
	return out
}

// ArmState is a persisted arm weight
type ArmState struct {
	Preset string        `json:"preset"`
	Regime market.Regime `json:"regime"`
	Weight float64       `json:"weight"`
}

// State is everything needed to rebuild a bandit after a restart
type State struct {
	Arms        []ArmState         `json:"arms"`
	Performance []PerformanceState `json:"performance"`
}

// Snapshot captures the current arms and performance
func (b *Bandit) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := State{
		Arms:        make([]ArmState, 0, len(b.weights)),
		Performance: make([]PerformanceState, 0, len(b.perf)),
	}
	for k, w := range b.weights {
		s.Arms = append(s.Arms, ArmState{Preset: k.preset, Regime: k.regime, Weight: w})
	}
	for _, st := range b.perf {
		s.Performance = append(s.Performance, *st)
	}
	return s
}

// Restore replaces the bandit's state with s
func (b *Bandit) Restore(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.weights = make(map[armKey]float64, len(s.Arms))
	for _, a := range s.Arms {
		w := a.Weight
		if w < b.cfg.MinWeight {
			w = b.cfg.MinWeight
		}
		b.weights[armKey{a.Preset, a.Regime}] = w
	}
	b.perf = make(map[armKey]*PerformanceState, len(s.Performance))
	for i := range s.Performance {
		st := s.Performance[i]
		b.perf[armKey{st.Preset, st.Regime}] = &st
	}
}
