// Package preset holds the operating parameter bundles the allocation bandit
// chooses between and the consensus engine decides under.
package preset

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"trading-control-core/internal/signals"
)

var (
	ErrInvalidWeights = errors.New("invalid consensus weights")
	ErrInvalidPreset  = errors.New("invalid preset")
	ErrUnknownPreset  = errors.New("unknown preset")
)

const weightTolerance = 1e-6

// Weights is the per-category consensus weight table
type Weights struct {
	ML        float64 `json:"ml" yaml:"ml"`
	Technical float64 `json:"technical" yaml:"technical"`
	Pattern   float64 `json:"pattern" yaml:"pattern"`
	Sentiment float64 `json:"sentiment" yaml:"sentiment"`
	News      float64 `json:"news" yaml:"news"`
	Whale     float64 `json:"whale" yaml:"whale"`
}

// DefaultWeights returns the balanced weight table
func DefaultWeights() Weights {
	return Weights{ML: 0.35, Technical: 0.25, Pattern: 0.15, Sentiment: 0.10, News: 0.10, Whale: 0.05}
}

// For returns the weight of a source category
func (w Weights) For(c signals.Category) float64 {
	switch c {
	case signals.CategoryML:
		return w.ML
	case signals.CategoryTechnical:
		return w.Technical
	case signals.CategoryPattern:
		return w.Pattern
	case signals.CategorySentiment:
		return w.Sentiment
	case signals.CategoryNews:
		return w.News
	case signals.CategoryWhale:
		return w.Whale
	default:
		return 0
	}
}

// Sum returns the total weight
func (w Weights) Sum() float64 {
	return w.ML + w.Technical + w.Pattern + w.Sentiment + w.News + w.Whale
}

// Validate checks every weight is non-negative and the table sums to 1.0
func (w Weights) Validate() error {
	for _, c := range signals.AllCategories {
		v := w.For(c)
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s weight %v", ErrInvalidWeights, c, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.4f, want 1.0", ErrInvalidWeights, sum)
	}
	return nil
}

// Preset is a named parameter bundle
type Preset struct {
	Name               string  `json:"name" yaml:"name"`
	Description        string  `json:"description,omitempty" yaml:"description"`
	Weights            Weights `json:"weights" yaml:"weights"`
	MinConsensusScore  float64 `json:"min_consensus_score" yaml:"min_consensus_score"`
	MinConfidence      float64 `json:"min_confidence" yaml:"min_confidence"`
	MinRiskRewardRatio float64 `json:"min_risk_reward_ratio" yaml:"min_risk_reward_ratio"`
	StopDistance       float64 `json:"stop_distance" yaml:"stop_distance"`     // fraction of entry price
	RewardMultiple     float64 `json:"reward_multiple" yaml:"reward_multiple"` // target distance in units of risk
}

// Validate checks the preset is usable by the consensus engine
func (p Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPreset)
	}
	if err := p.Weights.Validate(); err != nil {
		return fmt.Errorf("preset %s: %w", p.Name, err)
	}
	if p.MinConsensusScore < 0 || p.MinConsensusScore > 100 {
		return fmt.Errorf("%w: %s min consensus score %v outside [0,100]", ErrInvalidPreset, p.Name, p.MinConsensusScore)
	}
	if p.MinConfidence < 0 || p.MinConfidence > 100 {
		return fmt.Errorf("%w: %s min confidence %v outside [0,100]", ErrInvalidPreset, p.Name, p.MinConfidence)
	}
	if p.MinRiskRewardRatio < 0 {
		return fmt.Errorf("%w: %s negative min risk/reward", ErrInvalidPreset, p.Name)
	}
	if p.StopDistance <= 0 || p.StopDistance >= 1 {
		return fmt.Errorf("%w: %s stop distance %v outside (0,1)", ErrInvalidPreset, p.Name, p.StopDistance)
	}
	if p.RewardMultiple <= 0 {
		return fmt.Errorf("%w: %s reward multiple must be positive", ErrInvalidPreset, p.Name)
	}
	return nil
}

// Balanced is the default preset
func Balanced() Preset {
	return Preset{
		Name:               "balanced",
		Description:        "Default weights and gates",
		Weights:            DefaultWeights(),
		MinConsensusScore:  80,
		MinConfidence:      85,
		MinRiskRewardRatio: 2.0,
		StopDistance:       0.02,
		RewardMultiple:     2.5,
	}
}

// Builtin returns the built-in catalogue
func Builtin() []Preset {
	return []Preset{
		Balanced(),
		{
			Name:               "scalping",
			Description:        "Short holds, technicals and order flow lead",
			Weights:            Weights{ML: 0.25, Technical: 0.35, Pattern: 0.20, Sentiment: 0.05, News: 0.05, Whale: 0.10},
			MinConsensusScore:  80,
			MinConfidence:      85,
			MinRiskRewardRatio: 2.0,
			StopDistance:       0.005,
			RewardMultiple:     2.0,
		},
		{
			Name:               "swing",
			Description:        "Multi-day holds, model and pattern lead",
			Weights:            Weights{ML: 0.35, Technical: 0.20, Pattern: 0.20, Sentiment: 0.10, News: 0.10, Whale: 0.05},
			MinConsensusScore:  80,
			MinConfidence:      85,
			MinRiskRewardRatio: 2.0,
			StopDistance:       0.03,
			RewardMultiple:     3.0,
		},
		{
			Name:               "position",
			Description:        "Long holds, news and sentiment weigh more",
			Weights:            Weights{ML: 0.30, Technical: 0.15, Pattern: 0.10, Sentiment: 0.15, News: 0.20, Whale: 0.10},
			MinConsensusScore:  82,
			MinConfidence:      85,
			MinRiskRewardRatio: 2.5,
			StopDistance:       0.05,
			RewardMultiple:     3.5,
		},
	}
}

// Catalogue is an immutable name-indexed set of presets
type Catalogue struct {
	byName map[string]Preset
	order  []string
}

// NewCatalogue validates presets and indexes them by name
func NewCatalogue(presets []Preset) (*Catalogue, error) {
	if len(presets) == 0 {
		return nil, fmt.Errorf("%w: empty catalogue", ErrInvalidPreset)
	}
	c := &Catalogue{byName: make(map[string]Preset, len(presets))}
	for _, p := range presets {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate preset %q", ErrInvalidPreset, p.Name)
		}
		c.byName[p.Name] = p
		c.order = append(c.order, p.Name)
	}
	return c, nil
}

// Get returns a preset by name
func (c *Catalogue) Get(name string) (Preset, error) {
	p, ok := c.byName[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return p, nil
}

// All returns the presets in declaration order
func (c *Catalogue) All() []Preset {
	out := make([]Preset, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.byName[n])
	}
	return out
}

// Names returns the sorted preset names
func (c *Catalogue) Names() []string {
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	return names
}

// Select returns the named presets, or all of them when names is empty
func (c *Catalogue) Select(names []string) ([]Preset, error) {
	if len(names) == 0 {
		return c.All(), nil
	}
	out := make([]Preset, 0, len(names))
	for _, n := range names {
		p, err := c.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
