package signals

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Features is a named feature vector handed to a Scorer
type Features map[string]float64

// Scorer turns a feature vector into a directional vote. Any model can sit
// behind this interface; the engine only consumes direction and confidence.
type Scorer interface {
	Score(features Features) (Direction, float64)
}

// LinearScorer scores as bias + sum(weight*feature), clamped to [-1,1].
// Values beyond +/-Threshold vote UP/DOWN with confidence |score|*100.
type LinearScorer struct {
	Weights   map[string]float64
	Bias      float64
	Threshold float64
}

func (l LinearScorer) Score(features Features) (Direction, float64) {
	z := l.Bias
	for name, w := range l.Weights {
		z += w * features[name]
	}
	if math.IsNaN(z) {
		return DirectionNeutral, 0
	}
	z = math.Max(-1, math.Min(1, z))

	switch {
	case z > l.Threshold:
		return DirectionUp, z * 100
	case z < -l.Threshold:
		return DirectionDown, -z * 100
	default:
		return DirectionNeutral, (1 - math.Abs(z)) * 50
	}
}

// FeatureProvider supplies features for a symbol
type FeatureProvider interface {
	Features(ctx context.Context, symbol string) (Features, error)
}

// FeatureFunc adapts a function into a FeatureProvider
type FeatureFunc func(ctx context.Context, symbol string) (Features, error)

func (f FeatureFunc) Features(ctx context.Context, symbol string) (Features, error) {
	return f(ctx, symbol)
}

// ModelSource is a Source that scores features from a provider
type ModelSource struct {
	name     string
	category Category
	features FeatureProvider
	scorer   Scorer
}

// NewModelSource creates a model-backed source
func NewModelSource(name string, category Category, features FeatureProvider, scorer Scorer) *ModelSource {
	return &ModelSource{name: name, category: category, features: features, scorer: scorer}
}

func (m *ModelSource) Name() string       { return m.name }
func (m *ModelSource) Category() Category { return m.category }

func (m *ModelSource) Fetch(ctx context.Context, symbol string) (Signal, error) {
	f, err := m.features.Features(ctx, symbol)
	if err != nil {
		return Signal{}, fmt.Errorf("%s features: %w", m.name, err)
	}
	dir, conf := m.scorer.Score(f)
	return Signal{
		Source:     m.category,
		Direction:  dir,
		Confidence: conf,
		Reason:     fmt.Sprintf("%s: %s (%.0f%%) on %s", m.name, dir, conf, featureNames(f)),
	}.Sanitize(), nil
}

func featureNames(f Features) string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// ScoreProvider returns a polarity score in [-1,1] for a symbol, e.g. an
// aggregated sentiment, news tone or net whale flow.
type ScoreProvider interface {
	Score(ctx context.Context, symbol string) (float64, error)
}

// ScoreFunc adapts a function into a ScoreProvider
type ScoreFunc func(ctx context.Context, symbol string) (float64, error)

func (f ScoreFunc) Score(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}

// DefaultScoreThreshold is the polarity needed before a score source votes
const DefaultScoreThreshold = 0.3

// ScoreSource maps a polarity score onto a signal
type ScoreSource struct {
	name      string
	category  Category
	provider  ScoreProvider
	threshold float64
}

// NewScoreSource creates a polarity-score source. A threshold <= 0 uses
// DefaultScoreThreshold.
func NewScoreSource(name string, category Category, provider ScoreProvider, threshold float64) *ScoreSource {
	if threshold <= 0 {
		threshold = DefaultScoreThreshold
	}
	return &ScoreSource{name: name, category: category, provider: provider, threshold: threshold}
}

func (s *ScoreSource) Name() string       { return s.name }
func (s *ScoreSource) Category() Category { return s.category }

func (s *ScoreSource) Fetch(ctx context.Context, symbol string) (Signal, error) {
	score, err := s.provider.Score(ctx, symbol)
	if err != nil {
		return Signal{}, err
	}
	return ScoreToSignal(s.category, score, s.threshold), nil
}

// ScoreToSignal converts a [-1,1] score. Scores inside the threshold band are
// a neutral vote at 50% confidence.
func ScoreToSignal(category Category, score, threshold float64) Signal {
	score = math.Max(-1, math.Min(1, score))
	sig := Signal{Source: category, Direction: DirectionNeutral, Confidence: 50}
	if score > threshold {
		sig.Direction = DirectionBullish
		sig.Confidence = score * 100
	} else if score < -threshold {
		sig.Direction = DirectionBearish
		sig.Confidence = -score * 100
	}
	sig.Reason = fmt.Sprintf("%s score %.2f", strings.ToLower(string(category)), score)
	return sig.Sanitize()
}
