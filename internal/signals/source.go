package signals

import (
	"context"
	"fmt"
	"sync"
)

// Source produces a signal for a symbol. Implementations must honour ctx
// cancellation; the consensus engine bounds every Fetch with a timeout.
type Source interface {
	Name() string
	Category() Category
	Fetch(ctx context.Context, symbol string) (Signal, error)
}

// FuncSource adapts a function into a Source
type FuncSource struct {
	name     string
	category Category
	fn       func(ctx context.Context, symbol string) (Signal, error)
}

// NewFuncSource creates a source backed by fn
func NewFuncSource(name string, category Category, fn func(ctx context.Context, symbol string) (Signal, error)) *FuncSource {
	return &FuncSource{name: name, category: category, fn: fn}
}

func (f *FuncSource) Name() string       { return f.name }
func (f *FuncSource) Category() Category { return f.category }

func (f *FuncSource) Fetch(ctx context.Context, symbol string) (Signal, error) {
	sig, err := f.fn(ctx, symbol)
	if err != nil {
		return Signal{}, err
	}
	sig.Source = f.category
	return sig, nil
}

// StaticSource returns preset signals per symbol. It backs the demo wiring and
// lets operators pin a category's vote through the API.
type StaticSource struct {
	mu       sync.RWMutex
	name     string
	category Category
	signals  map[string]Signal
	fallback *Signal
}

// NewStaticSource creates an empty static source
func NewStaticSource(name string, category Category) *StaticSource {
	return &StaticSource{
		name:     name,
		category: category,
		signals:  make(map[string]Signal),
	}
}

func (s *StaticSource) Name() string       { return s.name }
func (s *StaticSource) Category() Category { return s.category }

// Set pins the signal returned for symbol
func (s *StaticSource) Set(symbol string, direction Direction, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[symbol] = Signal{Source: s.category, Direction: direction, Confidence: confidence}
}

// SetDefault sets the signal returned for symbols without a pinned value
func (s *StaticSource) SetDefault(direction Direction, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = &Signal{Source: s.category, Direction: direction, Confidence: confidence}
}

func (s *StaticSource) Fetch(ctx context.Context, symbol string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sig, ok := s.signals[symbol]; ok {
		return sig, nil
	}
	if s.fallback != nil {
		return *s.fallback, nil
	}
	return Signal{}, fmt.Errorf("%s: no signal for %s", s.name, symbol)
}
