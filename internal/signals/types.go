// Package signals defines the per-category trading signals consumed by the
// consensus engine and the sources that produce them.
package signals

import (
	"math"
	"strings"
)

// Category identifies the kind of analysis a signal comes from
type Category string

const (
	CategoryML        Category = "ML"
	CategoryTechnical Category = "TECHNICAL"
	CategoryPattern   Category = "PATTERN"
	CategorySentiment Category = "SENTIMENT"
	CategoryNews      Category = "NEWS"
	CategoryWhale     Category = "WHALE"
)

// AllCategories lists every category in weight-table order
var AllCategories = []Category{
	CategoryML,
	CategoryTechnical,
	CategoryPattern,
	CategorySentiment,
	CategoryNews,
	CategoryWhale,
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Direction is the raw directional vote of a source. Sources speak slightly
// different vocabularies; NormalizeDirection folds them into an Action.
type Direction string

const (
	DirectionUp      Direction = "UP"
	DirectionDown    Direction = "DOWN"
	DirectionNeutral Direction = "NEUTRAL"
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
)

// Action is the trade action a decision resolves to
type Action string

const (
	ActionBuy       Action = "BUY"
	ActionSell      Action = "SELL"
	ActionHold      Action = "HOLD"
	ActionArbitrage Action = "ARBITRAGE"
)

// NormalizeDirection maps a direction string to BUY, SELL or HOLD.
// Matching is case-insensitive; anything unrecognised is HOLD.
func NormalizeDirection(d Direction) Action {
	switch strings.ToUpper(strings.TrimSpace(string(d))) {
	case "UP", "BULLISH", "LONG", "BUY":
		return ActionBuy
	case "DOWN", "BEARISH", "SHORT", "SELL":
		return ActionSell
	default:
		return ActionHold
	}
}

// Signal is one source's vote for a symbol. Confidence is on a 0-100 scale.
type Signal struct {
	Source     Category  `json:"source"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
}

// Neutral returns the signal substituted for a missing or failed source
func Neutral(source Category) Signal {
	return Signal{
		Source:     source,
		Direction:  DirectionNeutral,
		Confidence: 0,
		Degraded:   true,
	}
}

// Action returns the normalized action of the signal
func (s Signal) Action() Action {
	return NormalizeDirection(s.Direction)
}

// Sanitize clamps confidence into [0,100]; NaN becomes 0.
func (s Signal) Sanitize() Signal {
	switch {
	case math.IsNaN(s.Confidence) || s.Confidence < 0:
		s.Confidence = 0
	case s.Confidence > 100:
		s.Confidence = 100
	}
	return s
}
