// Package market holds the market-state types shared by the decision, sizing
// and allocation components.
package market

import (
	"fmt"
	"math"
	"strings"
)

// Regime is a classified market state
type Regime string

const (
	RegimeTrending    Regime = "TRENDING"
	RegimeRanging     Regime = "RANGING"
	RegimeEventDriven Regime = "EVENT_DRIVEN"
	RegimeUnknown     Regime = "UNKNOWN"
)

// AllRegimes lists the known regimes
var AllRegimes = []Regime{RegimeTrending, RegimeRanging, RegimeEventDriven, RegimeUnknown}

func (r Regime) String() string {
	return string(r)
}

// ParseRegime parses a regime name, case-insensitively. Empty input is UNKNOWN.
func ParseRegime(s string) (Regime, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRENDING", "TREND":
		return RegimeTrending, nil
	case "RANGING", "RANGE", "SIDEWAYS":
		return RegimeRanging, nil
	case "EVENT_DRIVEN", "EVENT":
		return RegimeEventDriven, nil
	case "UNKNOWN", "":
		return RegimeUnknown, nil
	default:
		return RegimeUnknown, fmt.Errorf("unknown regime %q", s)
	}
}

// Classifier thresholds, ADX-style trend strength on a 0-100 scale
const (
	TrendingThreshold = 25.0
	RangingThreshold  = 20.0
)

// ClassifyRegime maps a trend-strength reading onto a regime. Scheduled or
// detected events override the trend reading. Readings between the ranging
// and trending thresholds are treated as a transition and return UNKNOWN.
func ClassifyRegime(trendStrength float64, eventDriven bool) Regime {
	if eventDriven {
		return RegimeEventDriven
	}
	if math.IsNaN(trendStrength) || trendStrength < 0 {
		return RegimeUnknown
	}
	switch {
	case trendStrength >= TrendingThreshold:
		return RegimeTrending
	case trendStrength < RangingThreshold:
		return RegimeRanging
	default:
		return RegimeUnknown
	}
}
