package consensus

import (
	"errors"
	"time"

	"trading-control-core/internal/signals"
)

var (
	ErrInvalidSymbol   = errors.New("symbol is required")
	ErrDuplicateSource = errors.New("a source for this category is already registered")
	ErrInvalidSource   = errors.New("invalid signal source")
)

// Gate names recorded for rejected evaluations
const (
	GateEmergency  = "emergency"
	GateConsensus  = "consensus"
	GateHold       = "hold"
	GatePrice      = "price"
	GateConfidence = "confidence"
	GateRiskReward = "risk_reward"
)

// Decision is an actionable trade decision. It is never mutated after
// MakeDecision returns it.
type Decision struct {
	Symbol          string           `json:"symbol"`
	Action          signals.Action   `json:"action"`
	Confidence      float64          `json:"confidence"`
	ConsensusScore  float64          `json:"consensus_score"`
	EntryPrice      float64          `json:"entry_price"`
	TargetPrice     float64          `json:"target_price"`
	StopLoss        float64          `json:"stop_loss"`
	RiskRewardRatio float64          `json:"risk_reward_ratio"`
	Reasons         []string         `json:"reasons"`
	Preset          string           `json:"preset"`
	Signals         []signals.Signal `json:"signals"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Tally is the weighted score of each action bucket
type Tally struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
	Hold float64 `json:"hold"`
}

// Total returns the sum of all buckets
func (t Tally) Total() float64 {
	return t.Buy + t.Sell + t.Hold
}

// Of returns the score of an action bucket
func (t Tally) Of(a signals.Action) float64 {
	switch a {
	case signals.ActionBuy:
		return t.Buy
	case signals.ActionSell:
		return t.Sell
	default:
		return t.Hold
	}
}

// Config holds engine settings
type Config struct {
	SourceTimeout   time.Duration
	HistorySize     int
	HoldMargin      float64
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the default engine settings
func DefaultConfig() Config {
	return Config{
		SourceTimeout:   2 * time.Second,
		HistorySize:     500,
		HoldMargin:      1.2,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = d.SourceTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.HoldMargin <= 0 {
		c.HoldMargin = d.HoldMargin
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	return c
}
