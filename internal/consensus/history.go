package consensus

import (
	"sync"
	"time"

	"trading-control-core/internal/signals"
)

// History keeps the last N decisions and running rejection counters
type History struct {
	mu         sync.RWMutex
	limit      int
	decisions  []Decision
	rejections map[string]int
	evaluated  int
}

// Stats summarises the decision history
type Stats struct {
	Evaluated         int                    `json:"evaluated"`
	Decisions         int                    `json:"decisions"`
	ByAction          map[signals.Action]int `json:"by_action"`
	Rejections        map[string]int         `json:"rejections"`
	AverageConfidence float64                `json:"average_confidence"`
	AverageConsensus  float64                `json:"average_consensus"`
	LastDecisionAt    *time.Time             `json:"last_decision_at,omitempty"`
}

// NewHistory creates a history bounded to limit decisions
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 500
	}
	return &History{
		limit:      limit,
		decisions:  make([]Decision, 0, limit),
		rejections: make(map[string]int),
	}
}

// Record appends a decision, evicting the oldest beyond the limit
func (h *History) Record(d Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evaluated++
	h.decisions = append(h.decisions, d)
	if len(h.decisions) > h.limit {
		h.decisions = h.decisions[len(h.decisions)-h.limit:]
	}
}

// Reject counts an evaluation stopped at gate
func (h *History) Reject(gate string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evaluated++
	h.rejections[gate]++
}

// Recent returns up to limit decisions, newest first
func (h *History) Recent(limit int) []Decision {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.decisions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Decision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.decisions[i])
	}
	return out
}

// Len returns the number of retained decisions
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.decisions)
}

// Stats computes statistics over the retained decisions
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		Evaluated:  h.evaluated,
		Decisions:  len(h.decisions),
		ByAction:   make(map[signals.Action]int),
		Rejections: make(map[string]int, len(h.rejections)),
	}
	for k, v := range h.rejections {
		s.Rejections[k] = v
	}
	if len(h.decisions) == 0 {
		return s
	}

	var conf, cons float64
	for _, d := range h.decisions {
		s.ByAction[d.Action]++
		conf += d.Confidence
		cons += d.ConsensusScore
	}
	n := float64(len(h.decisions))
	s.AverageConfidence = conf / n
	s.AverageConsensus = cons / n
	last := h.decisions[len(h.decisions)-1].Timestamp
	s.LastDecisionAt = &last
	return s
}
