// Package events is the in-process bus that carries control-core
// notifications to metrics and dashboards.
package events

import (
	"sync"
	"time"
)

// EventType names an event
type EventType string

const (
	EventDecisionMade       EventType = "DECISION_MADE"
	EventDecisionRejected   EventType = "DECISION_REJECTED"
	EventSourceDegraded     EventType = "SOURCE_DEGRADED"
	EventPositionSized      EventType = "POSITION_SIZED"
	EventRiskMetricsUpdated EventType = "RISK_METRICS_UPDATED"
	EventPresetSelected     EventType = "PRESET_SELECTED"
	EventBanditUpdated      EventType = "BANDIT_UPDATED"

	EventStopTriggered       EventType = "EMERGENCY_STOP_TRIGGERED"
	EventStopResolved        EventType = "EMERGENCY_STOP_RESOLVED"
	EventStopCancelled       EventType = "EMERGENCY_STOP_CANCELLED"
	EventActionExecuted      EventType = "EMERGENCY_ACTION_EXECUTED"
	EventSystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
)

// Event is one bus message
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// New returns an event of type t stamped with the current time
func New(t EventType, data map[string]interface{}) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}

// Subscriber handles one event. It runs on its own goroutine.
type Subscriber func(Event)

// Publisher accepts events. Components depend on this rather than *EventBus.
type Publisher interface {
	Publish(event Event)
}

// anyType keys subscribers that receive every event
const anyType EventType = ""

// EventBus fans events out to subscribers asynchronously
type EventBus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers fn for events of type t
func (eb *EventBus) Subscribe(t EventType, fn Subscriber) {
	eb.mu.Lock()
	eb.subs[t] = append(eb.subs[t], fn)
	eb.mu.Unlock()
}

// SubscribeAll registers fn for every event
func (eb *EventBus) SubscribeAll(fn Subscriber) {
	eb.Subscribe(anyType, fn)
}

// Channel returns a buffered channel fed with the given types, or with every
// event when none are given. Events that do not fit in the buffer are dropped.
func (eb *EventBus) Channel(buffer int, types ...EventType) <-chan Event {
	ch := make(chan Event, buffer)
	deliver := func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
	if len(types) == 0 {
		types = []EventType{anyType}
	}
	for _, t := range types {
		eb.Subscribe(t, deliver)
	}
	return ch
}

// Publish hands event to every matching subscriber without waiting for them
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	eb.mu.RLock()
	targets := make([]Subscriber, 0, len(eb.subs[event.Type])+len(eb.subs[anyType]))
	targets = append(targets, eb.subs[event.Type]...)
	if event.Type != anyType {
		targets = append(targets, eb.subs[anyType]...)
	}
	eb.mu.RUnlock()

	for _, fn := range targets {
		go fn(event)
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
