package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trading-control-core/internal/logging"
)

// NotificationType classifies a message; only emergencies bypass the drop
// policy of the rate limiter.
type NotificationType string

const (
	NotifyEmergency  NotificationType = "emergency"
	NotifyResolution NotificationType = "resolution"
	NotifyError      NotificationType = "error"
)

// ErrRateLimited is returned when the manager drops a message to stay under
// its configured send rate.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Notification is one operator message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  string
	Scope     []string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier delivers to one provider
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider behind a shared
// token bucket.
type Manager struct {
	mu          sync.RWMutex
	notifiers   []Notifier
	enabled     bool
	limiter     *rate.Limiter
	waitTimeout time.Duration
	logger      *logging.Logger
}

// ManagerConfig holds manager settings
type ManagerConfig struct {
	Enabled       bool
	RatePerMinute int
	Burst         int
	EmergencyWait time.Duration
}

// NewManager creates a new notification manager
func NewManager(cfg ManagerConfig, logger *logging.Logger) *Manager {
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	wait := cfg.EmergencyWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Manager{
		notifiers:   make([]Notifier, 0),
		enabled:     cfg.Enabled,
		limiter:     rate.NewLimiter(limit, burst),
		waitTimeout: wait,
		logger:      logging.OrDefault(logger).WithComponent("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Providers returns the names of the enabled providers
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			names = append(names, n.Name())
		}
	}
	return names
}

// Send sends a notification to all enabled providers. The last provider error
// is returned; one failing provider does not stop the others.
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled || notification == nil {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	if err := m.admit(notification); err != nil {
		return err
	}

	m.mu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	var lastErr error
	for _, n := range notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Error("Notification provider failed", "provider", n.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// admit takes a token from the limiter. Emergencies wait up to waitTimeout;
// other messages are dropped immediately when the bucket is empty.
func (m *Manager) admit(n *Notification) error {
	if n.Type != NotifyEmergency {
		if m.limiter.Allow() {
			return nil
		}
		m.logger.Warn("Dropping notification", "type", string(n.Type), "title", n.Title)
		return ErrRateLimited
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.waitTimeout)
	defer cancel()
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// SendEmergency sends an emergency stop notification
func (m *Manager) SendEmergency(stopID, stopType, severity, reason string, scope []string) error {
	return m.Send(&Notification{
		Type:     NotifyEmergency,
		Title:    fmt.Sprintf("EMERGENCY STOP [%s]", severity),
		Message:  fmt.Sprintf("%s stop %s\nScope: %s\nReason: %s", stopType, stopID, strings.Join(scope, ", "), reason),
		Severity: severity,
		Scope:    scope,
		Extra: map[string]interface{}{
			"stop_id": stopID,
			"type":    stopType,
		},
	})
}

// SendResolution sends a stop resolved/cancelled notification
func (m *Manager) SendResolution(stopID, status, by, reason string) error {
	return m.Send(&Notification{
		Type:    NotifyResolution,
		Title:   fmt.Sprintf("Emergency stop %s", strings.ToLower(status)),
		Message: fmt.Sprintf("Stop %s %s by %s\nReason: %s", stopID, strings.ToLower(status), by, reason),
		Extra: map[string]interface{}{
			"stop_id": stopID,
			"status":  status,
		},
	})
}

// SendError reports an operational failure of the core itself
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
	})
}
