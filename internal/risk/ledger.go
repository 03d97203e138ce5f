package risk

import (
	"sync"
	"time"
)

// DailyLedger tracks realized P&L for the current UTC day and the running
// streak of losing trades. The emergency conditions read from it.
type DailyLedger struct {
	mu                sync.RWMutex
	accountBalance    float64
	dailyPnL          float64
	dailyPnLReset     time.Time
	consecutiveLosses int
	now               func() time.Time
}

// LedgerSnapshot is a point-in-time view of the ledger
type LedgerSnapshot struct {
	AccountBalance    float64 `json:"account_balance"`
	DailyPnL          float64 `json:"daily_pnl"`
	DailyLossPercent  float64 `json:"daily_loss_percent"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// NewDailyLedger creates a ledger for the given starting balance
func NewDailyLedger(balance float64) *DailyLedger {
	l := &DailyLedger{accountBalance: balance, now: time.Now}
	l.dailyPnLReset = l.today()
	return l
}

func (l *DailyLedger) today() time.Time {
	return l.now().UTC().Truncate(24 * time.Hour)
}

// UpdateAccountBalance updates the balance daily loss is measured against
func (l *DailyLedger) UpdateAccountBalance(balance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accountBalance = balance
}

// RecordClose registers a closed trade's P&L
func (l *DailyLedger) RecordClose(pnl float64) LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checkDailyReset()
	l.dailyPnL += pnl
	if pnl < 0 {
		l.consecutiveLosses++
	} else if pnl > 0 {
		l.consecutiveLosses = 0
	}
	return l.snapshot()
}

// Snapshot returns the current ledger state
func (l *DailyLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkDailyReset()
	return l.snapshot()
}

func (l *DailyLedger) snapshot() LedgerSnapshot {
	s := LedgerSnapshot{
		AccountBalance:    l.accountBalance,
		DailyPnL:          l.dailyPnL,
		ConsecutiveLosses: l.consecutiveLosses,
	}
	if l.accountBalance > 0 && l.dailyPnL < 0 {
		s.DailyLossPercent = -l.dailyPnL / l.accountBalance * 100
	}
	return s
}

// checkDailyReset resets daily P&L if it's a new day
func (l *DailyLedger) checkDailyReset() {
	today := l.today()
	if today.After(l.dailyPnLReset) {
		l.dailyPnL = 0
		l.dailyPnLReset = today
	}
}
