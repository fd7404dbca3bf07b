// Package pdt tracks pattern-day-trading exposure for sub-$25k accounts:
// a rolling five-session day-trade counter, same-session open tracking,
// and a per-session block list for symbols the broker rejected.
package pdt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/models"
)

// EquityThreshold is the PDT minimum-equity line. At or above it the
// day-trade limit does not apply.
const EquityThreshold = 25_000.0

// maxDayTrades is the number of day trades allowed in the rolling
// window before the next one becomes a violation.
const maxDayTrades = 3

// windowSessions is the rolling window length in trading sessions.
const windowSessions = 5

// ErrWouldViolate is wrapped by CheckOrder when the contemplated order
// would create a fourth day trade under the equity threshold.
var ErrWouldViolate = errors.New("order would violate the pattern day trading rule")

// SessionClock is the slice of the market clock the ledger needs.
type SessionClock interface {
	Now() time.Time
	SessionDate(t time.Time) time.Time
	PreviousTradingDay(t time.Time) time.Time
}

// DayTrade is one open-and-close of the same symbol within a session.
type DayTrade struct {
	Symbol      string    `json:"symbol"`
	SessionDate time.Time `json:"session_date"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// OpenEntry records a position opened during the current session.
type OpenEntry struct {
	Side     models.Side `json:"side"`
	OpenedAt time.Time   `json:"opened_at"`
}

// Snapshot is the persistable state of the ledger.
type Snapshot struct {
	SessionDate time.Time            `json:"session_date"`
	Trades      []DayTrade           `json:"trades"`
	Opens       map[string]OpenEntry `json:"opens"`
	Blocked     []string             `json:"blocked"`
}

// Ledger is the PDT compliance ledger. All methods are safe for
// concurrent use and lazily roll the session over on access.
type Ledger struct {
	mu      sync.Mutex
	clock   SessionClock
	logger  zerolog.Logger
	session time.Time
	trades  []DayTrade
	opens   map[string]OpenEntry
	blocked map[string]bool
}

// NewLedger creates an empty ledger for the current session.
func NewLedger(clock SessionClock, logger zerolog.Logger) *Ledger {
	return &Ledger{
		clock:   clock,
		logger:  logger.With().Str("component", "pdt").Logger(),
		session: clock.SessionDate(clock.Now()),
		opens:   make(map[string]OpenEntry),
		blocked: make(map[string]bool),
	}
}

// Restore rebuilds a ledger from a persisted snapshot. Stale state is
// rolled forward immediately, so restoring yesterday's snapshot on a
// new session clears opens and blocks but keeps windowed day trades.
func Restore(clock SessionClock, logger zerolog.Logger, snap *Snapshot) *Ledger {
	l := NewLedger(clock, logger)
	if snap == nil {
		return l
	}
	l.session = clock.SessionDate(snap.SessionDate)
	l.trades = append(l.trades, snap.Trades...)
	for sym, entry := range snap.Opens {
		l.opens[sym] = entry
	}
	for _, sym := range snap.Blocked {
		l.blocked[sym] = true
	}
	l.mu.Lock()
	l.rollover()
	l.mu.Unlock()
	return l
}

// rollover advances the ledger to the current session, clearing
// same-session state and pruning day trades that fell out of the
// rolling window. Callers hold l.mu.
func (l *Ledger) rollover() {
	today := l.clock.SessionDate(l.clock.Now())
	if today.Equal(l.session) {
		return
	}
	l.logger.Info().
		Time("previous_session", l.session).
		Time("session", today).
		Int("cleared_opens", len(l.opens)).
		Int("cleared_blocks", len(l.blocked)).
		Msg("ledger rolled to new session")
	l.session = today
	l.opens = make(map[string]OpenEntry)
	l.blocked = make(map[string]bool)
	l.prune()
}

// prune drops day trades outside the rolling window. Callers hold l.mu.
func (l *Ledger) prune() {
	cutoff := l.windowStart()
	kept := l.trades[:0]
	for _, dt := range l.trades {
		if !dt.SessionDate.Before(cutoff) {
			kept = append(kept, dt)
		}
	}
	l.trades = kept
}

// windowStart returns the first session date inside the rolling window.
func (l *Ledger) windowStart() time.Time {
	start := l.session
	for i := 0; i < windowSessions-1; i++ {
		start = l.clock.PreviousTradingDay(start)
	}
	return start
}

// RecordOpen notes that a position in symbol was opened this session.
func (l *Ledger) RecordOpen(symbol string, side models.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.opens[symbol] = OpenEntry{Side: side, OpenedAt: l.clock.Now()}
	l.logger.Debug().Str("symbol", symbol).Str("side", string(side)).Msg("same-session open recorded")
}

// RecordClose notes that the position in symbol was reduced or closed.
// If it was opened this session, that is a day trade.
func (l *Ledger) RecordClose(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if _, ok := l.opens[symbol]; !ok {
		return
	}
	delete(l.opens, symbol)
	l.trades = append(l.trades, DayTrade{
		Symbol:      symbol,
		SessionDate: l.session,
		RecordedAt:  l.clock.Now(),
	})
	l.logger.Info().
		Str("symbol", symbol).
		Int("day_trades_in_window", l.countLocked()).
		Msg("day trade recorded")
}

// WouldBeDayTrade reports whether an order on the given side would
// close a position opened this session.
func (l *Ledger) WouldBeDayTrade(symbol string, side models.Side) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	entry, ok := l.opens[symbol]
	return ok && side == entry.Side.Opposite()
}

// DayTradeCount returns the number of day trades in the rolling window.
func (l *Ledger) DayTradeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.countLocked()
}

func (l *Ledger) countLocked() int {
	cutoff := l.windowStart()
	n := 0
	for _, dt := range l.trades {
		if !dt.SessionDate.Before(cutoff) {
			n++
		}
	}
	return n
}

// Block marks a symbol as rejected by the broker's PDT protection for
// the rest of the session.
func (l *Ledger) Block(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.blocked[symbol] = true
	l.logger.Warn().Str("symbol", symbol).Msg("symbol blocked for the session after broker PDT rejection")
}

// IsBlocked reports whether the symbol is blocked this session.
func (l *Ledger) IsBlocked(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.blocked[symbol]
}

// CheckOrder applies the PDT gate to a contemplated order. It fails
// only when all three hold: equity is under the threshold, the window
// already has the maximum day trades, and the order would close a
// same-session open.
func (l *Ledger) CheckOrder(equity float64, symbol string, side models.Side) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if l.blocked[symbol] {
		return fmt.Errorf("%s is blocked for the session: %w", symbol, ErrWouldViolate)
	}
	if equity >= EquityThreshold {
		return nil
	}
	entry, opened := l.opens[symbol]
	closesSameSession := opened && side == entry.Side.Opposite()
	if !closesSameSession {
		return nil
	}
	if l.countLocked() >= maxDayTrades {
		return fmt.Errorf("%s %s would be day trade %d with equity %.2f below %.0f: %w",
			symbol, side, l.countLocked()+1, equity, EquityThreshold, ErrWouldViolate)
	}
	return nil
}

// Snapshot returns a copy of the ledger state for persistence.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	snap := Snapshot{
		SessionDate: l.session,
		Trades:      append([]DayTrade(nil), l.trades...),
		Opens:       make(map[string]OpenEntry, len(l.opens)),
	}
	for sym, entry := range l.opens {
		snap.Opens[sym] = entry
	}
	for sym := range l.blocked {
		snap.Blocked = append(snap.Blocked, sym)
	}
	return snap
}
