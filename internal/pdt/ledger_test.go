package pdt

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhill/daytrader/internal/models"
)

// fakeSessions is a weekday-only session clock with a movable now.
type fakeSessions struct {
	now time.Time
}

func newFakeSessions() *fakeSessions {
	// Monday 2025-06-02, mid regular session.
	return &fakeSessions{now: time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)}
}

func (f *fakeSessions) Now() time.Time { return f.now }

func (f *fakeSessions) SessionDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (f *fakeSessions) PreviousTradingDay(t time.Time) time.Time {
	d := f.SessionDate(t).AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func (f *fakeSessions) advanceSessions(n int) {
	for i := 0; i < n; i++ {
		f.now = f.now.AddDate(0, 0, 1)
		for f.now.Weekday() == time.Saturday || f.now.Weekday() == time.Sunday {
			f.now = f.now.AddDate(0, 0, 1)
		}
	}
}

func newTestLedger() (*Ledger, *fakeSessions) {
	clock := newFakeSessions()
	return NewLedger(clock, zerolog.Nop()), clock
}

func TestLedger_DayTradeCounting(t *testing.T) {
	l, _ := newTestLedger()

	l.RecordOpen("NVDA", models.SideBuy)
	assert.True(t, l.WouldBeDayTrade("NVDA", models.SideSell))
	assert.False(t, l.WouldBeDayTrade("NVDA", models.SideBuy), "adding to the position is not a day trade")
	assert.False(t, l.WouldBeDayTrade("AAPL", models.SideSell))

	l.RecordClose("NVDA")
	assert.Equal(t, 1, l.DayTradeCount())
	assert.False(t, l.WouldBeDayTrade("NVDA", models.SideSell), "open record consumed by the close")

	// Closing a position not opened today is not a day trade.
	l.RecordClose("AAPL")
	assert.Equal(t, 1, l.DayTradeCount())
}

func TestLedger_GateBlocksFourthDayTrade(t *testing.T) {
	l, clock := newTestLedger()

	// Three day trades across three sessions.
	for i := 0; i < 3; i++ {
		sym := []string{"AAA", "BBB", "CCC"}[i]
		l.RecordOpen(sym, models.SideBuy)
		l.RecordClose(sym)
		clock.advanceSessions(1)
	}
	require.Equal(t, 3, l.DayTradeCount())

	// A same-session close under $25k must now be rejected.
	l.RecordOpen("NVDA", models.SideBuy)
	err := l.CheckOrder(10_000, "NVDA", models.SideSell)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWouldViolate)

	// Same order is fine at or above the equity threshold.
	assert.NoError(t, l.CheckOrder(25_000, "NVDA", models.SideSell))

	// Selling a symbol not opened today does not trip the gate.
	assert.NoError(t, l.CheckOrder(10_000, "AAPL", models.SideSell))

	// Opening a new position never trips the gate.
	assert.NoError(t, l.CheckOrder(10_000, "MSFT", models.SideBuy))
}

func TestLedger_WindowRollsOff(t *testing.T) {
	l, clock := newTestLedger()

	l.RecordOpen("NVDA", models.SideBuy)
	l.RecordClose("NVDA")
	require.Equal(t, 1, l.DayTradeCount())

	// Still inside the five-session window.
	clock.advanceSessions(4)
	assert.Equal(t, 1, l.DayTradeCount())

	// Sixth session: the trade leaves the window.
	clock.advanceSessions(1)
	assert.Equal(t, 0, l.DayTradeCount())
}

func TestLedger_RolloverClearsOpensAndBlocks(t *testing.T) {
	l, clock := newTestLedger()

	l.RecordOpen("NVDA", models.SideBuy)
	l.Block("TSLA")
	require.True(t, l.IsBlocked("TSLA"))
	require.True(t, l.WouldBeDayTrade("NVDA", models.SideSell))

	clock.advanceSessions(1)
	assert.False(t, l.IsBlocked("TSLA"))
	assert.False(t, l.WouldBeDayTrade("NVDA", models.SideSell))
}

func TestLedger_BlockedSymbolRejected(t *testing.T) {
	l, _ := newTestLedger()
	l.Block("NVDA")

	err := l.CheckOrder(100_000, "NVDA", models.SideBuy)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWouldViolate)
}

func TestLedger_SnapshotRestore(t *testing.T) {
	l, clock := newTestLedger()

	l.RecordOpen("NVDA", models.SideBuy)
	l.RecordOpen("AAPL", models.SideBuy)
	l.RecordClose("AAPL")
	l.Block("TSLA")

	snap := l.Snapshot()
	require.Len(t, snap.Opens, 1)
	require.Len(t, snap.Trades, 1)
	require.Equal(t, []string{"TSLA"}, snap.Blocked)

	// Same session: full state survives.
	restored := Restore(clock, zerolog.Nop(), &snap)
	assert.Equal(t, 1, restored.DayTradeCount())
	assert.True(t, restored.WouldBeDayTrade("NVDA", models.SideSell))
	assert.True(t, restored.IsBlocked("TSLA"))

	// Next session: opens and blocks clear, windowed trades remain.
	clock.advanceSessions(1)
	restored = Restore(clock, zerolog.Nop(), &snap)
	assert.Equal(t, 1, restored.DayTradeCount())
	assert.False(t, restored.WouldBeDayTrade("NVDA", models.SideSell))
	assert.False(t, restored.IsBlocked("TSLA"))
}
