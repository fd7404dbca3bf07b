// Package marketclock provides the Eastern-time trading session clock.
// All session decisions in the engine go through this package; nothing
// else compares wall clocks directly.
package marketclock

import (
	"context"
	"time"
)

// Session identifies a trading session window.
type Session string

const (
	SessionPreMarket  Session = "pre_market"  // 04:00–09:30 ET
	SessionRegular    Session = "regular"     // 09:30–16:00 ET
	SessionAfterHours Session = "after_hours" // 16:00–20:00 ET
	SessionClosed     Session = "closed"
)

// Clock resolves wall-clock time to trading sessions in Eastern time,
// accounting for weekends and U.S. exchange holidays.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// New creates a Clock in America/New_York. When the tz database is
// unavailable it falls back to a fixed EST offset, which is wrong half
// the year but keeps the engine from silently trading on UTC.
func New() *Clock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &Clock{loc: loc, now: time.Now}
}

// NewWithNow creates a Clock with an injected time source for tests.
func NewWithNow(now func() time.Time) *Clock {
	c := New()
	c.now = now
	return c
}

// Now returns the current time in Eastern time.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// CurrentSession returns the session for the current instant.
func (c *Clock) CurrentSession() Session {
	return c.SessionAt(c.now())
}

// SessionAt returns the session covering t.
func (c *Clock) SessionAt(t time.Time) Session {
	et := t.In(c.loc)
	if !c.IsTradingDay(et) {
		return SessionClosed
	}
	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes >= 4*60 && minutes < 9*60+30:
		return SessionPreMarket
	case minutes >= 9*60+30 && minutes < 16*60:
		return SessionRegular
	case minutes >= 16*60 && minutes < 20*60:
		return SessionAfterHours
	default:
		return SessionClosed
	}
}

// IsTradingDay reports whether t falls on a regular exchange trading
// day (not a weekend or U.S. exchange holiday).
func (c *Clock) IsTradingDay(t time.Time) bool {
	et := t.In(c.loc)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isExchangeHoliday(et)
}

// SessionDate returns the trading-session date (midnight ET) for t.
// Two instants share a session date iff they belong to the same
// calendar day in Eastern time.
func (c *Clock) SessionDate(t time.Time) time.Time {
	et := t.In(c.loc)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, c.loc)
}

// NextOpen returns the next regular-session open strictly after t.
func (c *Clock) NextOpen(t time.Time) time.Time {
	et := t.In(c.loc)
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, c.loc)
	if !et.Before(open) || !c.IsTradingDay(et) {
		open = open.AddDate(0, 0, 1)
	}
	for !c.IsTradingDay(open) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// WaitUntilNextOpen blocks until the next regular-session open, or
// returns immediately when the regular session is already in progress.
// Honors ctx cancellation.
func (c *Clock) WaitUntilNextOpen(ctx context.Context) error {
	if c.CurrentSession() == SessionRegular {
		return nil
	}
	wait := c.NextOpen(c.now()).Sub(c.now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PreviousTradingDay returns the last trading day strictly before t.
func (c *Clock) PreviousTradingDay(t time.Time) time.Time {
	d := c.SessionDate(t).AddDate(0, 0, -1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
