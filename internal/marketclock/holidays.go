package marketclock

import "time"

// goodFridays lists Good Friday dates (month, day) by year. Easter has
// no simple closed-form rule worth carrying here.
var goodFridays = map[int][2]int{
	2024: {3, 29},
	2025: {4, 18},
	2026: {4, 3},
	2027: {3, 26},
	2028: {4, 14},
	2029: {3, 30},
	2030: {4, 19},
}

// isExchangeHoliday reports whether the given Eastern-time date is a
// full U.S. equities market holiday. Early-close days count as open.
func isExchangeHoliday(et time.Time) bool {
	y, m, d := et.Date()

	// Fixed-date holidays observe the nearest weekday: Saturday moves to
	// Friday, Sunday to Monday.
	for _, h := range [][2]int{{1, 1}, {6, 19}, {7, 4}, {12, 25}} {
		if observedMatch(y, time.Month(h[0]), h[1], m, d) {
			return true
		}
	}

	if gf, ok := goodFridays[y]; ok && int(m) == gf[0] && d == gf[1] {
		return true
	}

	switch {
	case m == time.January && isNthWeekday(et, time.Monday, 3): // MLK Day
		return true
	case m == time.February && isNthWeekday(et, time.Monday, 3): // Presidents Day
		return true
	case m == time.May && isLastWeekday(et, time.Monday): // Memorial Day
		return true
	case m == time.September && isNthWeekday(et, time.Monday, 1): // Labor Day
		return true
	case m == time.November && isNthWeekday(et, time.Thursday, 4): // Thanksgiving
		return true
	}
	return false
}

// observedMatch reports whether (m, d) is the observed date for the
// fixed holiday (hm, hd) in year y.
func observedMatch(y int, hm time.Month, hd int, m time.Month, d int) bool {
	actual := time.Date(y, hm, hd, 0, 0, 0, 0, time.UTC)
	observed := actual
	switch actual.Weekday() {
	case time.Saturday:
		observed = actual.AddDate(0, 0, -1)
	case time.Sunday:
		observed = actual.AddDate(0, 0, 1)
	}
	return observed.Month() == m && observed.Day() == d
}

func isNthWeekday(t time.Time, wd time.Weekday, n int) bool {
	return t.Weekday() == wd && (t.Day()-1)/7 == n-1
}

func isLastWeekday(t time.Time, wd time.Weekday) bool {
	return t.Weekday() == wd && t.AddDate(0, 0, 7).Month() != t.Month()
}
