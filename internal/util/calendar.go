package util

import (
	"time"
)

// Session names a US equity trading session.
type Session string

const (
	SessionPreMarket  Session = "pre_market"
	SessionRegular    Session = "regular"
	SessionPostMarket Session = "post_market"
	SessionClosed     Session = "closed"
)

// Session boundaries in minutes after midnight, America/New_York.
const (
	preMarketStart  = 4 * 60
	regularStart    = 9*60 + 30
	postMarketStart = 16 * 60
	postMarketEnd   = 20 * 60
)

// TradingCalendar classifies timestamps into US market sessions.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar in America/New_York. If the
// zone database is unavailable it falls back to a fixed UTC-5 offset.
func NewTradingCalendar() *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &TradingCalendar{loc: loc}
}

// SessionAt returns the session t falls into. Weekends are always closed;
// exchange holidays are not modelled.
func (tc *TradingCalendar) SessionAt(t time.Time) Session {
	if t.IsZero() {
		return SessionClosed
	}
	et := t.In(tc.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes >= preMarketStart && minutes < regularStart:
		return SessionPreMarket
	case minutes >= regularStart && minutes < postMarketStart:
		return SessionRegular
	case minutes >= postMarketStart && minutes < postMarketEnd:
		return SessionPostMarket
	default:
		return SessionClosed
	}
}

// IsMarketOpen returns whether t falls in the regular session.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.SessionAt(t) == SessionRegular
}
