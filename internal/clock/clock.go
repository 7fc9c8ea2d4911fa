// Package clock provides the injectable time source and market-calendar helpers.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source every time-dependent component receives.
type Clock = clockwork.Clock

// Fake is a manually advanced clock for tests.
type Fake = clockwork.FakeClock

// New returns the wall clock.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a fake clock positioned at t.
func NewFake(t time.Time) Fake {
	return clockwork.NewFakeClockAt(t)
}

// IST is the NSE market timezone. Falls back to a fixed +05:30 zone when the
// tz database is unavailable.
var IST = loadIST()

func loadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// LoadLocation resolves a configured timezone name, defaulting to IST.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Asia/Kolkata" {
		return IST, nil
	}
	return time.LoadLocation(name)
}

// SessionDate returns local midnight of the trading day containing t.
func SessionDate(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Session describes intraday trading hours as offsets from local midnight.
type Session struct {
	Open      time.Duration
	LastEntry time.Duration
	SquareOff time.Duration
	Close     time.Duration
	Location  *time.Location
}

// NSESession returns the NSE equity intraday session.
func NSESession() Session {
	return Session{
		Open:      9*time.Hour + 15*time.Minute,
		LastEntry: 15 * time.Hour,
		SquareOff: 15*time.Hour + 10*time.Minute,
		Close:     15*time.Hour + 30*time.Minute,
		Location:  IST,
	}
}

func (s Session) offset(t time.Time) time.Duration {
	return t.Sub(SessionDate(t, s.Location))
}

// IsOpen reports whether t falls inside market hours on a weekday.
func (s Session) IsOpen(t time.Time) bool {
	wd := t.In(s.Location).Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	off := s.offset(t)
	return off >= s.Open && off < s.Close
}

// AcceptsEntries reports whether new positions may be opened at t.
func (s Session) AcceptsEntries(t time.Time) bool {
	return s.IsOpen(t) && s.offset(t) < s.LastEntry
}

// PastSquareOff reports whether intraday positions must be closed at t.
func (s Session) PastSquareOff(t time.Time) bool {
	return s.offset(t) >= s.SquareOff
}
