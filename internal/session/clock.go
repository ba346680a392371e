// Package session classifies wall-clock instants into exchange session phases.
package session

import (
	"fmt"
	"time"

	_ "time/tzdata" // Exchange location must resolve on hosts without zoneinfo

	"market_session/internal/domain"
)

const dayLayout = "2006-01-02"

// Config describes one exchange's trading calendar.
type Config struct {
	Location    *time.Location
	Open        TimeOfDay
	Close       TimeOfDay
	PreOpenLead time.Duration
	EODDelay    time.Duration
	EODDuration time.Duration
	Holidays    []string // YYYY-MM-DD in exchange-local time
	ForceOpen   bool
}

// TimeOfDay is a wall-clock hour and minute in the exchange location.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// DefaultConfig returns NSE hours: 09:15 to 15:30 IST, two minutes of pre-open and a
// five minute EOD window starting one minute after close.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return Config{
		Location:    loc,
		Open:        TimeOfDay{Hour: 9, Minute: 15},
		Close:       TimeOfDay{Hour: 15, Minute: 30},
		PreOpenLead: 2 * time.Minute,
		EODDelay:    time.Minute,
		EODDuration: 5 * time.Minute,
	}
}

// Clock is a pure classifier; it never reads the system time itself.
type Clock struct {
	loc         *time.Location
	open        TimeOfDay
	close       TimeOfDay
	preOpenLead time.Duration
	eodDelay    time.Duration
	eodDuration time.Duration
	holidays    map[string]struct{}
	forceOpen   bool
}

// NewClock builds a Clock. A nil location falls back to UTC.
func NewClock(cfg Config) *Clock {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, d := range cfg.Holidays {
		holidays[d] = struct{}{}
	}
	return &Clock{
		loc:         loc,
		open:        cfg.Open,
		close:       cfg.Close,
		preOpenLead: cfg.PreOpenLead,
		eodDelay:    cfg.EODDelay,
		eodDuration: cfg.EODDuration,
		holidays:    holidays,
		forceOpen:   cfg.ForceOpen,
	}
}

// Classify returns the session phase at now.
//
//	PRE_OPEN   [open-lead, open)
//	OPEN       [open, close]
//	EOD_WINDOW [close+delay, close+delay+duration)
//	CLOSED     everything else, and all of weekends and holidays
func (c *Clock) Classify(now time.Time) domain.SessionState {
	state := domain.SessionState{Phase: domain.PhaseClosed, At: now}
	if c.forceOpen {
		state.Phase = domain.PhaseOpen
		return state
	}

	local := now.In(c.loc)
	if !c.IsTradingDay(local) {
		return state
	}

	open := c.at(local, c.open)
	closeAt := c.at(local, c.close)
	preOpen := open.Add(-c.preOpenLead)
	eodStart := closeAt.Add(c.eodDelay)
	eodEnd := eodStart.Add(c.eodDuration)

	switch {
	case !local.Before(preOpen) && local.Before(open):
		state.Phase = domain.PhasePreOpen
	case !local.Before(open) && !local.After(closeAt):
		state.Phase = domain.PhaseOpen
	case !local.Before(eodStart) && local.Before(eodEnd):
		state.Phase = domain.PhaseEODWindow
	}
	return state
}

// maxOpenScan bounds the search for the next session; a calendar with no trading day in a
// year is a configuration error.
const maxOpenScan = 370

// NextOpen returns the first session open at or after now, skipping weekends and holidays.
// Under ForceOpen it is now itself. The zero time means no trading day was found.
func (c *Clock) NextOpen(now time.Time) time.Time {
	if c.forceOpen {
		return now
	}
	local := now.In(c.loc)
	for i := 0; i < maxOpenScan; i++ {
		day := local.AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		if open := c.at(day, c.open); !open.Before(local) {
			return open
		}
	}
	return time.Time{}
}

// StatusMessage describes the session at now for display.
func (c *Clock) StatusMessage(now time.Time) string {
	if c.forceOpen {
		return "Market open (forced)"
	}
	local := now.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return "Market closed (Weekend)"
	}
	if !c.IsTradingDay(local) {
		return "Market closed (Holiday)"
	}

	switch c.Classify(now).Phase {
	case domain.PhasePreOpen:
		return "Market opening soon"
	case domain.PhaseOpen:
		return "Market open"
	case domain.PhaseEODWindow:
		return "EOD update in progress"
	}
	if local.Before(c.at(local, c.open)) {
		return "Market not yet open"
	}
	return "Market closed for the day"
}

// IsTradingDay reports whether the local date of t is a weekday outside the holiday list.
func (c *Clock) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[local.Format(dayLayout)]
	return !holiday
}

// Today returns the exchange-local date of t as YYYY-MM-DD.
func (c *Clock) Today(t time.Time) string {
	return t.In(c.loc).Format(dayLayout)
}

// Location returns the exchange time zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

func (c *Clock) at(day time.Time, tod TimeOfDay) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, c.loc)
}
