package session

import (
	"time"
	_ "time/tzdata" // US/Eastern must resolve on hosts without zoneinfo
)

// Session is the market-hours phase, used to adjust liquidity assumptions.
type Session string

const (
	Premarket  Session = "PREMARKET"
	Regular    Session = "REGULAR"
	AfterHours Session = "AFTERHOURS"
	Closed     Session = "CLOSED"
)

var eastern = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// Of classifies t by the US equity session clock (04:00 premarket,
// 09:30 regular, 16:00 after hours, 20:00 closed; weekends closed).
// Exchange holidays are not modeled.
func Of(t time.Time) Session {
	et := t.In(eastern)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return Closed
	}
	mins := et.Hour()*60 + et.Minute()
	switch {
	case mins < 4*60:
		return Closed
	case mins < 9*60+30:
		return Premarket
	case mins < 16*60:
		return Regular
	case mins < 20*60:
		return AfterHours
	default:
		return Closed
	}
}

// Extended reports whether s is a thin-liquidity extended session.
func (s Session) Extended() bool { return s == Premarket || s == AfterHours }

// Warning is the operator-facing caveat for s, empty during regular hours.
func (s Session) Warning() string {
	switch s {
	case Premarket:
		return "Premarket - Lower liquidity"
	case AfterHours:
		return "After hours - Limited depth"
	case Closed:
		return "Market closed"
	}
	return ""
}
