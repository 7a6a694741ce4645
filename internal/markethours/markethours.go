// Package markethours implements the US equity options trading window:
// Monday to Friday, 09:30 to 16:00 America/New_York. Exchange holidays are
// not modelled.
package markethours

import (
	"time"
)

const (
	openMinute  = 9*60 + 30
	closeMinute = 16 * 60
)

// Location is the exchange's local time zone. It falls back to a fixed
// UTC-5 offset when the tz database is unavailable.
var Location = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// IsOpen reports whether t falls inside regular trading hours.
// The open is inclusive and the close exclusive.
func IsOpen(t time.Time) bool {
	local := t.In(Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= openMinute && minute < closeMinute
}

// Today returns the exchange-local calendar date of t as YYYY-MM-DD.
func Today(t time.Time) string {
	return t.In(Location).Format("2006-01-02")
}
