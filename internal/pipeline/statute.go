package pipeline

import "time"

// DefaultStatuteYears is the limitation period applied to accident dates.
const DefaultStatuteYears = 8

// StatuteDate returns accident plus years as a UTC calendar day. A Feb 29
// accident lands on Feb 28 when the target year is not a leap year.
func StatuteDate(accident time.Time, years int) time.Time {
	y, m, d := accident.Date()
	y += years
	if last := daysIn(y, m); d > last {
		d = last
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
