package marketdata

import (
	"sync"
	"time"
)

// NYSE regular session bounds, minutes from ET midnight. Both ends are
// inclusive: the 16:00 closing print belongs to the regular session.
const (
	rthOpenMinutes  = 9*60 + 30
	rthCloseMinutes = 16 * 60
)

var (
	etOnce sync.Once
	etLoc  *time.Location
)

// ETLocation returns the America/New_York location, falling back to a
// fixed UTC-5 zone on minimal containers without tzdata.
func ETLocation() *time.Location {
	etOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("ET", -5*60*60)
		}
		etLoc = loc
	})
	return etLoc
}

// ETDay formats the ET trading day of a UTC instant as YYYY-MM-DD.
func ETDay(ts time.Time) string {
	return ts.In(ETLocation()).Format("2006-01-02")
}

// IsWeekdayET reports whether the instant falls on an ET weekday.
func IsWeekdayET(ts time.Time) bool {
	wd := ts.In(ETLocation()).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsRegularHours reports whether a minute-bar timestamp lies inside the
// NYSE regular session: ET weekday with local time in [09:30, 16:00].
// Holidays are not modeled here; the session clock only ever surfaces
// timestamps that exist in storage, which makes holiday handling moot.
func IsRegularHours(ts time.Time) bool {
	local := ts.In(ETLocation())
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= rthOpenMinutes && minutes <= rthCloseMinutes
}

// ETMidnightUTC returns the UTC instant of ET midnight for the ET day
// containing ts. Daily bar writers persist this instant as the bar date.
func ETMidnightUTC(ts time.Time) time.Time {
	local := ts.In(ETLocation())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, ETLocation())
	return midnight.UTC()
}

// SameETDay reports whether two instants fall on the same ET calendar day.
func SameETDay(a, b time.Time) bool {
	al := a.In(ETLocation())
	bl := b.In(ETLocation())
	return al.Year() == bl.Year() && al.YearDay() == bl.YearDay()
}

// StaleBar implements the engine staleness rule: a bar is stale iff its
// ET day precedes the as-of ET day, or the bar is older than one full
// interval plus a one-second grace.
func StaleBar(lastTS, asOf time.Time, tfMin int) bool {
	lastDay := lastTS.In(ETLocation())
	asOfDay := asOf.In(ETLocation())
	if lastDay.Year() < asOfDay.Year() ||
		(lastDay.Year() == asOfDay.Year() && lastDay.YearDay() < asOfDay.YearDay()) {
		return true
	}
	grace := time.Duration(tfMin*60+1) * time.Second
	return asOf.Sub(lastTS) > grace
}
