package quota

import (
	"time"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

// DayStart is midnight of t's calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// MonthStart is midnight of the first day of t's calendar month in loc.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

func WindowStart(scope models.QuotaScope, t time.Time, loc *time.Location) time.Time {
	if scope == models.ScopeMonthly {
		return MonthStart(t, loc)
	}
	return DayStart(t, loc)
}

// ApplyReset zeroes each counter whose marker is behind the current window
// and advances the marker. Both the request path and the scheduled sweep use
// this rule, so whichever runs first wins and the other sees a current marker.
func ApplyReset(p *models.QuotaProfile, now time.Time, loc *time.Location) (daily, monthly bool) {
	if day := DayStart(now, loc); p.LastResetDaily.Before(day) {
		p.CurrentDaily = 0
		p.LastResetDaily = day
		daily = true
	}
	if month := MonthStart(now, loc); p.LastResetMonthly.Before(month) {
		p.CurrentMonthly = 0
		p.LastResetMonthly = month
		monthly = true
	}
	return daily, monthly
}
