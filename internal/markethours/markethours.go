// Package markethours answers NSE session questions: is the market open now,
// and when does it next open.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Calendar is an NSE session calendar. The zero value has no holidays.
type Calendar struct {
	holidays map[string]bool
}

// Default is the calendar with the built-in NSE holiday list.
var Default = NewCalendar()

// NewCalendar returns a calendar with the built-in holidays plus extra dates
// in YYYY-MM-DD form. Malformed extra dates are ignored.
func NewCalendar(extra ...string) *Calendar {
	c := &Calendar{holidays: defaultHolidays()}
	for _, d := range extra {
		if t, err := time.ParseInLocation("2006-01-02", d, IST); err == nil {
			c.holidays[dateKey(t.Year(), t.Month(), t.Day())] = true
		}
	}
	return c
}

// IsHoliday returns true if the date (in IST) is an NSE holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	ist := t.In(IST)
	return c.holidays[dateKey(ist.Year(), ist.Month(), ist.Day())]
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday && !c.IsHoliday(t)
}

// IsOpen returns true if t falls within NSE trading hours
// (9:15 AM to 3:30 PM IST on trading days).
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextOpen returns the next market open time. If t is before today's open
// on a trading day, returns today's open.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && c.IsTradingDay(ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // weekends plus holiday runs
		if c.IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	next := c.NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

// IsMarketOpen reports whether t is within a session of the default calendar.
func IsMarketOpen(t time.Time) bool { return Default.IsOpen(t) }

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
