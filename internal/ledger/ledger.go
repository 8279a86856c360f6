// Package ledger holds the per-user accounting grid and derives how much time
// is left from limits and spent counters. It performs no I/O.
package ledger

import (
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/state"
)

const (
	secondsPerHour = 3600
	secondsPerDay  = 24 * secondsPerHour

	// an elapsed interval longer than this many polls means the machine slept
	anomalyPolls = 15
)

// Hour is one cell of the weekly grid.
type Hour struct {
	Active      bool
	Start       int // first allowed minute
	End         int // end minute, exclusive, up to 60
	Unaccounted bool
	Spent       int64
	Inactive    int64
}

// Day is one weekday column of the grid.
type Day struct {
	Hours   [24]Hour
	Limit   int64
	Balance int64 // budget-relevant usage, valid for the current date only
	Left    int64
}

// Ledger is the in-memory accounting state of one user.
type Ledger struct {
	Days       [7]Day
	WeekLimit  int64
	MonthLimit int64

	SpentDay   int64
	SpentWeek  int64
	SpentMonth int64

	// TodayLeft may exceed the day limit after an administrative grant.
	TodayLeft int64
	// ContinuousLeft runs past midnight into tomorrow's windows and includes
	// free windows, so it may exceed TodayLeft.
	ContinuousLeft int64
	WeekLeft       int64
	MonthLeft      int64

	// totals since the user was first seen by this daemon
	SessionSpent    int64
	SessionInactive int64

	// Date is the calendar day the day/week/month counters belong to.
	Date        time.Time
	LastChecked time.Time

	poll time.Duration
}

// Rollover describes the calendar boundaries crossed by ApplyElapsed.
type Rollover struct {
	DayChanged   bool
	WeekChanged  bool
	MonthChanged bool
	// Anomaly is set when the elapsed time was discarded (suspend, clock jump).
	Anomaly bool

	PrevDate     time.Time
	PrevSpent    int64
	PrevInactive int64
}

// New returns an empty ledger for the given polling interval.
func New(poll time.Duration) *Ledger {
	return &Ledger{poll: poll}
}

// Weekday maps t to a grid index, Monday = 0.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// RebuildFromConfig applies the rule part of a policy to the grid. Spent and
// inactive counters are left untouched.
func (l *Ledger) RebuildFromConfig(cfg config.Snapshot) {
	for d := range l.Days {
		day := &l.Days[d]
		day.Limit = cfg.DailyLimit[d]
		for h := range day.Hours {
			w := cfg.Hours[d][h]
			hr := &day.Hours[h]
			hr.Active = cfg.AllowedDays[d] && w.Allowed && w.End > w.Start
			if hr.Active {
				hr.Start, hr.End, hr.Unaccounted = w.Start, w.End, w.Unaccounted
			} else {
				hr.Start, hr.End, hr.Unaccounted = 0, 0, false
			}
		}
	}
	l.WeekLimit = cfg.WeeklyLimit
	l.MonthLimit = cfg.MonthlyLimit
}

// LoadControl replaces the spent counters with a persisted snapshot. A zero
// LastChecked starts accounting at now.
func (l *Ledger) LoadControl(c state.Control, now time.Time) {
	checked := c.LastChecked
	if checked.IsZero() {
		checked = now
	}
	checked = checked.In(now.Location())
	l.LastChecked = checked
	l.Date = dateOf(checked)
	l.Days[Weekday(checked)].Balance = c.SpentBalance
	l.SpentDay = c.SpentDay
	l.SpentWeek = c.SpentWeek
	l.SpentMonth = c.SpentMonth
}

// Control returns the durable counterpart of the ledger.
func (l *Ledger) Control() state.Control {
	return state.Control{
		SpentBalance: l.Days[Weekday(l.Date)].Balance,
		SpentDay:     l.SpentDay,
		SpentWeek:    l.SpentWeek,
		SpentMonth:   l.SpentMonth,
		LastChecked:  l.LastChecked,
	}
}

// Balance returns today's budget-relevant usage.
func (l *Ledger) Balance() int64 {
	return l.Days[Weekday(l.Date)].Balance
}

// DayInactive sums the inactive counters of the ledger's current day.
func (l *Ledger) DayInactive() int64 {
	var total int64
	for _, hr := range l.Days[Weekday(l.Date)].Hours {
		total += hr.Inactive
	}
	return total
}

// ApplyElapsed accounts the wall-clock time between LastChecked and now. The
// interval is split at hour boundaries so every piece lands in its own hour.
func (l *Ledger) ApplyElapsed(now time.Time, active bool) Rollover {
	var ro Rollover
	last, cur := l.LastChecked.Unix(), now.Unix()
	loc := now.Location()

	if cur < last || time.Duration(cur-last)*time.Second > anomalyPolls*l.poll {
		ro.Anomaly = true
		l.advanceCalendar(now, &ro)
		l.LastChecked = now
		return ro
	}

	for c := last; c < cur; {
		t := time.Unix(c, 0).In(loc)
		next := time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc).Unix()
		if next > cur || next <= c {
			next = cur
		}
		l.advanceCalendar(t, &ro)
		l.attribute(t, next-c, active)
		c = next
	}
	l.LastChecked = now
	return ro
}

// Resume moves the ledger to now without accounting the gap, rolling the
// counters over any day, week or month boundary in between.
func (l *Ledger) Resume(now time.Time) Rollover {
	var ro Rollover
	if now.After(l.LastChecked) {
		l.advanceCalendar(now, &ro)
	}
	l.LastChecked = now
	return ro
}

func (l *Ledger) advanceCalendar(t time.Time, ro *Rollover) {
	d := dateOf(t)
	if d.Equal(l.Date) {
		return
	}
	if !ro.DayChanged {
		ro.PrevDate = l.Date
		ro.PrevSpent = l.SpentDay
		ro.PrevInactive = l.DayInactive()
	}
	ro.DayChanged = true

	day := &l.Days[Weekday(d)]
	for h := range day.Hours {
		day.Hours[h].Spent = 0
		day.Hours[h].Inactive = 0
	}
	day.Balance = 0
	l.SpentDay = 0

	if !sameWeek(d, l.Date) {
		ro.WeekChanged = true
		l.SpentWeek = 0
	}
	if !sameMonth(d, l.Date) {
		ro.MonthChanged = true
		l.SpentMonth = 0
	}
	l.Date = d
}

func (l *Ledger) attribute(t time.Time, secs int64, active bool) {
	day := &l.Days[Weekday(t)]
	hr := &day.Hours[t.Hour()]

	if !active || (hr.Active && hr.Unaccounted) {
		hr.Inactive += secs
		l.SessionInactive += secs
		return
	}

	hr.Spent += secs
	l.SpentDay += secs
	l.SessionSpent += secs
	// usage outside allowed hours is shown but not charged to the budgets
	if hr.Active {
		day.Balance += secs
		l.SpentWeek += secs
		l.SpentMonth += secs
	}
}
