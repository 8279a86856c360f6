package ledger

import "time"

// RecalculateLeft derives today's, the continuous, and the week/month time
// left at now.
//
// The scan walks today from the current second and then tomorrow, hour by
// hour. Every allowed hour contributes the part of its window that is still
// ahead, capped by what remains of the day, week and month budgets. Today's
// contributions make up TodayLeft. ContinuousLeft collects contributions until
// the first break: a disallowed hour, a window that does not start at minute 0
// (or does not end at minute 60), or an exhausted budget. Free windows add
// their full length to ContinuousLeft only. Tomorrow is only scanned while the
// run is unbroken.
func (l *Ledger) RecalculateLeft(now time.Time) {
	l.WeekLeft = max(l.WeekLimit-l.SpentWeek, 0)
	l.MonthLeft = max(l.MonthLimit-l.SpentMonth, 0)

	week, month := l.WeekLeft, l.MonthLeft
	today := Weekday(now)
	nowSec := int64(now.Minute()*60 + now.Second())
	tomorrow := dateOf(now).AddDate(0, 0, 1)

	var todayLeft, continuous int64
	unbroken := true

	for offset := 0; offset < 2; offset++ {
		day := &l.Days[(today+offset)%7]
		startHour := 0
		var budget int64

		if offset == 0 {
			startHour = now.Hour()
			budget = day.Limit - day.Balance
		} else {
			if !unbroken {
				break
			}
			if !sameWeek(now, tomorrow) {
				week = l.WeekLimit
			}
			if !sameMonth(now, tomorrow) {
				month = l.MonthLimit
			}
			budget = day.Limit
		}
		budget = max(budget, 0)

		for h := startHour; h < 24; h++ {
			if offset > 0 && !unbroken {
				break
			}
			hr := day.Hours[h]
			if !hr.Active {
				unbroken = false
				continue
			}

			from := int64(hr.Start) * 60
			to := int64(hr.End) * 60
			if offset == 0 && h == startHour {
				if nowSec < from {
					unbroken = false
				}
				from = max(from, nowSec)
			} else if hr.Start != 0 {
				unbroken = false
			}
			avail := max(to-from, 0)
			if avail == 0 {
				unbroken = false
				continue
			}

			if hr.Unaccounted {
				// free time extends the run but is charged to no budget
				if unbroken {
					continuous += avail
				}
				if hr.End != 60 {
					unbroken = false
				}
				continue
			}

			usable := min(avail, budget, week, month)
			if offset == 0 {
				todayLeft += usable
			}
			if unbroken {
				continuous += usable
			}
			budget -= usable
			week -= usable
			month -= usable

			if usable < avail || hr.End != 60 {
				unbroken = false
			}
		}

		if offset == 0 {
			day.Left = todayLeft
		}
	}

	l.TodayLeft = max(todayLeft, 0)
	l.ContinuousLeft = max(continuous, 0)
}

// UnlimitedToday reports whether today has effectively no restriction: the
// limit covers a whole day and the allowed windows, free ones included, cover
// every minute.
func (l *Ledger) UnlimitedToday(now time.Time) bool {
	day := l.Days[Weekday(now)]
	if day.Limit < secondsPerDay {
		return false
	}
	minutes := 0
	for _, hr := range day.Hours {
		if hr.Active {
			minutes += hr.End - hr.Start
		}
	}
	return minutes == 24*60
}

// HourUnaccounted reports whether the hour containing now is a free window.
func (l *Ledger) HourUnaccounted(now time.Time) bool {
	hr := l.Days[Weekday(now)].Hours[now.Hour()]
	if !hr.Active || !hr.Unaccounted {
		return false
	}
	m := now.Minute()
	return m >= hr.Start && m < hr.End
}

// NextAvailable returns the next start of an allowed, budgeted window after
// now whose hour lies within [fromHour, toHour]. It looks ahead up to a week.
func (l *Ledger) NextAvailable(now time.Time, fromHour, toHour int) (time.Time, bool) {
	base := dateOf(now)
	for offset := 0; offset <= 7; offset++ {
		date := base.AddDate(0, 0, offset)
		day := l.Days[Weekday(date)]
		if offset == 0 && l.TodayLeft <= 0 {
			continue
		}
		if offset > 0 && day.Limit <= 0 {
			continue
		}
		for h := 0; h < 24; h++ {
			hr := day.Hours[h]
			if !hr.Active || h < fromHour || h > toHour {
				continue
			}
			at := time.Date(date.Year(), date.Month(), date.Day(), h, hr.Start, 0, 0, now.Location())
			if at.After(now) {
				return at, true
			}
		}
	}
	return time.Time{}, false
}
