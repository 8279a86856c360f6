package accounting

import (
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/ledger"
)

// TimeLeft is the figure set pushed to clients every tick.
type TimeLeft struct {
	LeftToday       int64 `json:"left_today"`
	LeftContinuous  int64 `json:"left_continuous"`
	LeftWeek        int64 `json:"left_week"`
	LeftMonth       int64 `json:"left_month"`
	SpentToday      int64 `json:"spent_today"`
	SpentBalance    int64 `json:"spent_balance"`
	SpentSession    int64 `json:"spent_session"`
	SpentWeek       int64 `json:"spent_week"`
	SpentMonth      int64 `json:"spent_month"`
	InactiveSession int64 `json:"inactive_session"`
	TrackInactive   bool  `json:"track_inactive"`
	HideIcon        bool  `json:"hide_icon"`
	DayLimit        int64 `json:"day_limit"`
	Unlimited       bool  `json:"unlimited"`
	Unaccounted     bool  `json:"unaccounted"`
}

// Interval is an allowed window in seconds from midnight.
type Interval struct {
	Start       int64 `json:"start"`
	End         int64 `json:"end"`
	Unaccounted bool  `json:"unaccounted,omitempty"`
}

// DayLimits describes one weekday, numbered 1..7 from Monday.
type DayLimits struct {
	Day       int        `json:"day"`
	Allowed   bool       `json:"allowed"`
	Limit     int64      `json:"limit"`
	Intervals []Interval `json:"intervals"`
}

// TimeLimits is the policy as shown to clients.
type TimeLimits struct {
	Days  []DayLimits `json:"days"`
	Week  int64       `json:"week"`
	Month int64       `json:"month"`
}

// TimeLeft reports current figures. The ledger must have been recalculated
// for now.
func (u *User) TimeLeft(now time.Time) TimeLeft {
	l := u.Ledger
	return TimeLeft{
		LeftToday:       l.TodayLeft,
		LeftContinuous:  l.ContinuousLeft,
		LeftWeek:        l.WeekLeft,
		LeftMonth:       l.MonthLeft,
		SpentToday:      l.SpentDay,
		SpentBalance:    l.Balance(),
		SpentSession:    l.SessionSpent,
		SpentWeek:       l.SpentWeek,
		SpentMonth:      l.SpentMonth,
		InactiveSession: l.SessionInactive,
		TrackInactive:   u.Config.TrackInactive,
		HideIcon:        u.Config.HideIcon,
		DayLimit:        l.Days[ledger.Weekday(now)].Limit,
		Unlimited:       l.UnlimitedToday(now),
		Unaccounted:     l.HourUnaccounted(now),
	}
}

// TimeLimits reports the user's policy.
func (u *User) TimeLimits() TimeLimits {
	return LimitsOf(u.Config)
}

// LimitsOf converts a policy to its client view.
func LimitsOf(snap config.Snapshot) TimeLimits {
	tl := TimeLimits{Week: snap.WeeklyLimit, Month: snap.MonthlyLimit}
	for d := 0; d < 7; d++ {
		dl := DayLimits{
			Day:       d + 1,
			Allowed:   snap.AllowedDays[d],
			Limit:     snap.DailyLimit[d],
			Intervals: []Interval{},
		}
		for _, r := range config.RangesFromHours(snap.Hours[d]) {
			dl.Intervals = append(dl.Intervals, Interval{
				Start:       int64(r.Start) * 60,
				End:         int64(r.End) * 60,
				Unaccounted: r.Unaccounted,
			})
		}
		tl.Days = append(tl.Days, dl)
	}
	return tl
}
