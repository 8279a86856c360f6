package config

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/session"
)

// HourWindow is the allowed part of one hour.
type HourWindow struct {
	Allowed     bool
	Start       int // minute, 0..59
	End         int // minute, 1..60
	Unaccounted bool
}

// Full reports whether the whole hour is open.
func (w HourWindow) Full() bool {
	return w.Allowed && w.Start == 0 && w.End == 60
}

// Snapshot is a resolved, validated user policy. Days are indexed 0..6 with
// Monday first; the TOML and IPC surfaces use 1..7.
type Snapshot struct {
	AllowedDays          [7]bool
	DailyLimit           [7]int64 // seconds
	WeeklyLimit          int64
	MonthlyLimit         int64
	Hours                [7][24]HourWindow
	Lockout              session.Lockout
	WakeFrom             int
	WakeTo               int
	TrackInactive        bool
	HideIcon             bool
	NotifyBefore         []time.Duration
	ActivityOverride     bool
	RestrictedActivities []string
}

// DefaultSnapshot resolves the built-in policy.
func DefaultSnapshot() Snapshot {
	s, _ := BuiltinDefaults().Resolve()
	return s
}

// ValidateDay checks an external 1..7 day number.
func ValidateDay(day int) error {
	if day < 1 || day > 7 {
		return fmt.Errorf("day %d out of range 1..7", day)
	}
	return nil
}

// HoursFromRanges lays a day's ranges onto the 24-hour grid.
func HoursFromRanges(ranges []TimeRange) ([24]HourWindow, error) {
	var hours [24]HourWindow
	for _, r := range ranges {
		if r.Start < 0 || r.End > minutesPerDay || r.Start >= r.End {
			return hours, fmt.Errorf("invalid range %s", r)
		}
		for h := r.Start / 60; h*60 < r.End; h++ {
			start := max(r.Start, h*60) - h*60
			end := min(r.End, (h+1)*60) - h*60
			if end <= start {
				continue
			}
			if hours[h].Allowed {
				return hours, fmt.Errorf("range %s overlaps hour %d", r, h)
			}
			hours[h] = HourWindow{Allowed: true, Start: start, End: end, Unaccounted: r.Unaccounted}
		}
	}
	return hours, nil
}

// RangesFromHours merges contiguous hour windows back into ranges.
func RangesFromHours(hours [24]HourWindow) []TimeRange {
	var ranges []TimeRange
	var cur *TimeRange
	for h, w := range hours {
		if !w.Allowed {
			cur = nil
			continue
		}
		start := h*60 + w.Start
		if cur != nil && cur.End == start && cur.Unaccounted == w.Unaccounted {
			cur.End = h*60 + w.End
		} else {
			ranges = append(ranges, TimeRange{Start: start, End: h*60 + w.End, Unaccounted: w.Unaccounted})
			cur = &ranges[len(ranges)-1]
		}
		if w.End != 60 {
			cur = nil
		}
	}
	return ranges
}

func fullDay() [24]HourWindow {
	var hours [24]HourWindow
	for h := range hours {
		hours[h] = HourWindow{Allowed: true, Start: 0, End: 60}
	}
	return hours
}

// Resolve validates u and converts it to a Snapshot. Every field must be set,
// so callers apply defaults first.
func (u UserConfig) Resolve() (Snapshot, error) {
	var s Snapshot

	for _, d := range u.AllowedDays {
		if err := ValidateDay(d); err != nil {
			return s, err
		}
		s.AllowedDays[d-1] = true
	}

	if len(u.DailyLimits) != 7 {
		return s, fmt.Errorf("daily_limits must have 7 entries, got %d", len(u.DailyLimits))
	}
	for i, l := range u.DailyLimits {
		s.DailyLimit[i] = l.Seconds()
	}

	if u.WeeklyLimit == nil || u.MonthlyLimit == nil {
		return s, fmt.Errorf("weekly_limit and monthly_limit must be set")
	}
	s.WeeklyLimit = u.WeeklyLimit.Seconds()
	s.MonthlyLimit = u.MonthlyLimit.Seconds()

	for d := 0; d < 7; d++ {
		ranges, ok := u.AllowedHours[strconv.Itoa(d+1)]
		if !ok {
			s.Hours[d] = fullDay()
			continue
		}
		hours, err := HoursFromRanges(ranges)
		if err != nil {
			return s, fmt.Errorf("allowed_hours day %d: %w", d+1, err)
		}
		s.Hours[d] = hours
	}
	for key := range u.AllowedHours {
		day, err := strconv.Atoi(key)
		if err != nil || ValidateDay(day) != nil {
			return s, fmt.Errorf("allowed_hours: invalid day key %q", key)
		}
	}

	if u.Lockout == nil || u.WakeHours == nil {
		return s, fmt.Errorf("lockout and wake_hours must be set")
	}
	s.Lockout = *u.Lockout
	s.WakeFrom, s.WakeTo = u.WakeHours.From, u.WakeHours.To

	s.TrackInactive = u.TrackInactive != nil && *u.TrackInactive
	s.HideIcon = u.HideIcon != nil && *u.HideIcon
	s.ActivityOverride = u.ActivityOverride != nil && *u.ActivityOverride
	for _, d := range u.NotifyBefore {
		s.NotifyBefore = append(s.NotifyBefore, time.Duration(d))
	}
	sort.Slice(s.NotifyBefore, func(i, j int) bool { return s.NotifyBefore[i] > s.NotifyBefore[j] })
	s.RestrictedActivities = append([]string(nil), u.RestrictedActivities...)

	return s, nil
}

// UserConfig converts the snapshot to its fully explicit on-disk form.
func (s Snapshot) UserConfig() UserConfig {
	u := UserConfig{
		AllowedHours: make(map[string][]TimeRange),
	}
	for d, ok := range s.AllowedDays {
		if ok {
			u.AllowedDays = append(u.AllowedDays, d+1)
		}
	}
	if u.AllowedDays == nil {
		u.AllowedDays = []int{}
	}
	for _, l := range s.DailyLimit {
		u.DailyLimits = append(u.DailyLimits, Duration(time.Duration(l)*time.Second))
	}
	u.WeeklyLimit = durationPtr(time.Duration(s.WeeklyLimit) * time.Second)
	u.MonthlyLimit = durationPtr(time.Duration(s.MonthlyLimit) * time.Second)
	for d := 0; d < 7; d++ {
		ranges := RangesFromHours(s.Hours[d])
		if ranges == nil {
			ranges = []TimeRange{}
		}
		u.AllowedHours[strconv.Itoa(d+1)] = ranges
	}
	lockout := s.Lockout
	u.Lockout = &lockout
	u.WakeHours = &HourRange{From: s.WakeFrom, To: s.WakeTo}
	u.TrackInactive = boolPtr(s.TrackInactive)
	u.HideIcon = boolPtr(s.HideIcon)
	u.ActivityOverride = boolPtr(s.ActivityOverride)
	u.NotifyBefore = []Duration{}
	for _, d := range s.NotifyBefore {
		u.NotifyBefore = append(u.NotifyBefore, Duration(d))
	}
	u.RestrictedActivities = append([]string{}, s.RestrictedActivities...)
	return u
}
