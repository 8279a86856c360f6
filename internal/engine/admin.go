package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/accounting"
	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/eval"
	"github.com/SoarinFerret/TimeWarden/internal/history"
	"github.com/SoarinFerret/TimeWarden/internal/ledger"
	"github.com/SoarinFerret/TimeWarden/internal/session"
	"github.com/SoarinFerret/TimeWarden/internal/state"
)

const (
	maxDayLimit   = 24 * 3600
	maxWeekLimit  = 7 * maxDayLimit
	maxMonthLimit = 31 * maxDayLimit
	maxHistory    = 366
)

// UserStatus is the admin view of a tracked user.
type UserStatus struct {
	User         session.User        `json:"user"`
	Active       bool                `json:"active"`
	ScreenLocked bool                `json:"screen_locked"`
	Permitted    bool                `json:"permitted"`
	Restriction  string              `json:"restriction"`
	Countdown    int64               `json:"countdown,omitempty"`
	Lockout      session.Lockout     `json:"lockout"`
	TimeLeft     accounting.TimeLeft `json:"time_left"`
}

func (e *Engine) findLocked(name string) *tracked {
	for _, t := range e.users {
		if t.acct.Info.Name == name {
			return t
		}
	}
	return nil
}

// openLocked loads an untracked user read-only.
func (e *Engine) openLocked(name string, now time.Time) (*accounting.User, error) {
	u, err := accounting.Open(session.User{Name: name}, e.configs, e.controls, e.accountingOptions(), now)
	if errors.Is(err, config.ErrNotFound) {
		return nil, notFoundf("user %s has no policy", name)
	}
	if err != nil {
		return nil, internal(err)
	}
	return u, nil
}

// Users returns the names of tracked users.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.users))
	for _, t := range e.users {
		names = append(names, t.acct.Info.Name)
	}
	sort.Strings(names)
	return names
}

// TimeLeft reports the user's current figures.
func (e *Engine) TimeLeft(name string) (accounting.TimeLeft, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if t := e.findLocked(name); t != nil {
		return t.acct.TimeLeft(now), nil
	}
	u, err := e.openLocked(name, now)
	if err != nil {
		return accounting.TimeLeft{}, err
	}
	return u.TimeLeft(now), nil
}

// TimeLimits reports the user's policy.
func (e *Engine) TimeLimits(name string) (accounting.TimeLimits, error) {
	snap, err := e.snapshot(name)
	if err != nil {
		return accounting.TimeLimits{}, err
	}
	return accounting.LimitsOf(snap), nil
}

func (e *Engine) snapshot(name string) (config.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t := e.findLocked(name); t != nil {
		return t.acct.Config, nil
	}
	snap, _, err := e.configs.Load(name)
	if errors.Is(err, config.ErrNotFound) {
		return snap, notFoundf("user %s has no policy", name)
	}
	if err != nil {
		return snap, internal(err)
	}
	return snap, nil
}

// Status reports a tracked user's session and restriction state.
func (e *Engine) Status(name string) (UserStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sessions.Connected() {
		return UserStatus{}, &Error{Kind: KindNotConnected, Msg: "login manager unavailable"}
	}
	t := e.findLocked(name)
	if t == nil {
		return UserStatus{}, notFoundf("user %s is not logged in", name)
	}
	now := e.now()
	st := UserStatus{
		User:         t.acct.Info,
		Active:       t.status.Active,
		ScreenLocked: t.status.ScreenLocked,
		Permitted:    eval.PermitLogin(t.acct.Ledger, now),
		Restriction:  e.machine.State(t.acct.Info.UID).String(),
		Lockout:      t.acct.Config.Lockout,
		TimeLeft:     t.acct.TimeLeft(now),
	}
	if rec, ok := e.machine.Record(t.acct.Info.UID); ok {
		st.Countdown = rec.Countdown
	}
	return st, nil
}

// UsageHistory returns up to days of recorded daily usage, newest first.
func (e *Engine) UsageHistory(ctx context.Context, name string, days int) ([]history.Day, error) {
	if days < 1 || days > maxHistory {
		return nil, validationf("days must be within 1..%d", maxHistory)
	}
	if e.history == nil {
		return nil, &Error{Kind: KindInternal, Msg: "usage history is disabled"}
	}

	e.mu.Lock()
	if t := e.findLocked(name); t != nil {
		l := t.acct.Ledger
		e.recordLocked(name, l.Date, l.SpentDay, l.DayInactive())
	}
	e.mu.Unlock()

	out, err := e.history.Recent(ctx, name, days)
	if err != nil {
		return nil, internal(err)
	}
	return out, nil
}

// RequestTimeLeft pushes the current figures to the user's clients.
func (e *Engine) RequestTimeLeft(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.findLocked(name)
	if t == nil {
		return notFoundf("user %s is not logged in", name)
	}
	now := e.now()
	tl := t.acct.TimeLeft(now)
	prio := eval.PriorityFor(tl.LeftContinuous, time.Duration(e.daemon.FinalNotificationTime))
	if err := e.notifier.TimeLeft(t.acct.Info, prio, tl); err != nil {
		return &Error{Kind: KindNotConnected, Msg: err.Error()}
	}
	return nil
}

// RequestTimeLimits pushes the user's policy to the user's clients.
func (e *Engine) RequestTimeLimits(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.findLocked(name)
	if t == nil {
		return notFoundf("user %s is not logged in", name)
	}
	if err := e.notifier.TimeLimits(t.acct.Info, t.acct.TimeLimits()); err != nil {
		return &Error{Kind: KindNotConnected, Msg: err.Error()}
	}
	return nil
}

// updateConfig applies mutate to a copy of the user's policy, stores it and
// reloads it into a tracked user. Nothing is written when mutate fails.
func (e *Engine) updateConfig(name string, mutate func(*config.Snapshot) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	t := e.findLocked(name)
	var snap config.Snapshot
	if t != nil {
		snap = t.acct.Config
	} else {
		var err error
		snap, _, err = e.configs.Load(name)
		if errors.Is(err, config.ErrNotFound) {
			return notFoundf("user %s has no policy", name)
		}
		if err != nil {
			return internal(err)
		}
	}

	if err := mutate(&snap); err != nil {
		return err
	}
	if _, err := e.configs.Save(name, snap); err != nil {
		return internal(err)
	}
	if t != nil {
		t.acct.InvalidateConfig()
		if _, err := t.acct.ReloadConfig(now, false); err != nil {
			return internal(err)
		}
	}
	return nil
}

// SetAllowedDays replaces the set of allowed weekdays (1..7, Monday first).
func (e *Engine) SetAllowedDays(name string, days []int) error {
	var allowed [7]bool
	for _, d := range days {
		if err := config.ValidateDay(d); err != nil {
			return validationf("%v", err)
		}
		allowed[d-1] = true
	}
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.AllowedDays = allowed
		return nil
	})
}

// SetAllowedHours replaces the allowed windows of one weekday.
func (e *Engine) SetAllowedHours(name string, day int, ranges []config.TimeRange) error {
	if err := config.ValidateDay(day); err != nil {
		return validationf("%v", err)
	}
	hours, err := config.HoursFromRanges(ranges)
	if err != nil {
		return validationf("%v", err)
	}
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.Hours[day-1] = hours
		return nil
	})
}

// SetTimeLimitForDays replaces the seven daily limits, in seconds.
func (e *Engine) SetTimeLimitForDays(name string, limits []int64) error {
	if len(limits) != 7 {
		return validationf("expected 7 daily limits, got %d", len(limits))
	}
	var daily [7]int64
	for i, l := range limits {
		if l < 0 || l > maxDayLimit {
			return validationf("limit for day %d out of range 0..%d", i+1, maxDayLimit)
		}
		daily[i] = l
	}
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.DailyLimit = daily
		return nil
	})
}

// SetTimeLimitForWeek sets the weekly limit in seconds.
func (e *Engine) SetTimeLimitForWeek(name string, seconds int64) error {
	if seconds < 0 || seconds > maxWeekLimit {
		return validationf("weekly limit out of range 0..%d", maxWeekLimit)
	}
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.WeeklyLimit = seconds
		return nil
	})
}

// SetTimeLimitForMonth sets the monthly limit in seconds.
func (e *Engine) SetTimeLimitForMonth(name string, seconds int64) error {
	if seconds < 0 || seconds > maxMonthLimit {
		return validationf("monthly limit out of range 0..%d", maxMonthLimit)
	}
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.MonthlyLimit = seconds
		return nil
	})
}

// SetTrackInactive toggles accounting of inactive sessions.
func (e *Engine) SetTrackInactive(name string, track bool) error {
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.TrackInactive = track
		return nil
	})
}

// SetHideIcon toggles the client tray icon.
func (e *Engine) SetHideIcon(name string, hide bool) error {
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.HideIcon = hide
		return nil
	})
}

// SetLockoutType sets the enforcement kind and the hours a suspend with wake
// may wake the machine in.
func (e *Engine) SetLockoutType(name, kind string, wakeFrom, wakeTo int) error {
	lockout, err := session.ParseLockout(kind)
	if err != nil {
		return validationf("%v", err)
	}
	if wakeFrom < 0 || wakeTo > 23 || wakeFrom > wakeTo {
		return validationf("invalid wake hours %d-%d", wakeFrom, wakeTo)
	}
	return e.updateConfig(name, func(s *config.Snapshot) error {
		s.Lockout = lockout
		s.WakeFrom, s.WakeTo = wakeFrom, wakeTo
		return nil
	})
}

// SetTimeLeft adjusts today's time: "+" grants seconds, "-" takes them away
// and "=" makes exactly seconds left of today's limit. Week and month move by
// the same amount.
func (e *Engine) SetTimeLeft(name, op string, seconds int64) error {
	if seconds < 0 || seconds > maxDayLimit {
		return validationf("seconds out of range 0..%d", maxDayLimit)
	}
	switch op {
	case "+", "-", "=":
	default:
		return validationf("unknown operation %q, want +, - or =", op)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	t := e.findLocked(name)
	var u *accounting.User
	if t != nil {
		u = t.acct
		if err := u.Flush(now); err != nil {
			return internal(err)
		}
	} else {
		var err error
		if u, err = e.openLocked(name, now); err != nil {
			return err
		}
	}

	ctl := adjustControl(u.Ledger.Control(), op, seconds, u.Config.DailyLimit[ledger.Weekday(now)])
	ctl.LastChecked = now
	if t != nil {
		ctl.LastChecked = u.Ledger.LastChecked
	}
	if _, err := e.controls.Save(name, ctl); err != nil {
		return internal(err)
	}
	if t != nil {
		u.InvalidateControl()
		if _, err := u.ReloadControl(now, true, false); err != nil {
			return internal(err)
		}
	}
	return nil
}

func adjustControl(ctl state.Control, op string, seconds, limit int64) state.Control {
	var delta int64
	switch op {
	case "+":
		delta = -seconds
	case "-":
		delta = seconds
	case "=":
		delta = (limit - seconds) - ctl.SpentBalance
	}
	ctl.SpentBalance += delta
	ctl.SpentWeek += delta
	ctl.SpentMonth += delta
	return ctl
}

// String renders the figures for logs and the CLI.
func (s UserStatus) String() string {
	return fmt.Sprintf("%s: active=%t locked=%t restriction=%s left=%ds", s.User.Name, s.Active, s.ScreenLocked, s.Restriction, s.TimeLeft.LeftToday)
}
