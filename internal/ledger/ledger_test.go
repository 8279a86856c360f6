package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/state"
)

const poll = 3 * time.Second

// 2024-06-03 is a Monday.
func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, 6, day, hour, min, sec, 0, time.UTC)
}

func newLedger(t *testing.T, cfg config.Snapshot, checked time.Time, c state.Control) *Ledger {
	t.Helper()
	l := New(poll)
	l.RebuildFromConfig(cfg)
	c.LastChecked = checked
	l.LoadControl(c, checked)
	return l
}

func onlyHours(hours ...int) [24]config.HourWindow {
	var grid [24]config.HourWindow
	for _, h := range hours {
		grid[h] = config.HourWindow{Allowed: true, Start: 0, End: 60}
	}
	return grid
}

func schoolDays() config.Snapshot {
	cfg := config.DefaultSnapshot()
	for d := 0; d < 7; d++ {
		cfg.AllowedDays[d] = d < 5
		cfg.DailyLimit[d] = 7200
		cfg.Hours[d] = onlyHours(9, 10)
	}
	return cfg
}

func TestWeekday(t *testing.T) {
	assert.Equal(t, 0, Weekday(at(3, 12, 0, 0)))
	assert.Equal(t, 6, Weekday(at(2, 12, 0, 0)))
}

func TestRecalculateLeft_GapBreaksContinuity(t *testing.T) {
	cfg := config.DefaultSnapshot()
	grid := onlyHours(9)
	grid[11] = config.HourWindow{Allowed: true, Start: 0, End: 30}
	cfg.Hours[0] = grid

	now := at(3, 9, 0, 0)
	l := newLedger(t, cfg, now, state.Control{})
	l.RecalculateLeft(now)

	assert.Equal(t, int64(3600), l.ContinuousLeft)
	assert.Equal(t, int64(3600+1800), l.TodayLeft)
}

func TestRecalculateLeft_ContinuousSpansMidnight(t *testing.T) {
	now := at(3, 23, 0, 0)
	l := newLedger(t, config.DefaultSnapshot(), now, state.Control{})
	l.RecalculateLeft(now)

	assert.Equal(t, int64(3600), l.TodayLeft)
	assert.Equal(t, int64(3600+24*3600), l.ContinuousLeft)
}

func TestRecalculateLeft_BudgetCapsAndClamps(t *testing.T) {
	cfg := config.DefaultSnapshot()
	cfg.DailyLimit[0] = 600
	now := at(3, 12, 0, 0)

	l := newLedger(t, cfg, now, state.Control{SpentBalance: 100})
	l.RecalculateLeft(now)
	assert.Equal(t, int64(500), l.TodayLeft)
	assert.Equal(t, int64(500), l.ContinuousLeft)

	l = newLedger(t, cfg, now, state.Control{SpentBalance: 900})
	l.RecalculateLeft(now)
	assert.Equal(t, int64(0), l.TodayLeft)
	assert.Equal(t, int64(0), l.ContinuousLeft)
}

func TestRecalculateLeft_GrantExceedsDayLimit(t *testing.T) {
	cfg := config.DefaultSnapshot()
	cfg.DailyLimit[0] = 600
	now := at(3, 12, 0, 0)

	l := newLedger(t, cfg, now, state.Control{SpentBalance: -600})
	l.RecalculateLeft(now)
	assert.Equal(t, int64(1200), l.TodayLeft)
	assert.Greater(t, l.TodayLeft, l.Days[0].Limit)
}

func TestRecalculateLeft_WeeklyLimit(t *testing.T) {
	cfg := config.DefaultSnapshot()
	cfg.WeeklyLimit = 3600
	now := at(3, 12, 0, 0)
	l := newLedger(t, cfg, now, state.Control{SpentWeek: 3000})
	l.RecalculateLeft(now)

	assert.Equal(t, int64(600), l.WeekLeft)
	assert.Equal(t, int64(600), l.TodayLeft)
}

func TestRecalculateLeft_UnaccountedHourIsFree(t *testing.T) {
	cfg := config.DefaultSnapshot()
	grid := onlyHours(9, 11)
	grid[10] = config.HourWindow{Allowed: true, Start: 0, End: 60, Unaccounted: true}
	cfg.Hours[0] = grid
	now := at(3, 9, 0, 0)

	l := newLedger(t, cfg, now, state.Control{})
	l.RecalculateLeft(now)
	assert.Equal(t, int64(7200), l.TodayLeft)
	assert.Equal(t, int64(3*3600), l.ContinuousLeft)
	assert.True(t, l.HourUnaccounted(at(3, 10, 15, 0)))
	assert.False(t, l.HourUnaccounted(at(3, 9, 15, 0)))
}

func TestRecalculateLeft_FreeHourBeforeClosedHour(t *testing.T) {
	cfg := config.DefaultSnapshot()
	cfg.Hours[0] = [24]config.HourWindow{}
	cfg.Hours[0][9] = config.HourWindow{Allowed: true, Start: 0, End: 60, Unaccounted: true}
	now := at(3, 9, 10, 0)

	l := newLedger(t, cfg, now, state.Control{})
	l.RecalculateLeft(now)
	assert.Equal(t, int64(3000), l.ContinuousLeft)
	assert.Equal(t, int64(0), l.TodayLeft)
	assert.Equal(t, int64(0), l.Days[0].Left)
}

func TestSchoolDayScenario(t *testing.T) {
	l := newLedger(t, schoolDays(), at(3, 8, 59, 50), state.Control{})

	ro := l.ApplyElapsed(at(3, 9, 0, 10), true)
	require.False(t, ro.Anomaly)
	l.RecalculateLeft(at(3, 9, 0, 10))

	assert.Equal(t, int64(7190), l.TodayLeft)
	assert.Equal(t, int64(7190), l.ContinuousLeft)
	assert.Equal(t, int64(20), l.SpentDay)
	assert.Equal(t, int64(10), l.Balance())

	l.RecalculateLeft(at(3, 11, 0, 0))
	assert.Equal(t, int64(0), l.ContinuousLeft)
	assert.Equal(t, int64(0), l.TodayLeft)
}

func TestApplyElapsed_WeekRollover(t *testing.T) {
	cfg := config.DefaultSnapshot()
	cfg.WeeklyLimit = 40000
	l := newLedger(t, cfg, at(2, 23, 59, 58), state.Control{SpentWeek: 36000, SpentDay: 500, SpentBalance: 500})

	ro := l.ApplyElapsed(at(3, 0, 0, 1), true)

	assert.True(t, ro.DayChanged)
	assert.True(t, ro.WeekChanged)
	assert.False(t, ro.MonthChanged)
	assert.Equal(t, int64(502), ro.PrevSpent)
	assert.Equal(t, int64(1), l.SpentWeek)
	assert.Equal(t, int64(1), l.SpentDay)
	assert.Equal(t, int64(1), l.Balance())
	assert.True(t, l.Date.Equal(at(3, 0, 0, 0)))
}

func TestApplyElapsed_MonthRollover(t *testing.T) {
	l := New(poll)
	l.RebuildFromConfig(config.DefaultSnapshot())
	last := time.Date(2024, 6, 30, 23, 59, 59, 0, time.UTC)
	l.LoadControl(state.Control{SpentMonth: 9000, LastChecked: last}, last)

	ro := l.ApplyElapsed(last.Add(2*time.Second), true)
	assert.True(t, ro.MonthChanged)
	assert.Equal(t, int64(1), l.SpentMonth)
}

func TestApplyElapsed_Conservation(t *testing.T) {
	now := at(3, 9, 59, 0)
	l := newLedger(t, config.DefaultSnapshot(), now, state.Control{})

	var elapsed int64
	for i := 0; i < 40; i++ {
		next := now.Add(poll)
		l.ApplyElapsed(next, i%3 != 0)
		elapsed += int64(poll / time.Second)
		now = next
	}

	assert.Equal(t, elapsed, l.SpentDay+l.DayInactive())
	assert.Equal(t, l.SessionSpent, l.SpentDay)
	assert.Equal(t, l.SessionInactive, l.DayInactive())
	assert.Equal(t, l.SpentDay, l.SpentWeek)
}

func TestApplyElapsed_Inactive(t *testing.T) {
	now := at(3, 12, 0, 0)
	l := newLedger(t, config.DefaultSnapshot(), now, state.Control{})
	l.ApplyElapsed(now.Add(poll), false)

	assert.Equal(t, int64(0), l.SpentDay)
	assert.Equal(t, int64(3), l.DayInactive())
}

func TestApplyElapsed_SleepAnomaly(t *testing.T) {
	now := at(3, 12, 0, 0)
	l := newLedger(t, config.DefaultSnapshot(), now, state.Control{SpentDay: 60, SpentBalance: 60})

	later := now.Add(2 * time.Hour)
	ro := l.ApplyElapsed(later, true)

	assert.True(t, ro.Anomaly)
	assert.Equal(t, int64(60), l.SpentDay)
	assert.True(t, l.LastChecked.Equal(later))
}

func TestApplyElapsed_ClockBackwards(t *testing.T) {
	now := at(3, 12, 0, 0)
	l := newLedger(t, config.DefaultSnapshot(), now, state.Control{SpentDay: 60})

	earlier := now.Add(-time.Minute)
	ro := l.ApplyElapsed(earlier, true)

	assert.True(t, ro.Anomaly)
	assert.Equal(t, int64(60), l.SpentDay)
	assert.True(t, l.LastChecked.Equal(earlier))
}

func TestResume(t *testing.T) {
	now := at(3, 12, 0, 0)
	l := newLedger(t, config.DefaultSnapshot(), now, state.Control{SpentDay: 60, SpentBalance: 60, SpentWeek: 60})

	ro := l.Resume(now.Add(20 * time.Second))
	assert.False(t, ro.DayChanged)
	assert.Equal(t, int64(60), l.SpentDay)
	assert.True(t, l.LastChecked.Equal(now.Add(20*time.Second)))

	ro = l.Resume(at(4, 8, 0, 0))
	assert.True(t, ro.DayChanged)
	assert.False(t, ro.WeekChanged)
	assert.Equal(t, int64(60), ro.PrevSpent)
	assert.Equal(t, int64(0), l.SpentDay)
	assert.Equal(t, int64(60), l.SpentWeek)
	assert.True(t, l.Date.Equal(at(4, 0, 0, 0)))
}

func TestApplyElapsed_DisallowedHourNotCharged(t *testing.T) {
	now := at(3, 8, 0, 0)
	l := newLedger(t, schoolDays(), now, state.Control{})
	l.ApplyElapsed(now.Add(poll), true)

	assert.Equal(t, int64(3), l.SpentDay)
	assert.Equal(t, int64(0), l.Balance())
	assert.Equal(t, int64(0), l.SpentWeek)
}

func TestUnlimitedToday(t *testing.T) {
	now := at(3, 12, 0, 0)
	l := newLedger(t, config.DefaultSnapshot(), now, state.Control{})
	assert.True(t, l.UnlimitedToday(now))

	cfg := config.DefaultSnapshot()
	cfg.DailyLimit[0] = 3600
	l.RebuildFromConfig(cfg)
	assert.False(t, l.UnlimitedToday(now))

	cfg = config.DefaultSnapshot()
	cfg.Hours[0][3] = config.HourWindow{}
	l.RebuildFromConfig(cfg)
	assert.False(t, l.UnlimitedToday(now))

	cfg = config.DefaultSnapshot()
	for h := range cfg.Hours[0] {
		cfg.Hours[0][h].Unaccounted = true
	}
	l.RebuildFromConfig(cfg)
	assert.True(t, l.UnlimitedToday(now))
}

func TestNextAvailable(t *testing.T) {
	now := at(3, 11, 30, 0)
	l := newLedger(t, schoolDays(), now, state.Control{})
	l.RecalculateLeft(now)

	next, ok := l.NextAvailable(now, 0, 23)
	require.True(t, ok)
	assert.True(t, next.Equal(at(4, 9, 0, 0)), "got %v", next)

	// Friday evening skips the weekend.
	fri := at(7, 18, 0, 0)
	l = newLedger(t, schoolDays(), fri, state.Control{})
	l.RecalculateLeft(fri)
	next, ok = l.NextAvailable(fri, 0, 23)
	require.True(t, ok)
	assert.True(t, next.Equal(at(10, 9, 0, 0)), "got %v", next)

	_, ok = l.NextAvailable(fri, 12, 23)
	assert.False(t, ok)
}

func TestControlRoundTrip(t *testing.T) {
	now := at(3, 12, 0, 0)
	in := state.Control{SpentBalance: 10, SpentDay: 20, SpentWeek: 30, SpentMonth: 40}
	l := newLedger(t, config.DefaultSnapshot(), now, in)

	out := l.Control()
	assert.Equal(t, in.SpentBalance, out.SpentBalance)
	assert.Equal(t, in.SpentDay, out.SpentDay)
	assert.Equal(t, in.SpentWeek, out.SpentWeek)
	assert.Equal(t, in.SpentMonth, out.SpentMonth)
	assert.True(t, out.LastChecked.Equal(now))
}
