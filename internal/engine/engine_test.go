package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoarinFerret/TimeWarden/internal/accounting"
	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/eval"
	"github.com/SoarinFerret/TimeWarden/internal/history"
	"github.com/SoarinFerret/TimeWarden/internal/restrict"
	"github.com/SoarinFerret/TimeWarden/internal/session"
	"github.com/SoarinFerret/TimeWarden/internal/state"
)

var (
	alice = session.User{UID: 1000, Name: "alice", Path: "/org/freedesktop/login1/user/_1000"}
	bob   = session.User{UID: 1001, Name: "bob", Path: "/org/freedesktop/login1/user/_1001"}
	gdm   = session.User{UID: 120, Name: "gdm"}
	guest = session.User{UID: 1002, Name: "guest"}

	// a Monday
	start = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
)

type fakeSessions struct {
	users        []session.User
	status       map[uint32]session.Status
	connected    bool
	reconnectErr error
	calls        []string
}

func (f *fakeSessions) ListUsers() ([]session.User, error) { return f.users, nil }

func (f *fakeSessions) Status(u session.User, _ bool) (session.Status, error) {
	if st, ok := f.status[u.UID]; ok {
		return st, nil
	}
	return session.Status{Active: true}, nil
}

func (f *fakeSessions) Connected() bool { return f.connected }

func (f *fakeSessions) Reconnect() error {
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSessions) Lock(u session.User) error      { f.calls = append(f.calls, "lock "+u.Name); return nil }
func (f *fakeSessions) Suspend(u session.User) error   { f.calls = append(f.calls, "suspend "+u.Name); return nil }
func (f *fakeSessions) Terminate(u session.User) error { f.calls = append(f.calls, "terminate "+u.Name); return nil }
func (f *fakeSessions) Kill(u session.User) error      { f.calls = append(f.calls, "kill "+u.Name); return nil }
func (f *fakeSessions) Shutdown() error                { f.calls = append(f.calls, "shutdown"); return nil }
func (f *fakeSessions) SetWakeAlarm(time.Time) error   { f.calls = append(f.calls, "wake"); return nil }

func (f *fakeSessions) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	timeLeft      int
	timeLimits    int
	configChanged int
	leftChanged   int
	noLimit       int
	warnings      []int64
	popups        []time.Duration
	last          accounting.TimeLeft
	err           error
}

func (n *fakeNotifier) TimeLeft(_ session.User, _ eval.Priority, tl accounting.TimeLeft) error {
	n.timeLeft++
	n.last = tl
	return n.err
}

func (n *fakeNotifier) TimeLimits(session.User, accounting.TimeLimits) error {
	n.timeLimits++
	return n.err
}

func (n *fakeNotifier) FinalWarning(_ session.User, _ session.Lockout, left int64) error {
	n.warnings = append(n.warnings, left)
	return nil
}

func (n *fakeNotifier) TimeLeftChanged(session.User) error { n.leftChanged++; return nil }
func (n *fakeNotifier) ConfigChanged(session.User) error   { n.configChanged++; return nil }
func (n *fakeNotifier) NoLimitToday(session.User) error    { n.noLimit++; return nil }

func (n *fakeNotifier) Popup(_ session.User, left time.Duration, _ eval.Priority) error {
	n.popups = append(n.popups, left)
	return nil
}

type fakeHistory struct {
	days map[string]history.Day
}

func (h *fakeHistory) Record(_ context.Context, user string, date time.Time, spent, inactive int64) error {
	d := date.Format("2006-01-02")
	h.days[user+"/"+d] = history.Day{User: user, Date: d, Spent: spent, Inactive: inactive}
	return nil
}

func (h *fakeHistory) Recent(_ context.Context, user string, days int) ([]history.Day, error) {
	var out []history.Day
	for _, d := range h.days {
		if d.User == user {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if len(out) > days {
		out = out[:days]
	}
	return out, nil
}

type fixture struct {
	engine   *Engine
	sessions *fakeSessions
	notifier *fakeNotifier
	history  *fakeHistory
	configs  *config.Store
	controls *state.Manager
	now      time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// tick runs one escalation tick of the current schedule.
func (f *fixture) tick() {
	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	f.engine.escalateLocked(f.engine.escalation)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	escalationInterval = time.Hour

	root := t.TempDir()
	configs, err := config.NewStore(filepath.Join(root, "users"), config.UserConfig{})
	require.NoError(t, err)
	controls, err := state.NewManager(filepath.Join(root, "state"))
	require.NoError(t, err)

	f := &fixture{
		sessions: &fakeSessions{users: []session.User{alice}, status: map[uint32]session.Status{}, connected: true},
		notifier: &fakeNotifier{},
		history:  &fakeHistory{days: map[string]history.Day{}},
		configs:  configs,
		controls: controls,
		now:      start,
	}
	f.engine = New(Options{
		Daemon: config.Daemon{
			PollInterval:          config.Duration(3 * time.Second),
			SaveInterval:          config.Duration(30 * time.Second),
			TerminationTime:       config.Duration(15 * time.Second),
			FinalWarningTime:      config.Duration(10 * time.Second),
			FinalNotificationTime: config.Duration(time.Minute),
			ExcludedUsers:         []string{"guest"},
			MinUID:                1000,
		},
		Configs:  configs,
		Controls: controls,
		Sessions: f.sessions,
		Notifier: f.notifier,
		History:  f.history,
		Clock:    func() time.Time { return f.now },
	})
	t.Cleanup(f.engine.Shutdown)
	return f
}

// limit stores a policy for name with the given Monday limit.
func (f *fixture) limit(t *testing.T, name string, seconds int64) {
	t.Helper()
	snap, err := f.configs.Defaults()
	require.NoError(t, err)
	snap.DailyLimit[0] = seconds
	_, err = f.configs.Save(name, snap)
	require.NoError(t, err)
}

func TestPoll_DiscoversEligibleUsers(t *testing.T) {
	f := newFixture(t)
	f.sessions.users = []session.User{alice, bob, gdm, guest, {UID: 65534, Name: "nobody"}}

	f.engine.Poll()

	assert.Equal(t, []string{"alice", "bob"}, f.engine.Users())
	assert.Equal(t, 2, f.notifier.timeLimits)
	assert.Equal(t, 2, f.notifier.timeLeft)
	// the default policy has no effective limit
	assert.Equal(t, 2, f.notifier.noLimit)

	f.advance(3 * time.Second)
	f.engine.Poll()
	assert.Equal(t, 2, f.notifier.noLimit, "announced once per day")
}

func TestPoll_AccountsActiveTime(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	for i := 0; i < 4; i++ {
		f.advance(3 * time.Second)
		f.engine.Poll()
	}

	left, err := f.engine.TimeLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(12), left.SpentToday)
	assert.Equal(t, int64(12), left.SpentSession)
}

func TestPoll_InactiveNotCharged(t *testing.T) {
	f := newFixture(t)
	f.sessions.status[alice.UID] = session.Status{Active: false}
	f.engine.Poll()
	f.advance(3 * time.Second)
	f.engine.Poll()

	assert.Equal(t, int64(0), f.notifier.last.SpentToday)
	assert.Equal(t, int64(3), f.notifier.last.InactiveSession)
}

func TestPoll_LogoutFlushesAndRecords(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	f.advance(3 * time.Second)
	f.engine.Poll()

	f.sessions.users = nil
	f.advance(3 * time.Second)
	f.engine.Poll()

	assert.Empty(t, f.engine.Users())
	ctl, _, err := f.controls.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ctl.SpentDay)
	assert.Equal(t, history.Day{User: "alice", Date: "2024-06-03", Spent: 3}, f.history.days["alice/2024-06-03"])
}

func TestPoll_ThresholdPopups(t *testing.T) {
	f := newFixture(t)
	f.limit(t, "alice", 601)

	f.engine.Poll()
	require.Equal(t, []time.Duration{601 * time.Second}, f.notifier.popups)

	f.advance(3 * time.Second)
	f.engine.Poll()
	assert.Equal(t, []time.Duration{601 * time.Second, 598 * time.Second}, f.notifier.popups)

	f.advance(3 * time.Second)
	f.engine.Poll()
	assert.Len(t, f.notifier.popups, 2)
}

func TestPoll_PopupsBeforeFreeWindowEnds(t *testing.T) {
	f := newFixture(t)
	snap, err := f.configs.Defaults()
	require.NoError(t, err)
	snap.Hours[0], err = config.HoursFromRanges([]config.TimeRange{{Start: 9 * 60, End: 10 * 60, Unaccounted: true}})
	require.NoError(t, err)
	_, err = f.configs.Save("alice", snap)
	require.NoError(t, err)
	f.now = time.Date(2024, 6, 3, 9, 49, 58, 0, time.UTC)

	f.engine.Poll()
	require.Equal(t, []time.Duration{602 * time.Second}, f.notifier.popups)

	f.advance(3 * time.Second)
	f.engine.Poll()
	assert.Equal(t, []time.Duration{602 * time.Second, 599 * time.Second}, f.notifier.popups)
	assert.Equal(t, 0, f.engine.machine.Len())

	left, err := f.engine.TimeLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), left.LeftToday)
	assert.Equal(t, int64(599), left.LeftContinuous)
	assert.True(t, left.Unaccounted)
}

func TestPoll_ConnectionLoss(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	require.Len(t, f.engine.Users(), 1)

	f.sessions.connected = false
	f.sessions.reconnectErr = errors.New("bus gone")
	f.advance(3 * time.Second)
	f.engine.Poll()
	assert.Empty(t, f.engine.Users())

	f.sessions.reconnectErr = nil
	f.advance(3 * time.Second)
	f.engine.Poll()
	assert.Equal(t, []string{"alice"}, f.engine.Users())
}

func TestManagerRestarted_ResetsUsers(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	f.advance(3 * time.Second)
	f.engine.Poll()

	f.engine.ManagerRestarted()
	f.advance(3 * time.Second)
	f.engine.Poll()

	// rediscovered with the flushed counters, a fresh session
	left, err := f.engine.TimeLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), left.SpentToday)
	assert.Equal(t, int64(0), left.SpentSession)
}

func TestPrepareForSleep_Flushes(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	f.advance(3 * time.Second)
	f.engine.Poll()

	f.engine.PrepareForSleep(true)
	ctl, _, err := f.controls.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ctl.SpentDay)
}

func TestPrepareForSleep_ResumeKicksTwice(t *testing.T) {
	f := newFixture(t)
	resumeSettle = 10 * time.Millisecond
	t.Cleanup(func() { resumeSettle = 5 * time.Second })

	f.engine.PrepareForSleep(false)
	for i := 0; i < 2; i++ {
		select {
		case <-f.engine.kick:
		case <-time.After(time.Second):
			t.Fatalf("kick %d not delivered", i+1)
		}
	}
	f.engine.mu.Lock()
	h := f.engine.resumed
	f.engine.mu.Unlock()
	<-h.Done()
}

func TestPrepareForSleep_SuspendCancelsResumeKick(t *testing.T) {
	f := newFixture(t)
	resumeSettle = time.Hour
	t.Cleanup(func() { resumeSettle = 5 * time.Second })

	f.engine.PrepareForSleep(false)
	<-f.engine.kick
	h := f.engine.resumed
	require.NotNil(t, h)

	f.engine.PrepareForSleep(true)
	<-h.Done()
	assert.Nil(t, f.engine.resumed)
	assert.Empty(t, f.engine.kick)
}

func TestEscalation_Terminates(t *testing.T) {
	f := newFixture(t)
	f.limit(t, "alice", 10)

	f.engine.Poll()
	st, err := f.engine.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, restrict.Warned.String(), st.Restriction)
	assert.Equal(t, int64(15), st.Countdown)

	for i := 0; i < 15; i++ {
		f.tick()
	}
	assert.Equal(t, 1, f.sessions.count("terminate alice"))
	assert.Len(t, f.notifier.warnings, 11)
	assert.Equal(t, int64(0), f.notifier.warnings[len(f.notifier.warnings)-1])

	st, err = f.engine.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, restrict.Enforcing.String(), st.Restriction)
}

func TestEscalation_LiftedByGrant(t *testing.T) {
	f := newFixture(t)
	f.limit(t, "alice", 10)
	f.engine.Poll()
	require.Equal(t, 1, f.engine.machine.Len())

	require.NoError(t, f.engine.SetTimeLeft("alice", "+", 600))
	f.advance(3 * time.Second)
	f.engine.Poll()
	f.tick()

	assert.Equal(t, 0, f.engine.machine.Len())
	assert.Empty(t, f.sessions.calls)
}

func TestEscalation_StaleScheduleDropped(t *testing.T) {
	f := newFixture(t)
	f.limit(t, "alice", 10)
	f.engine.Poll()
	stale := f.engine.escalation
	require.NotNil(t, stale)

	f.engine.ManagerRestarted()
	f.advance(3 * time.Second)
	f.engine.Poll()
	current := f.engine.escalation
	require.NotNil(t, current)
	require.NotSame(t, stale, current)
	<-stale.Done()

	f.engine.mu.Lock()
	f.engine.escalateLocked(stale)
	f.engine.mu.Unlock()

	st, err := f.engine.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(15), st.Countdown)
	assert.Same(t, current, f.engine.escalation)
	assert.True(t, current.Active())
}

func TestSetTimeLeft_Tracked(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	f.advance(3 * time.Second)
	f.engine.Poll()

	require.NoError(t, f.engine.SetTimeLeft("alice", "+", 600))
	left, err := f.engine.TimeLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(-597), left.SpentBalance)
	assert.Equal(t, int64(3), left.SpentToday)
	assert.Equal(t, int64(-597), left.SpentWeek)
	assert.Equal(t, int64(-597), left.SpentMonth)
	assert.Equal(t, 1, f.notifier.leftChanged)

	require.NoError(t, f.engine.SetTimeLeft("alice", "-", 97))
	left, err = f.engine.TimeLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(-500), left.SpentBalance)

	require.NoError(t, f.engine.SetTimeLeft("alice", "=", 3600))
	left, err = f.engine.TimeLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(24*3600-3600), left.SpentBalance)
	assert.Equal(t, int64(3), left.SpentToday)

	ctl, _, err := f.controls.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(24*3600-3600), ctl.SpentBalance)
}

func TestSetTimeLeft_Untracked(t *testing.T) {
	f := newFixture(t)
	f.limit(t, "bob", 7200)

	require.NoError(t, f.engine.SetTimeLeft("bob", "=", 1800))
	ctl, _, err := f.controls.Load("bob")
	require.NoError(t, err)
	assert.Equal(t, int64(5400), ctl.SpentBalance)
	assert.Equal(t, int64(5400), ctl.SpentWeek)

	left, err := f.engine.TimeLeft("bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), left.LeftToday)
}

func TestSetTimeLeft_Validation(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()

	assert.ErrorIs(t, f.engine.SetTimeLeft("alice", "*", 10), ErrValidation)
	assert.ErrorIs(t, f.engine.SetTimeLeft("alice", "+", -1), ErrValidation)
	assert.ErrorIs(t, f.engine.SetTimeLeft("alice", "+", 86401), ErrValidation)
	assert.ErrorIs(t, f.engine.SetTimeLeft("carol", "+", 10), ErrNotFound)
}

func TestSetters_UpdateTrackedUser(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	limitsBefore := f.notifier.timeLimits

	require.NoError(t, f.engine.SetAllowedHours("alice", 1, []config.TimeRange{{Start: 9 * 60, End: 10 * 60}}))
	assert.Equal(t, 1, f.notifier.configChanged)
	assert.Equal(t, limitsBefore+1, f.notifier.timeLimits)

	limits, err := f.engine.TimeLimits("alice")
	require.NoError(t, err)
	assert.Equal(t, []accounting.Interval{{Start: 9 * 3600, End: 10 * 3600}}, limits.Days[0].Intervals)

	// noon Monday is now outside the allowed hours
	left, err := f.engine.TimeLeft("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), left.LeftToday)

	require.NoError(t, f.engine.SetTimeLimitForWeek("alice", 3600))
	require.NoError(t, f.engine.SetTimeLimitForMonth("alice", 7200))
	require.NoError(t, f.engine.SetTrackInactive("alice", true))
	require.NoError(t, f.engine.SetLockoutType("alice", "suspendwake", 7, 21))
	require.NoError(t, f.engine.SetAllowedDays("alice", []int{1, 2, 3}))
	require.NoError(t, f.engine.SetTimeLimitForDays("alice", []int64{60, 120, 180, 240, 300, 360, 420}))

	snap, _, err := f.configs.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), snap.WeeklyLimit)
	assert.Equal(t, int64(7200), snap.MonthlyLimit)
	assert.True(t, snap.TrackInactive)
	assert.Equal(t, session.LockoutSuspendWake, snap.Lockout)
	assert.Equal(t, 7, snap.WakeFrom)
	assert.Equal(t, 21, snap.WakeTo)
	assert.Equal(t, [7]bool{true, true, true}, snap.AllowedDays)
	assert.Equal(t, [7]int64{60, 120, 180, 240, 300, 360, 420}, snap.DailyLimit)

	st, err := f.engine.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, session.LockoutSuspendWake, st.Lockout)
}

func TestSetters_Validation(t *testing.T) {
	f := newFixture(t)
	f.limit(t, "bob", 3600)
	before, _, err := f.configs.Load("bob")
	require.NoError(t, err)

	e := f.engine
	assert.ErrorIs(t, e.SetAllowedDays("bob", []int{0}), ErrValidation)
	assert.ErrorIs(t, e.SetAllowedDays("bob", []int{8}), ErrValidation)
	assert.ErrorIs(t, e.SetAllowedHours("bob", 8, nil), ErrValidation)
	assert.ErrorIs(t, e.SetAllowedHours("bob", 1, []config.TimeRange{{Start: 60, End: 180}, {Start: 120, End: 240}}), ErrValidation)
	assert.ErrorIs(t, e.SetTimeLimitForDays("bob", []int64{1, 2, 3}), ErrValidation)
	assert.ErrorIs(t, e.SetTimeLimitForDays("bob", []int64{0, 0, 0, 0, 0, 0, 86401}), ErrValidation)
	assert.ErrorIs(t, e.SetTimeLimitForWeek("bob", -1), ErrValidation)
	assert.ErrorIs(t, e.SetTimeLimitForMonth("bob", 32*86400), ErrValidation)
	assert.ErrorIs(t, e.SetLockoutType("bob", "reboot", 0, 23), ErrValidation)
	assert.ErrorIs(t, e.SetLockoutType("bob", "lock", 22, 5), ErrValidation)
	assert.ErrorIs(t, e.SetTrackInactive("carol", true), ErrNotFound)

	after, _, err := f.configs.Load("bob")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetters_Untracked(t *testing.T) {
	f := newFixture(t)
	f.limit(t, "bob", 3600)

	require.NoError(t, f.engine.SetHideIcon("bob", true))
	snap, _, err := f.configs.Load("bob")
	require.NoError(t, err)
	assert.True(t, snap.HideIcon)
	assert.Equal(t, 0, f.notifier.configChanged)
}

func TestQueries_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.TimeLeft("carol")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.TimeLimits("carol")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Status("carol")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.engine.RequestTimeLeft("carol"), ErrNotFound)
	assert.ErrorIs(t, f.engine.RequestTimeLimits("carol"), ErrNotFound)
}

func TestStatus_NotConnected(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	f.sessions.connected = false

	_, err := f.engine.Status("alice")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestTimeLeft(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	sent := f.notifier.timeLeft

	require.NoError(t, f.engine.RequestTimeLeft("alice"))
	require.NoError(t, f.engine.RequestTimeLimits("alice"))
	assert.Equal(t, sent+1, f.notifier.timeLeft)

	f.notifier.err = errors.New("no bus")
	assert.ErrorIs(t, f.engine.RequestTimeLeft("alice"), ErrNotConnected)
}

func TestUsageHistory(t *testing.T) {
	f := newFixture(t)
	f.engine.Poll()
	f.advance(3 * time.Second)
	f.engine.Poll()

	_, err := f.engine.UsageHistory(context.Background(), "alice", 0)
	assert.ErrorIs(t, err, ErrValidation)

	days, err := f.engine.UsageHistory(context.Background(), "alice", 7)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, int64(3), days[0].Spent)
}

func TestAdjustControl(t *testing.T) {
	base := state.Control{SpentBalance: 100, SpentDay: 100, SpentWeek: 1000, SpentMonth: 5000}

	got := adjustControl(base, "+", 60, 3600)
	assert.Equal(t, state.Control{SpentBalance: 40, SpentDay: 100, SpentWeek: 940, SpentMonth: 4940}, got)

	got = adjustControl(base, "-", 60, 3600)
	assert.Equal(t, state.Control{SpentBalance: 160, SpentDay: 100, SpentWeek: 1060, SpentMonth: 5060}, got)

	got = adjustControl(base, "=", 600, 3600)
	assert.Equal(t, state.Control{SpentBalance: 3000, SpentDay: 100, SpentWeek: 3900, SpentMonth: 7900}, got)
}
