package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/accounting"
	"github.com/SoarinFerret/TimeWarden/internal/activity"
	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/eval"
	"github.com/SoarinFerret/TimeWarden/internal/history"
	"github.com/SoarinFerret/TimeWarden/internal/restrict"
	"github.com/SoarinFerret/TimeWarden/internal/session"
	"github.com/SoarinFerret/TimeWarden/internal/timer"
)

const nobodyUID = 65534

var escalationInterval = time.Second

// logind reports resume before sessions and screen locks have settled
var resumeSettle = 5 * time.Second

// SessionManager is the login manager as seen by the engine.
type SessionManager interface {
	restrict.Actions
	ListUsers() ([]session.User, error)
	Status(user session.User, trackInactive bool) (session.Status, error)
	Connected() bool
	Reconnect() error
}

// Notifier delivers events to the user's clients.
type Notifier interface {
	TimeLeft(u session.User, p eval.Priority, tl accounting.TimeLeft) error
	TimeLimits(u session.User, tl accounting.TimeLimits) error
	FinalWarning(u session.User, kind session.Lockout, secondsLeft int64) error
	TimeLeftChanged(u session.User) error
	ConfigChanged(u session.User) error
	NoLimitToday(u session.User) error
	Popup(u session.User, left time.Duration, p eval.Priority) error
}

// History stores daily usage totals.
type History interface {
	Record(ctx context.Context, user string, date time.Time, spent, inactive int64) error
	Recent(ctx context.Context, user string, days int) ([]history.Day, error)
}

// Options wires the engine to its collaborators.
type Options struct {
	Daemon   config.Daemon
	Configs  accounting.ConfigStore
	Controls accounting.ControlStore
	Sessions SessionManager
	Notifier Notifier
	Activity activity.Filter // optional
	History  History         // optional
	Clock    func() time.Time
}

type tracked struct {
	acct *accounting.User
	// continuous time left at the previous threshold check
	lastLeft   int64
	noLimitDay time.Time
	status     session.Status
}

// Engine tracks logged-in users, accounts their time and enforces limits.
type Engine struct {
	mu sync.Mutex

	daemon   config.Daemon
	configs  accounting.ConfigStore
	controls accounting.ControlStore
	sessions SessionManager
	notifier Notifier
	activity activity.Filter
	history  History
	now      func() time.Time

	users      map[uint32]*tracked
	machine    *restrict.Machine
	escalation *timer.Handle
	resumed    *timer.Handle
	excluded   map[string]bool
	needReset  bool

	kick chan struct{}
}

// New creates an engine. Nothing runs until Run or Poll is called.
func New(opts Options) *Engine {
	e := &Engine{
		daemon:   opts.Daemon,
		configs:  opts.Configs,
		controls: opts.Controls,
		sessions: opts.Sessions,
		notifier: opts.Notifier,
		activity: opts.Activity,
		history:  opts.History,
		now:      opts.Clock,
		users:    make(map[uint32]*tracked),
		excluded: make(map[string]bool),
		kick:     make(chan struct{}, 1),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.activity == nil {
		e.activity = activity.Nop{}
	}
	for _, name := range opts.Daemon.ExcludedUsers {
		e.excluded[name] = true
	}
	params := restrict.DefaultParams(e.poll(), time.Duration(e.daemon.TerminationTime), time.Duration(e.daemon.FinalWarningTime))
	e.machine = restrict.New(params, e.sessions, host{e})
	return e
}

func (e *Engine) poll() time.Duration {
	return time.Duration(e.daemon.PollInterval)
}

// Run polls until ctx is done, then flushes every user.
func (e *Engine) Run(ctx context.Context) error {
	log.Println("Engine started - monitoring sessions...")
	poll := e.poll()

	for {
		start := time.Now()
		e.Poll()
		wait := max(poll-time.Since(start), poll/2)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Println("Engine shutting down...")
			e.Shutdown()
			return nil
		case <-e.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

// Kick requests an immediate poll.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SessionsChanged implements loginctl.Handler.
func (e *Engine) SessionsChanged() { e.Kick() }

// PrepareForSleep implements loginctl.Handler. Counters are flushed before
// suspend; the time asleep is discarded as a clock anomaly on resume. On
// resume the engine polls at once and again after resumeSettle.
func (e *Engine) PrepareForSleep(sleeping bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resumed != nil {
		e.resumed.Cancel()
		e.resumed = nil
	}
	if !sleeping {
		e.Kick()
		e.resumed = timer.Once(resumeSettle, e.Kick)
		return
	}
	now := e.now()
	for _, t := range e.users {
		if err := t.acct.Flush(now); err != nil {
			log.Printf("sleep: %v", err)
		}
	}
}

// ManagerRestarted implements loginctl.Handler.
func (e *Engine) ManagerRestarted() {
	e.mu.Lock()
	e.needReset = true
	e.mu.Unlock()
	e.Kick()
}

// Shutdown stops escalation and flushes every tracked user.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopEscalationLocked()
	if e.resumed != nil {
		e.resumed.Cancel()
		e.resumed = nil
	}
	now := e.now()
	for _, t := range e.users {
		e.flushLocked(t, now)
	}
}

// Poll runs one iteration: discovery, per-user accounting, restriction
// evaluation.
func (e *Engine) Poll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	if e.needReset || !e.sessions.Connected() {
		log.Println("Login manager connection reset, dropping all users")
		e.resetLocked(now)
		if !e.sessions.Connected() {
			if err := e.sessions.Reconnect(); err != nil {
				log.Printf("poll: %v", err)
				return
			}
		}
		e.needReset = false
	}

	listed, err := e.sessions.ListUsers()
	if err != nil {
		log.Printf("poll: failed to list users: %v", err)
		return
	}
	e.discoverLocked(now, listed)

	for _, uid := range e.sortedUIDs() {
		e.processLocked(now, e.users[uid])
	}

	if e.machine.Len() > 0 {
		e.startEscalationLocked()
	}
}

func (e *Engine) sortedUIDs() []uint32 {
	uids := make([]uint32, 0, len(e.users))
	for uid := range e.users {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (e *Engine) eligible(u session.User) bool {
	return u.UID >= e.daemon.MinUID && u.UID != nobodyUID && !e.excluded[u.Name]
}

func (e *Engine) discoverLocked(now time.Time, listed []session.User) {
	present := make(map[uint32]bool, len(listed))
	for _, u := range listed {
		if !e.eligible(u) {
			continue
		}
		present[u.UID] = true
		if _, ok := e.users[u.UID]; ok {
			continue
		}

		acct, err := accounting.New(u, e.configs, e.controls, e.accountingOptions(), now)
		if err != nil {
			log.Printf("poll: user %s: failed to start tracking: %v", u.Name, err)
			continue
		}
		e.users[u.UID] = &tracked{acct: acct, lastLeft: math.MaxInt64}
		log.Printf("Tracking user %s", u)
		e.pushLimits(acct)
	}

	for uid, t := range e.users {
		if !present[uid] {
			log.Printf("User %s has no sessions left", t.acct.Info)
			e.dropLocked(t, now)
		}
	}
}

func (e *Engine) accountingOptions() accounting.Options {
	return accounting.Options{
		Poll:     e.poll(),
		Save:     time.Duration(e.daemon.SaveInterval),
		Activity: e.activity,
		Events:   events{e},
	}
}

func (e *Engine) flushLocked(t *tracked, now time.Time) {
	if err := t.acct.Flush(now); err != nil {
		log.Printf("flush: %v", err)
	}
	e.recordLocked(t.acct.Info.Name, t.acct.Ledger.Date, t.acct.Ledger.SpentDay, t.acct.Ledger.DayInactive())
}

func (e *Engine) recordLocked(name string, date time.Time, spent, inactive int64) {
	if e.history == nil || date.IsZero() {
		return
	}
	if err := e.history.Record(context.Background(), name, date, spent, inactive); err != nil {
		log.Printf("history: %v", err)
	}
}

func (e *Engine) dropLocked(t *tracked, now time.Time) {
	e.flushLocked(t, now)
	e.machine.Remove(t.acct.Info.UID)
	delete(e.users, t.acct.Info.UID)
}

func (e *Engine) resetLocked(now time.Time) {
	e.stopEscalationLocked()
	for _, t := range e.users {
		e.dropLocked(t, now)
	}
	e.machine.Reset()
}

// processLocked runs one tick for one user. Failures are logged and leave
// the user's state as it was.
func (e *Engine) processLocked(now time.Time, t *tracked) {
	u := t.acct
	defer func() {
		if r := recover(); r != nil {
			log.Printf("poll: user %s: panic: %v", u.Info.Name, r)
		}
	}()

	if _, err := u.ReloadConfig(now, false); err != nil {
		log.Printf("poll: user %s: %v", u.Info.Name, err)
	}
	if _, err := u.ReloadControl(now, true, false); err != nil {
		log.Printf("poll: user %s: %v", u.Info.Name, err)
	}

	st, err := e.sessions.Status(u.Info, u.Config.TrackInactive)
	if err != nil {
		log.Printf("poll: user %s: status failed: %v", u.Info.Name, err)
		return
	}
	t.status = st

	act, ro, err := u.Tick(now, st)
	if err != nil {
		log.Printf("poll: user %s: %v", u.Info.Name, err)
	}
	if ro.DayChanged {
		e.recordLocked(u.Info.Name, ro.PrevDate, ro.PrevSpent, ro.PrevInactive)
	}

	tl := u.TimeLeft(now)
	final := time.Duration(e.daemon.FinalNotificationTime)
	prio := eval.PriorityFor(tl.LeftContinuous, final)
	if e.daemon.Debug {
		log.Printf("DEBUG: %s active=%t locked=%t today=%d continuous=%d priority=%s",
			u.Info.Name, act.Effective, act.ScreenLocked, tl.LeftToday, tl.LeftContinuous, prio)
	}
	if err := e.notifier.TimeLeft(u.Info, prio, tl); err != nil && e.daemon.Debug {
		log.Printf("DEBUG: %v", err)
	}

	dayStart := u.Ledger.Date
	switch {
	case tl.Unlimited:
		if !t.noLimitDay.Equal(dayStart) {
			t.noLimitDay = dayStart
			if err := e.notifier.NoLimitToday(u.Info); err != nil {
				log.Printf("poll: user %s: %v", u.Info.Name, err)
			}
		}
		t.lastLeft = math.MaxInt64
	default:
		e.thresholdPopup(t, tl.LeftContinuous, u.Config.NotifyBefore, final)
	}

	active := act.Actual
	if u.Config.ActivityOverride {
		active = act.Effective
	}
	e.machine.Evaluate(u.Info, u.Config.Lockout, u.Config.ActivityOverride, restrict.Status{
		ContinuousLeft: tl.LeftContinuous,
		TodayLeft:      tl.LeftToday,
		Unaccounted:    tl.Unaccounted,
		Active:         active,
		ScreenLocked:   act.ScreenLocked,
	})
}

func (e *Engine) thresholdPopup(t *tracked, left int64, notifyBefore []time.Duration, final time.Duration) {
	prev := t.lastLeft
	t.lastLeft = left
	if _, ok := eval.Crossed(prev, left, notifyBefore, final); !ok {
		return
	}
	info := t.acct.Info
	remaining := time.Duration(left) * time.Second
	prio := eval.PriorityFor(left, final)
	if err := e.notifier.Popup(info, remaining, prio); err != nil {
		log.Printf("Failed to send notification to %s: %v", info.Name, err)
		return
	}
	log.Printf("Sent notification to %s: %s remaining", info.Name, remaining)
}

func (e *Engine) pushLimits(u *accounting.User) {
	if err := e.notifier.TimeLimits(u.Info, u.TimeLimits()); err != nil && e.daemon.Debug {
		log.Printf("DEBUG: %v", err)
	}
}

func (e *Engine) startEscalationLocked() {
	if e.escalation != nil && e.escalation.Active() {
		return
	}
	var h *timer.Handle
	h = timer.Every(escalationInterval, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.escalateLocked(h)
	})
	e.escalation = h
}

func (e *Engine) stopEscalationLocked() {
	if e.escalation != nil {
		e.escalation.Cancel()
		e.escalation = nil
	}
}

// escalateLocked runs one tick of schedule h. Ticks of a schedule that has
// since been stopped or replaced are dropped.
func (e *Engine) escalateLocked(h *timer.Handle) {
	if h != e.escalation {
		return
	}
	if e.Step() == 0 {
		e.stopEscalationLocked()
	}
}

// Step runs one escalation tick. The caller must hold the engine lock or
// otherwise own the engine exclusively.
func (e *Engine) Step() (left int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("escalation: panic: %v", r)
			left = e.machine.Len()
		}
	}()
	return e.machine.Step()
}

// host supplies the per-user side effects of the restriction machine. It
// runs with the engine lock held.
type host struct{ e *Engine }

func (h host) SaveControl(user session.User) error {
	t, ok := h.e.users[user.UID]
	if !ok {
		return fmt.Errorf("user %s not tracked", user.Name)
	}
	return t.acct.Flush(h.e.now())
}

func (h host) NextWake(user session.User) (time.Time, bool) {
	t, ok := h.e.users[user.UID]
	if !ok {
		return time.Time{}, false
	}
	cfg := t.acct.Config
	return t.acct.Ledger.NextAvailable(h.e.now(), cfg.WakeFrom, cfg.WakeTo)
}

func (h host) FinalWarning(user session.User, kind session.Lockout, secondsLeft int64) {
	if err := h.e.notifier.FinalWarning(user, kind, secondsLeft); err != nil {
		log.Printf("escalation: user %s: %v", user.Name, err)
	}
}

func (h host) KillActivity(user session.User) error {
	t, ok := h.e.users[user.UID]
	if !ok {
		return fmt.Errorf("user %s not tracked", user.Name)
	}
	return h.e.activity.Kill(user, t.acct.Config.RestrictedActivities)
}

// events forwards reload notifications. It runs with the engine lock held.
type events struct{ e *Engine }

func (ev events) ConfigChanged(user session.User) {
	if err := ev.e.notifier.ConfigChanged(user); err != nil {
		log.Printf("user %s: %v", user.Name, err)
	}
	if t, ok := ev.e.users[user.UID]; ok {
		ev.e.pushLimits(t.acct)
	}
}

func (ev events) TimeLeftChanged(user session.User) {
	if err := ev.e.notifier.TimeLeftChanged(user); err != nil {
		log.Printf("user %s: %v", user.Name, err)
	}
}
