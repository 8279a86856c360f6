// Package restrict escalates users whose time is running out from a warning
// countdown to the configured lockout.
package restrict

import (
	"log"
	"sort"
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/session"
)

// State is the escalation stage of one user.
type State int

const (
	Normal State = iota
	Warned
	FinalCountdown
	Enforcing
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Warned:
		return "warned"
	case FinalCountdown:
		return "final-countdown"
	case Enforcing:
		return "enforcing"
	}
	return "unknown"
}

// Status is the accounting view of a user as of the last poll.
type Status struct {
	ContinuousLeft int64
	TodayLeft      int64
	Unaccounted    bool
	Active         bool
	ScreenLocked   bool
}

// Actions are the session manager operations used for enforcement.
type Actions interface {
	Lock(user session.User) error
	Suspend(user session.User) error
	SetWakeAlarm(at time.Time) error
	Terminate(user session.User) error
	Kill(user session.User) error
	Shutdown() error
}

// Host provides the per-user side effects owned by the daemon.
type Host interface {
	// SaveControl flushes the user's counters before a session ending action.
	SaveControl(user session.User) error
	// NextWake returns when the user's time resumes, for suspend with wake.
	NextWake(user session.User) (time.Time, bool)
	FinalWarning(user session.User, kind session.Lockout, secondsLeft int64)
	KillActivity(user session.User) error
}

// Params are the escalation timings, in seconds and escalation ticks.
type Params struct {
	Termination  int64 // countdown starts at or below this much continuous time
	FinalWarning int64

	HardRetryTicks   int // between repeated terminate/kill/shutdown attempts
	LockCooldown     int
	SuspendLockDelay int // follow-up lock after a suspend
	SuspendCooldown  int
}

// DefaultParams derives the timings from the polling interval.
func DefaultParams(poll time.Duration, termination, finalWarning time.Duration) Params {
	p := int(poll / time.Second)
	if p < 1 {
		p = 1
	}
	return Params{
		Termination:      int64(termination / time.Second),
		FinalWarning:     int64(finalWarning / time.Second),
		HardRetryTicks:   5 * p,
		LockCooldown:     p,
		SuspendLockDelay: p,
		SuspendCooldown:  5 * p,
	}
}

// Record is the escalation of one user.
type Record struct {
	User     session.User
	Kind     session.Lockout
	Override bool // enforcement kills the restricted activity instead

	Countdown      int64
	RetryDelay     int
	SecondaryDelay int
	Status         Status
	WakeAt         time.Time

	enforced    bool
	pendingLock bool
}

// Machine tracks every restricted user. It is not safe for concurrent use.
type Machine struct {
	params  Params
	actions Actions
	host    Host
	records map[uint32]*Record
}

func New(params Params, actions Actions, host Host) *Machine {
	return &Machine{
		params:  params,
		actions: actions,
		host:    host,
		records: make(map[uint32]*Record),
	}
}

// Evaluate feeds the user's latest figures. A record is created when the
// user is active with no more continuous time than the termination
// threshold; an existing record only picks up the new status.
func (m *Machine) Evaluate(user session.User, kind session.Lockout, override bool, st Status) State {
	if rec, ok := m.records[user.UID]; ok {
		rec.Status = st
		return m.stateOf(rec)
	}
	if st.ContinuousLeft > m.params.Termination || st.Unaccounted || !st.Active {
		return Normal
	}

	rec := &Record{
		User:      user,
		Kind:      kind,
		Override:  override,
		Countdown: max(st.ContinuousLeft, m.params.Termination),
		Status:    st,
	}
	m.records[user.UID] = rec
	log.Printf("Restricting %s: %ds left, lockout %s", user, rec.Countdown, kind)
	return m.stateOf(rec)
}

// State reports the escalation stage of a user.
func (m *Machine) State(uid uint32) State {
	rec, ok := m.records[uid]
	if !ok {
		return Normal
	}
	return m.stateOf(rec)
}

// Record returns a copy of the user's record.
func (m *Machine) Record(uid uint32) (Record, bool) {
	rec, ok := m.records[uid]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Remove drops the user's record, if any.
func (m *Machine) Remove(uid uint32) {
	delete(m.records, uid)
}

// Reset drops every record.
func (m *Machine) Reset() {
	m.records = make(map[uint32]*Record)
}

// Len returns the number of restricted users.
func (m *Machine) Len() int {
	return len(m.records)
}

func (m *Machine) stateOf(rec *Record) State {
	switch {
	case rec.enforced:
		return Enforcing
	case rec.Countdown <= m.params.FinalWarning:
		return FinalCountdown
	default:
		return Warned
	}
}

// Step runs one escalation tick for every record and returns how many remain.
func (m *Machine) Step() int {
	uids := make([]uint32, 0, len(m.records))
	for uid := range m.records {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	for _, uid := range uids {
		rec := m.records[uid]
		if m.released(rec) {
			delete(m.records, uid)
			log.Printf("Restriction of %s lifted", rec.User)
			continue
		}

		rec.Countdown = max(rec.Countdown-1, 0)
		if rec.RetryDelay > 0 {
			rec.RetryDelay--
		}
		if rec.SecondaryDelay > 0 {
			rec.SecondaryDelay--
		}

		if rec.Countdown <= m.params.FinalWarning {
			m.warn(rec)
		}
		if rec.Countdown <= 0 {
			m.enforce(rec)
		}
	}
	return len(m.records)
}

func (m *Machine) released(rec *Record) bool {
	st := rec.Status
	term := m.params.Termination
	if rec.Kind.Hard() && ((!st.Active && st.TodayLeft > term) || st.Unaccounted) {
		return true
	}
	return st.ContinuousLeft > term || st.Unaccounted
}

func (m *Machine) warn(rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("final warning for %s failed: %v", rec.User, r)
		}
	}()
	m.host.FinalWarning(rec.User, rec.Kind, rec.Countdown)
}

func (m *Machine) enforce(rec *Record) {
	if rec.RetryDelay > 0 {
		m.followUpLock(rec)
		return
	}
	// an idle or locked session is rechecked once the delay runs out
	if rec.SecondaryDelay > 0 && !rec.pendingLock {
		return
	}
	st := rec.Status

	if rec.Override {
		rec.enforced = true
		log.Printf("Stopping restricted activity of %s", rec.User)
		if err := m.host.KillActivity(rec.User); err != nil {
			log.Printf("Failed to stop restricted activity of %s: %v", rec.User, err)
		}
		rec.RetryDelay = m.params.LockCooldown
		return
	}

	switch rec.Kind {
	case session.LockoutTerminate, session.LockoutKill, session.LockoutShutdown:
		rec.enforced = true
		if err := m.host.SaveControl(rec.User); err != nil {
			log.Printf("Failed to save control of %s before %s: %v", rec.User, rec.Kind, err)
		}
		log.Printf("Enforcing %s on %s", rec.Kind, rec.User)
		var err error
		switch rec.Kind {
		case session.LockoutTerminate:
			err = m.actions.Terminate(rec.User)
		case session.LockoutKill:
			err = m.actions.Kill(rec.User)
		case session.LockoutShutdown:
			err = m.actions.Shutdown()
		}
		if err != nil {
			log.Printf("Failed to %s %s: %v", rec.Kind, rec.User, err)
		}
		rec.RetryDelay = m.params.HardRetryTicks

	case session.LockoutLock:
		if !st.Active || st.ScreenLocked {
			rec.SecondaryDelay = m.params.LockCooldown
			return
		}
		rec.enforced = true
		log.Printf("Locking %s", rec.User)
		if err := m.actions.Lock(rec.User); err != nil {
			log.Printf("Failed to lock %s: %v", rec.User, err)
		}
		rec.RetryDelay = m.params.LockCooldown

	case session.LockoutSuspend, session.LockoutSuspendWake:
		if !st.Active || st.ScreenLocked {
			rec.SecondaryDelay = m.params.LockCooldown
			return
		}
		rec.enforced = true
		if rec.Kind == session.LockoutSuspendWake {
			if at, ok := m.host.NextWake(rec.User); ok {
				if err := m.actions.SetWakeAlarm(at); err != nil {
					log.Printf("Failed to set wake alarm for %s: %v", rec.User, err)
				} else {
					rec.WakeAt = at
				}
			}
		}
		log.Printf("Suspending for %s", rec.User)
		if err := m.actions.Suspend(rec.User); err != nil {
			log.Printf("Failed to suspend for %s: %v", rec.User, err)
		}
		rec.SecondaryDelay = m.params.SuspendLockDelay
		rec.pendingLock = true
		rec.RetryDelay = m.params.SuspendCooldown
	}
}

// followUpLock locks the session a few ticks after a suspend that did not
// take effect.
func (m *Machine) followUpLock(rec *Record) {
	if !rec.pendingLock || rec.SecondaryDelay > 0 {
		return
	}
	rec.pendingLock = false
	st := rec.Status
	if !st.Active || st.ScreenLocked {
		return
	}
	log.Printf("Locking %s after suspend", rec.User)
	if err := m.actions.Lock(rec.User); err != nil {
		log.Printf("Failed to lock %s: %v", rec.User, err)
	}
}
