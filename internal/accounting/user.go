// Package accounting runs one polling tick's worth of bookkeeping for a
// tracked user and reconciles the in-memory ledger with the stores.
package accounting

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/ledger"
	"github.com/SoarinFerret/TimeWarden/internal/session"
	"github.com/SoarinFerret/TimeWarden/internal/state"
)

// ConfigStore persists per-user policies.
type ConfigStore interface {
	Defaults() (config.Snapshot, error)
	Load(user string) (config.Snapshot, time.Time, error)
	Save(user string, snap config.Snapshot) (time.Time, error)
	Modified(user string) (time.Time, error)
}

// ControlStore persists per-user spent counters.
type ControlStore interface {
	Load(user string) (state.Control, time.Time, error)
	Save(user string, c state.Control) (time.Time, error)
	Modified(user string) (time.Time, error)
}

// ActivityProbe reports whether one of the named restricted activities runs.
type ActivityProbe interface {
	Running(user session.User, names []string) (bool, error)
}

// Events receives change notifications from reloads.
type Events interface {
	ConfigChanged(user session.User)
	TimeLeftChanged(user session.User)
}

// Options configures a User.
type Options struct {
	Poll     time.Duration
	Save     time.Duration
	Activity ActivityProbe // optional
	Events   Events        // optional
}

// Activity is the outcome of the activity checks of one tick.
type Activity struct {
	// Effective is what accounting used; it differs from Actual only when the
	// restricted-activity override is configured.
	Effective    bool
	Actual       bool
	ScreenLocked bool
}

// User is the accounting state of one tracked account.
type User struct {
	Info   session.User
	Config config.Snapshot
	Ledger *ledger.Ledger

	configs  ConfigStore
	controls ControlStore
	opts     Options

	configStamp  time.Time
	controlStamp time.Time
	lastSave     time.Time
	saved        state.Control
}

// New loads the user's policy and counters, creating both from the defaults
// when missing. The counters are rolled to now; the time since they were last
// checked is not charged.
func New(info session.User, configs ConfigStore, controls ControlStore, opts Options, now time.Time) (*User, error) {
	return load(info, configs, controls, opts, now, true)
}

// Open is New for users the daemon does not track: nothing is created and a
// missing policy yields config.ErrNotFound.
func Open(info session.User, configs ConfigStore, controls ControlStore, opts Options, now time.Time) (*User, error) {
	u, err := load(info, configs, controls, opts, now, false)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func load(info session.User, configs ConfigStore, controls ControlStore, opts Options, now time.Time, create bool) (*User, error) {
	u := &User{
		Info:     info,
		Ledger:   ledger.New(opts.Poll),
		configs:  configs,
		controls: controls,
		opts:     opts,
		lastSave: now,
	}

	snap, stamp, err := configs.Load(info.Name)
	switch {
	case errors.Is(err, config.ErrNotFound) && create:
		snap, err = configs.Defaults()
		if err != nil {
			return nil, fmt.Errorf("resolve default policy: %w", err)
		}
		stamp, err = configs.Save(info.Name, snap)
		if err != nil {
			return nil, fmt.Errorf("create policy for %s: %w", info.Name, err)
		}
		log.Printf("Created default policy for %s", info.Name)
	case errors.Is(err, config.ErrNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("load policy for %s: %w", info.Name, err)
	}
	u.Config = snap
	u.configStamp = stamp
	u.Ledger.RebuildFromConfig(snap)

	ctl, stamp, err := controls.Load(info.Name)
	switch {
	case errors.Is(err, state.ErrNotFound):
		ctl = state.Control{LastChecked: now}
		if create {
			stamp, err = controls.Save(info.Name, ctl)
			if err != nil {
				return nil, fmt.Errorf("create control for %s: %w", info.Name, err)
			}
		}
	case err != nil:
		return nil, fmt.Errorf("load control for %s: %w", info.Name, err)
	}
	u.controlStamp = stamp
	u.saved = ctl
	u.Ledger.LoadControl(ctl, now)
	u.Ledger.Resume(now)
	u.Ledger.RecalculateLeft(now)
	return u, nil
}

// Tick accounts the time since the previous tick and persists the counters
// when the save interval elapsed or the day changed. The rollover is returned
// even when saving failed.
func (u *User) Tick(now time.Time, st session.Status) (Activity, ledger.Rollover, error) {
	act := u.activity(st)
	ro := u.Ledger.ApplyElapsed(now, act.Effective)
	u.Ledger.RecalculateLeft(now)

	if ro.DayChanged || now.Sub(u.lastSave) >= u.opts.Save {
		if err := u.Flush(now); err != nil {
			return act, ro, err
		}
	}
	return act, ro, nil
}

func (u *User) activity(st session.Status) Activity {
	act := Activity{Effective: st.Active, Actual: st.Active, ScreenLocked: st.ScreenLocked}
	if !u.Config.ActivityOverride || u.opts.Activity == nil {
		return act
	}
	running, err := u.opts.Activity.Running(u.Info, u.Config.RestrictedActivities)
	if err != nil {
		log.Printf("activity probe for %s failed: %v", u.Info.Name, err)
		return act
	}
	act.Effective = running
	return act
}

// Flush writes the current counters.
func (u *User) Flush(now time.Time) error {
	ctl := u.Ledger.Control()
	stamp, err := u.controls.Save(u.Info.Name, ctl)
	if err != nil {
		return fmt.Errorf("save control for %s: %w", u.Info.Name, err)
	}
	u.saved = ctl
	u.controlStamp = stamp
	u.lastSave = now
	return nil
}

// InvalidateConfig forces the next ReloadConfig to read the store.
func (u *User) InvalidateConfig() { u.configStamp = time.Time{} }

// InvalidateControl forces the next ReloadControl to read the store.
func (u *User) InvalidateControl() { u.controlStamp = time.Time{} }

// ReloadConfig re-reads the policy if its marker advanced and rebuilds the
// grid. It reports whether anything was reloaded.
func (u *User) ReloadConfig(now time.Time, silent bool) (bool, error) {
	mod, err := u.configs.Modified(u.Info.Name)
	if err != nil {
		return false, fmt.Errorf("stat policy for %s: %w", u.Info.Name, err)
	}
	if !mod.After(u.configStamp) {
		return false, nil
	}

	snap, stamp, err := u.configs.Load(u.Info.Name)
	if err != nil {
		return false, fmt.Errorf("reload policy for %s: %w", u.Info.Name, err)
	}
	u.Config = snap
	u.configStamp = stamp
	u.Ledger.RebuildFromConfig(snap)
	u.Ledger.RecalculateLeft(now)

	if !silent && u.opts.Events != nil {
		u.opts.Events.ConfigChanged(u.Info)
	}
	return true, nil
}

// ReloadControl re-reads the counters if their marker advanced. With
// preserveSpent the usage accumulated since the last flush is added on top of
// the stored values.
func (u *User) ReloadControl(now time.Time, preserveSpent, silent bool) (bool, error) {
	mod, err := u.controls.Modified(u.Info.Name)
	if err != nil {
		return false, fmt.Errorf("stat control for %s: %w", u.Info.Name, err)
	}
	if !mod.After(u.controlStamp) {
		return false, nil
	}

	loaded, stamp, err := u.controls.Load(u.Info.Name)
	if err != nil {
		return false, fmt.Errorf("reload control for %s: %w", u.Info.Name, err)
	}

	merged := loaded
	if preserveSpent {
		merged = loaded.Add(u.Ledger.Control().Sub(u.saved))
	}
	merged.LastChecked = u.Ledger.LastChecked
	u.Ledger.LoadControl(merged, now)
	u.Ledger.RecalculateLeft(now)
	u.saved = loaded
	u.controlStamp = stamp

	if !silent && u.opts.Events != nil {
		u.opts.Events.TimeLeftChanged(u.Info)
	}
	return true, nil
}
