// Package eval holds the notification rules derived from time left.
package eval

import (
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/ledger"
)

// Priority tells clients how urgently to present a time-left update.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityWarning
	PriorityImportant
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityWarning:
		return "warning"
	case PriorityImportant:
		return "important"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Urgency maps the priority onto the freedesktop notification urgency byte.
func (p Priority) Urgency() byte {
	switch {
	case p >= PriorityImportant:
		return 2
	case p >= PriorityWarning:
		return 1
	}
	return 0
}

// PriorityFor classifies seconds of continuous time left.
func PriorityFor(left int64, finalNotification time.Duration) Priority {
	d := time.Duration(left) * time.Second
	switch {
	case d <= finalNotification:
		return PriorityCritical
	case d <= 5*time.Minute:
		return PriorityImportant
	case d <= 15*time.Minute:
		return PriorityWarning
	case d <= time.Hour:
		return PriorityNormal
	}
	return PriorityLow
}

// Crossed returns the largest notify threshold passed while time left went
// from prev to cur. The final notification time counts as a threshold too.
func Crossed(prev, cur int64, notifyBefore []time.Duration, finalNotification time.Duration) (time.Duration, bool) {
	var best time.Duration
	found := false
	check := func(th time.Duration) {
		s := int64(th / time.Second)
		if s <= 0 || prev <= s || cur > s {
			return
		}
		if !found || th > best {
			best, found = th, true
		}
	}
	for _, th := range notifyBefore {
		check(th)
	}
	check(finalNotification)
	return best, found
}

// PermitLogin reports whether the user may use the computer at now: the hour
// is allowed and either free or backed by time left today.
func PermitLogin(l *ledger.Ledger, now time.Time) bool {
	hr := l.Days[ledger.Weekday(now)].Hours[now.Hour()]
	if !hr.Active {
		return false
	}
	m := now.Minute()
	if m < hr.Start || m >= hr.End {
		return false
	}
	if hr.Unaccounted {
		return true
	}
	return l.TodayLeft > 0
}
