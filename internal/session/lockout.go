package session

import (
	"fmt"
	"strings"
)

// Lockout is the enforcement action taken once a user's time runs out.
type Lockout int

const (
	LockoutTerminate Lockout = iota
	LockoutKill
	LockoutShutdown
	LockoutLock
	LockoutSuspend
	LockoutSuspendWake
)

var lockoutNames = map[Lockout]string{
	LockoutTerminate:   "terminate",
	LockoutKill:        "kill",
	LockoutShutdown:    "shutdown",
	LockoutLock:        "lock",
	LockoutSuspend:     "suspend",
	LockoutSuspendWake: "suspendwake",
}

// ParseLockout converts the config/IPC name of a lockout kind.
func ParseLockout(s string) (Lockout, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range lockoutNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown lockout type %q", s)
}

func (l Lockout) String() string {
	if name, ok := lockoutNames[l]; ok {
		return name
	}
	return fmt.Sprintf("lockout(%d)", int(l))
}

// Hard reports whether the kind ends the session (terminate, kill, shutdown).
func (l Lockout) Hard() bool {
	switch l {
	case LockoutTerminate, LockoutKill, LockoutShutdown:
		return true
	}
	return false
}

func (l Lockout) MarshalText() ([]byte, error) {
	if _, ok := lockoutNames[l]; !ok {
		return nil, fmt.Errorf("invalid lockout %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Lockout) UnmarshalText(text []byte) error {
	k, err := ParseLockout(string(text))
	if err != nil {
		return err
	}
	*l = k
	return nil
}
