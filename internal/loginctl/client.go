// Package loginctl talks to systemd-logind over the system bus.
package loginctl

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/SoarinFerret/TimeWarden/internal/session"
)

const (
	dest        = "org.freedesktop.login1"
	managerPath = dbus.ObjectPath("/org/freedesktop/login1")
	managerIf   = "org.freedesktop.login1.Manager"
	sessionIf   = "org.freedesktop.login1.Session"

	// WakeAlarmPath is the RTC alarm used for suspend with wake.
	WakeAlarmPath = "/sys/class/rtc/rtc0/wakealarm"

	sigKill = 9
)

// SessionInfo is the subset of logind session properties we act upon.
type SessionInfo struct {
	ID     string
	UID    uint32
	Name   string
	Path   dbus.ObjectPath
	Class  string
	State  string
	Idle   bool
	Locked bool
}

// Client wraps a system bus connection to logind.
type Client struct {
	mu        sync.Mutex
	conn      *dbus.Conn
	wakeAlarm string
}

// Connect opens the system bus.
func Connect() (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Client{conn: conn, wakeAlarm: WakeAlarmPath}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Connected reports whether the bus connection is still usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Connected()
}

// Reconnect replaces a dropped connection.
func (c *Client) Reconnect() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to reconnect to system bus: %w", err)
	}
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (c *Client) bus() (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.Connected() {
		return nil, fmt.Errorf("not connected to system bus")
	}
	return c.conn, nil
}

// Sessions lists every logind session with its properties.
func (c *Client) Sessions() ([]SessionInfo, error) {
	conn, err := c.bus()
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ID   string
		UID  uint32
		Name string
		Seat string
		Path dbus.ObjectPath
	}
	if err := conn.Object(dest, managerPath).Call(managerIf+".ListSessions", 0).Store(&raw); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(raw))
	for _, r := range raw {
		s := SessionInfo{ID: r.ID, UID: r.UID, Name: r.Name, Path: r.Path}
		obj := conn.Object(dest, r.Path)
		// sessions may vanish between the list and the property reads
		if v, err := obj.GetProperty(sessionIf + ".Class"); err == nil {
			s.Class, _ = v.Value().(string)
		} else {
			continue
		}
		if v, err := obj.GetProperty(sessionIf + ".State"); err == nil {
			s.State, _ = v.Value().(string)
		}
		if v, err := obj.GetProperty(sessionIf + ".IdleHint"); err == nil {
			s.Idle, _ = v.Value().(bool)
		}
		if v, err := obj.GetProperty(sessionIf + ".LockedHint"); err == nil {
			s.Locked, _ = v.Value().(bool)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ListUsers returns the owners of user-class sessions, one entry per uid.
func (c *Client) ListUsers() ([]session.User, error) {
	sessions, err := c.Sessions()
	if err != nil {
		return nil, err
	}
	return usersOf(sessions), nil
}

func usersOf(sessions []SessionInfo) []session.User {
	seen := make(map[uint32]bool)
	var users []session.User
	for _, s := range sessions {
		if s.Class != "user" || seen[s.UID] {
			continue
		}
		seen[s.UID] = true
		users = append(users, session.User{
			UID:  s.UID,
			Name: s.Name,
			Path: "/org/freedesktop/login1/user/_" + strconv.FormatUint(uint64(s.UID), 10),
		})
	}
	return users
}

// Status reports whether the user is active and whether the screen is locked.
func (c *Client) Status(user session.User, trackInactive bool) (session.Status, error) {
	sessions, err := c.Sessions()
	if err != nil {
		return session.Status{}, err
	}
	return statusOf(sessions, user.UID, trackInactive), nil
}

// statusOf folds the user's sessions. A session counts when it is in the
// foreground and neither idle nor locked; trackInactive counts any online one.
func statusOf(sessions []SessionInfo, uid uint32, trackInactive bool) session.Status {
	var st session.Status
	for _, s := range sessions {
		if s.UID != uid || s.Class != "user" {
			continue
		}
		if s.Locked {
			st.ScreenLocked = true
		}
		switch {
		case trackInactive && (s.State == "active" || s.State == "online"):
			st.Active = true
		case s.State == "active" && !s.Idle && !s.Locked:
			st.Active = true
		}
	}
	return st
}

// Lock locks every unlocked session of the user.
func (c *Client) Lock(user session.User) error {
	conn, err := c.bus()
	if err != nil {
		return err
	}
	sessions, err := c.Sessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.UID != user.UID || s.Class != "user" || s.Locked {
			continue
		}
		call := conn.Object(dest, managerPath).Call(managerIf+".LockSession", 0, s.ID)
		if call.Err != nil {
			return fmt.Errorf("failed to lock session %s for %s: %w", s.ID, user.Name, call.Err)
		}
	}
	return nil
}

// Suspend suspends the machine.
func (c *Client) Suspend(user session.User) error {
	return c.manager("Suspend", false)
}

// Terminate ends every session of the user.
func (c *Client) Terminate(user session.User) error {
	return c.manager("TerminateUser", user.UID)
}

// Kill sends SIGKILL to every process of the user.
func (c *Client) Kill(user session.User) error {
	return c.manager("KillUser", user.UID, int32(sigKill))
}

// Shutdown powers the machine off.
func (c *Client) Shutdown() error {
	return c.manager("PowerOff", false)
}

func (c *Client) manager(method string, args ...interface{}) error {
	conn, err := c.bus()
	if err != nil {
		return err
	}
	call := conn.Object(dest, managerPath).Call(managerIf+"."+method, 0, args...)
	if call.Err != nil {
		return fmt.Errorf("%s failed: %w", method, call.Err)
	}
	return nil
}

// SetWakeAlarm programs the RTC to wake the machine at t.
func (c *Client) SetWakeAlarm(at time.Time) error {
	return writeWakeAlarm(c.wakeAlarm, at)
}

func writeWakeAlarm(path string, at time.Time) error {
	// the kernel only accepts a new alarm after the old one is cleared
	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("failed to clear wake alarm: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.FormatInt(at.Unix(), 10)), 0o644); err != nil {
		return fmt.Errorf("failed to set wake alarm: %w", err)
	}
	return nil
}
