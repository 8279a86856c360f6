// Package notify delivers user-facing events: D-Bus signals on the system
// bus for clients, and desktop popups on the user's session bus.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/SoarinFerret/TimeWarden/internal/accounting"
	"github.com/SoarinFerret/TimeWarden/internal/eval"
	"github.com/SoarinFerret/TimeWarden/internal/ipc"
	"github.com/SoarinFerret/TimeWarden/internal/session"
)

const appName = "TimeWarden"

// Notifier emits signals through the connection that owns the service name.
type Notifier struct {
	conn *dbus.Conn
}

func New(conn *dbus.Conn) *Notifier {
	return &Notifier{conn: conn}
}

func (n *Notifier) emit(u session.User, member string, values ...interface{}) error {
	if err := n.conn.Emit(ipc.UserPath(u.UID), ipc.UserInterface+"."+member, values...); err != nil {
		return fmt.Errorf("emit %s for %s: %w", member, u.Name, err)
	}
	return nil
}

func payload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TimeLeft pushes the current figures.
func (n *Notifier) TimeLeft(u session.User, p eval.Priority, tl accounting.TimeLeft) error {
	body, err := payload(tl)
	if err != nil {
		return err
	}
	return n.emit(u, "TimeLeft", p.String(), body)
}

// TimeLimits pushes the user's policy.
func (n *Notifier) TimeLimits(u session.User, tl accounting.TimeLimits) error {
	body, err := payload(tl)
	if err != nil {
		return err
	}
	return n.emit(u, "TimeLimits", body)
}

// FinalWarning announces imminent enforcement.
func (n *Notifier) FinalWarning(u session.User, kind session.Lockout, secondsLeft int64) error {
	return n.emit(u, "FinalWarning", kind.String(), secondsLeft)
}

func (n *Notifier) TimeLeftChanged(u session.User) error {
	return n.emit(u, "TimeLeftChanged")
}

func (n *Notifier) ConfigChanged(u session.User) error {
	return n.emit(u, "ConfigChanged")
}

func (n *Notifier) NoLimitToday(u session.User) error {
	return n.emit(u, "NoLimitToday")
}

// Popup tells u in every graphical session how much time is left.
func (n *Notifier) Popup(u session.User, left time.Duration, p eval.Priority) error {
	addrs, err := n.sessionBuses(u)
	if err != nil {
		return err
	}
	var lastErr error
	for _, addr := range addrs {
		if err := sendDesktopNotification(addr, "Computer time warning", TimeLeftMessage(left), p); err != nil {
			log.Printf("Failed to send notification to %s on %s: %v", u.Name, addr, err)
			lastErr = err
		}
	}
	return lastErr
}

// sessionBuses finds the session bus address of each of the user's sessions
// through the environment of the session leader.
func (n *Notifier) sessionBuses(u session.User) ([]string, error) {
	var sessions []struct {
		ID   string
		UID  uint32
		Name string
		Seat string
		Path dbus.ObjectPath
	}
	manager := n.conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	if err := manager.Call("org.freedesktop.login1.Manager.ListSessions", 0).Store(&sessions); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	seen := make(map[string]bool)
	var addrs []string
	for _, s := range sessions {
		if s.UID != u.UID {
			continue
		}
		obj := n.conn.Object("org.freedesktop.login1", s.Path)
		addr := defaultBus(u.UID)
		if v, err := obj.GetProperty("org.freedesktop.login1.Session.Leader"); err == nil {
			if pid, ok := v.Value().(uint32); ok {
				if a, err := getEnvFromProc(int(pid), "DBUS_SESSION_BUS_ADDRESS"); err == nil {
					addr = a
				}
			}
		}
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no sessions for %s", u.Name)
	}
	return addrs, nil
}

func defaultBus(uid uint32) string {
	return "unix:path=/run/user/" + strconv.FormatUint(uint64(uid), 10) + "/bus"
}

// sendDesktopNotification calls org.freedesktop.Notifications on the bus at addr.
func sendDesktopNotification(addr, summary, body string, p eval.Priority) error {
	userConn, err := dbus.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to user session bus: %w", err)
	}
	defer userConn.Close()

	if err := userConn.Auth(nil); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := userConn.Hello(); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	icon := "dialog-information"
	if p >= eval.PriorityImportant {
		icon = "dialog-warning"
	}
	obj := userConn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	call := obj.Call("org.freedesktop.Notifications.Notify", 0,
		appName,
		uint32(0), // replaces_id
		icon,
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(p.Urgency()),
		},
		int32(10000),
	)
	if call.Err != nil {
		return fmt.Errorf("failed to send notification: %w", call.Err)
	}
	return nil
}
