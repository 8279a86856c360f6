package loginctl

import (
	"context"
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
)

// Handler reacts to logind events.
type Handler interface {
	// SessionsChanged is called when a session appears, disappears or
	// changes its lock state.
	SessionsChanged()
	// PrepareForSleep is called before suspend (true) and after resume (false).
	PrepareForSleep(sleeping bool)
	// ManagerRestarted is called when logind drops off the bus or comes back.
	ManagerRestarted()
}

// Watch forwards logind signals to h until ctx is done.
func Watch(ctx context.Context, h Handler) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	for _, member := range []string{"SessionNew", "SessionRemoved", "PrepareForSleep"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(managerPath),
			dbus.WithMatchInterface(managerIf),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("add match for %s failed: %w", member, err)
		}
	}

	// session lock state
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, sessionIf),
	); err != nil {
		return fmt.Errorf("add match for PropertiesChanged failed: %w", err)
	}

	// logind restarts
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, dest),
	); err != nil {
		return fmt.Errorf("add match for NameOwnerChanged failed: %w", err)
	}

	c := make(chan *dbus.Signal, 10)
	conn.Signal(c)

	for {
		select {
		case sig, ok := <-c:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			dispatch(sig, h)
		case <-ctx.Done():
			return nil
		}
	}
}

func dispatch(sig *dbus.Signal, h Handler) {
	switch sig.Name {
	case managerIf + ".SessionNew", managerIf + ".SessionRemoved":
		if len(sig.Body) >= 2 {
			if path, ok := sig.Body[1].(dbus.ObjectPath); ok {
				log.Println(sig.Name[len(managerIf)+1:], "for session", path)
			}
		}
		h.SessionsChanged()

	case managerIf + ".PrepareForSleep":
		if len(sig.Body) > 0 {
			sleeping, _ := sig.Body[0].(bool)
			if sleeping {
				log.Println("System is going to sleep")
			} else {
				log.Println("System has woken up")
			}
			h.PrepareForSleep(sleeping)
		}

	case "org.freedesktop.DBus.Properties.PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		if iface, ok := sig.Body[0].(string); !ok || iface != sessionIf {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		if _, exists := changed["LockedHint"]; exists {
			h.SessionsChanged()
		}

	case "org.freedesktop.DBus.NameOwnerChanged":
		if len(sig.Body) >= 3 {
			if name, _ := sig.Body[0].(string); name == dest {
				log.Println("Login manager owner changed")
				h.ManagerRestarted()
			}
		}
	}
}
