package ipc

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	ServiceName   = "io.github.soarinferret.timewarden"
	ObjectPath    = dbus.ObjectPath("/io/github/soarinferret/timewarden")
	InterfaceName = "io.github.soarinferret.timewarden.Manager"

	// UserInterface carries the per-user signals.
	UserInterface = "io.github.soarinferret.timewarden.User"
)

// UserPath is the object path signals for one user are emitted on.
func UserPath(uid uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/user/%d", ObjectPath, uid))
}

// Result codes returned by every admin method.
const (
	CodeOK           int32 = 0
	CodeValidation   int32 = 1
	CodeNotFound     int32 = 2
	CodeNotConnected int32 = 3
	CodeInternal     int32 = 99
)
