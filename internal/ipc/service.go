package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/SoarinFerret/TimeWarden/internal/accounting"
	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/engine"
	"github.com/SoarinFerret/TimeWarden/internal/history"
)

// Admin is the set of engine operations exposed on the bus.
type Admin interface {
	Users() []string
	Status(name string) (engine.UserStatus, error)
	TimeLeft(name string) (accounting.TimeLeft, error)
	TimeLimits(name string) (accounting.TimeLimits, error)
	UsageHistory(ctx context.Context, name string, days int) ([]history.Day, error)
	SetAllowedDays(name string, days []int) error
	SetAllowedHours(name string, day int, ranges []config.TimeRange) error
	SetTimeLimitForDays(name string, limits []int64) error
	SetTimeLimitForWeek(name string, seconds int64) error
	SetTimeLimitForMonth(name string, seconds int64) error
	SetTrackInactive(name string, track bool) error
	SetHideIcon(name string, hide bool) error
	SetLockoutType(name, kind string, wakeFrom, wakeTo int) error
	SetTimeLeft(name, op string, seconds int64) error
	RequestTimeLeft(name string) error
	RequestTimeLimits(name string) error
}

var _ Admin = (*engine.Engine)(nil)

// Service is the exported Manager object. Every method returns a result code
// and either a JSON body or a human-readable message.
type Service struct {
	admin Admin
}

func NewService(admin Admin) *Service {
	return &Service{admin: admin}
}

// codeOf maps an engine error onto a result code.
func codeOf(err error) int32 {
	if err == nil {
		return CodeOK
	}
	switch engine.KindOf(err) {
	case engine.KindValidation:
		return CodeValidation
	case engine.KindNotFound:
		return CodeNotFound
	case engine.KindNotConnected:
		return CodeNotConnected
	}
	return CodeInternal
}

func reply(err error) (int32, string, *dbus.Error) {
	if err != nil {
		return codeOf(err), err.Error(), nil
	}
	return CodeOK, "ok", nil
}

func replyJSON(v any, err error) (int32, string, *dbus.Error) {
	if err != nil {
		return reply(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return CodeInternal, err.Error(), nil
	}
	return CodeOK, string(data), nil
}

func (s *Service) GetUsers() (int32, string, *dbus.Error) {
	return replyJSON(s.admin.Users(), nil)
}

func (s *Service) GetStatus(user string) (int32, string, *dbus.Error) {
	return replyJSON(s.admin.Status(user))
}

func (s *Service) GetTimeLeft(user string) (int32, string, *dbus.Error) {
	return replyJSON(s.admin.TimeLeft(user))
}

func (s *Service) GetTimeLimits(user string) (int32, string, *dbus.Error) {
	return replyJSON(s.admin.TimeLimits(user))
}

func (s *Service) GetUsageHistory(user string, days int32) (int32, string, *dbus.Error) {
	return replyJSON(s.admin.UsageHistory(context.Background(), user, int(days)))
}

func (s *Service) SetAllowedDays(user string, days []int32) (int32, string, *dbus.Error) {
	ds := make([]int, len(days))
	for i, d := range days {
		ds[i] = int(d)
	}
	return reply(s.admin.SetAllowedDays(user, ds))
}

// SetAllowedHours takes ranges in the config file form, "09:00-11:00" or
// "!20:00-21:00" for an unaccounted window.
func (s *Service) SetAllowedHours(user string, day int32, ranges []string) (int32, string, *dbus.Error) {
	parsed := make([]config.TimeRange, len(ranges))
	for i, r := range ranges {
		if err := parsed[i].UnmarshalText([]byte(r)); err != nil {
			return CodeValidation, fmt.Sprintf("range %q: %v", r, err), nil
		}
	}
	return reply(s.admin.SetAllowedHours(user, int(day), parsed))
}

func (s *Service) SetTimeLimitForDays(user string, limits []int64) (int32, string, *dbus.Error) {
	return reply(s.admin.SetTimeLimitForDays(user, limits))
}

func (s *Service) SetTimeLimitForWeek(user string, seconds int64) (int32, string, *dbus.Error) {
	return reply(s.admin.SetTimeLimitForWeek(user, seconds))
}

func (s *Service) SetTimeLimitForMonth(user string, seconds int64) (int32, string, *dbus.Error) {
	return reply(s.admin.SetTimeLimitForMonth(user, seconds))
}

func (s *Service) SetTrackInactive(user string, track bool) (int32, string, *dbus.Error) {
	return reply(s.admin.SetTrackInactive(user, track))
}

func (s *Service) SetHideIcon(user string, hide bool) (int32, string, *dbus.Error) {
	return reply(s.admin.SetHideIcon(user, hide))
}

func (s *Service) SetLockoutType(user, kind string, wakeFrom, wakeTo int32) (int32, string, *dbus.Error) {
	return reply(s.admin.SetLockoutType(user, kind, int(wakeFrom), int(wakeTo)))
}

func (s *Service) SetTimeLeft(user, op string, seconds int64) (int32, string, *dbus.Error) {
	return reply(s.admin.SetTimeLeft(user, op, seconds))
}

func (s *Service) RequestTimeLeft(user string) (int32, string, *dbus.Error) {
	return reply(s.admin.RequestTimeLeft(user))
}

func (s *Service) RequestTimeLimits(user string) (int32, string, *dbus.Error) {
	return reply(s.admin.RequestTimeLimits(user))
}

// Serve claims the service name on conn, exports svc and blocks until ctx is
// done.
func Serve(ctx context.Context, conn *dbus.Conn, svc *Service) error {
	owner, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if owner != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	if err := conn.Export(svc, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("failed to export interface: %w", err)
	}
	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: InterfaceName, Methods: introspect.Methods(svc)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}
	log.Printf("Serving %s on %s", InterfaceName, ObjectPath)

	<-ctx.Done()
	return nil
}
