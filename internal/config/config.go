package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SoarinFerret/TimeWarden/internal/session"
	"github.com/pelletier/go-toml/v2"
)

const minutesPerDay = 24 * 60

// TimeRange is a window within one day, written as "HH:MM-HH:MM".
// A leading "!" marks the window as unaccounted.
type TimeRange struct {
	Start       int // minute of day
	End         int // minute of day, up to 1440
	Unaccounted bool
}

func parseClock(s string) (int, error) {
	if s == "24:00" {
		return minutesPerDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (tr *TimeRange) UnmarshalText(text []byte) error {
	str := strings.TrimSpace(string(text))
	unaccounted := strings.HasPrefix(str, "!")
	str = strings.TrimPrefix(str, "!")

	parts := strings.Split(str, "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid time range format: expected 'HH:MM-HH:MM'")
	}

	start, err1 := parseClock(parts[0])
	end, err2 := parseClock(parts[1])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("invalid time values: %v, %v", err1, err2)
	}
	if start >= end {
		return fmt.Errorf("start time %s must be before end time %s", parts[0], parts[1])
	}

	tr.Start = start
	tr.End = end
	tr.Unaccounted = unaccounted
	return nil
}

func (tr TimeRange) MarshalText() ([]byte, error) {
	return []byte(tr.String()), nil
}

func (tr TimeRange) String() string {
	prefix := ""
	if tr.Unaccounted {
		prefix = "!"
	}
	return fmt.Sprintf("%s%02d:%02d-%02d:%02d", prefix, tr.Start/60, tr.Start%60, tr.End/60, tr.End%60)
}

// Duration is a time.Duration written as a Go duration string ("2h", "90m").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("duration %s must not be negative", text)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	v := time.Duration(d)
	switch {
	case v != 0 && v%time.Hour == 0:
		return []byte(strconv.FormatInt(int64(v/time.Hour), 10) + "h"), nil
	case v != 0 && v%time.Minute == 0:
		return []byte(strconv.FormatInt(int64(v/time.Minute), 10) + "m"), nil
	}
	return []byte(strconv.FormatInt(int64(v/time.Second), 10) + "s"), nil
}

func (d Duration) Seconds() int64 {
	return int64(time.Duration(d) / time.Second)
}

// HourRange is an inclusive range of hours, written as "5-22".
type HourRange struct {
	From int
	To   int
}

func (hr *HourRange) UnmarshalText(text []byte) error {
	parts := strings.Split(strings.TrimSpace(string(text)), "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid hour range format: expected 'H-H'")
	}
	from, err1 := strconv.Atoi(parts[0])
	to, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("invalid hour values: %v, %v", err1, err2)
	}
	if from < 0 || to > 23 || from > to {
		return fmt.Errorf("hour range %d-%d out of bounds", from, to)
	}
	hr.From, hr.To = from, to
	return nil
}

func (hr HourRange) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d-%d", hr.From, hr.To)), nil
}

// UserConfig is the on-disk form of a user's policy. Unset fields fall back to
// the [default] section of the daemon config.
type UserConfig struct {
	AllowedDays          []int                  `toml:"allowed_days"`
	DailyLimits          []Duration             `toml:"daily_limits"`
	WeeklyLimit          *Duration              `toml:"weekly_limit"`
	MonthlyLimit         *Duration              `toml:"monthly_limit"`
	AllowedHours         map[string][]TimeRange `toml:"allowed_hours"`
	Lockout              *session.Lockout       `toml:"lockout"`
	WakeHours            *HourRange             `toml:"wake_hours"`
	TrackInactive        *bool                  `toml:"track_inactive"`
	HideIcon             *bool                  `toml:"hide_icon"`
	NotifyBefore         []Duration             `toml:"notify_before"`
	ActivityOverride     *bool                  `toml:"activity_override"`
	RestrictedActivities []string               `toml:"restricted_activities"`
}

// Daemon holds process-wide settings.
type Daemon struct {
	PollInterval          Duration `toml:"poll_interval"`
	SaveInterval          Duration `toml:"save_interval"`
	TerminationTime       Duration `toml:"termination_time"`
	FinalWarningTime      Duration `toml:"final_warning_time"`
	FinalNotificationTime Duration `toml:"final_notification_time"`
	ExcludedUsers         []string `toml:"excluded_users"`
	MinUID                uint32   `toml:"min_uid"`
	UsersDir              string   `toml:"users_dir"`
	StateDir              string   `toml:"state_dir"`
	HistoryDB             string   `toml:"history_db"`
	Debug                 bool     `toml:"debug"`
}

type Config struct {
	Daemon  Daemon     `toml:"daemon"`
	Default UserConfig `toml:"default"`
}

func boolPtr(v bool) *bool { return &v }

func durationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// BuiltinDefaults is the policy applied when neither the user file nor the
// [default] section sets a field: every day and hour open, no effective limit.
func BuiltinDefaults() UserConfig {
	lockout := session.LockoutTerminate
	limits := make([]Duration, 7)
	for i := range limits {
		limits[i] = Duration(24 * time.Hour)
	}
	return UserConfig{
		AllowedDays:          []int{1, 2, 3, 4, 5, 6, 7},
		DailyLimits:          limits,
		WeeklyLimit:          durationPtr(7 * 24 * time.Hour),
		MonthlyLimit:         durationPtr(31 * 24 * time.Hour),
		AllowedHours:         nil,
		Lockout:              &lockout,
		WakeHours:            &HourRange{From: 0, To: 23},
		TrackInactive:        boolPtr(false),
		HideIcon:             boolPtr(false),
		NotifyBefore:         []Duration{Duration(30 * time.Minute), Duration(10 * time.Minute), Duration(5 * time.Minute)},
		ActivityOverride:     boolPtr(false),
		RestrictedActivities: nil,
	}
}

// ApplyDefaults fills every unset field of u from def.
func (u *UserConfig) ApplyDefaults(def UserConfig) {
	if u.AllowedDays == nil {
		u.AllowedDays = def.AllowedDays
	}
	if u.DailyLimits == nil {
		u.DailyLimits = def.DailyLimits
	}
	if u.WeeklyLimit == nil {
		u.WeeklyLimit = def.WeeklyLimit
	}
	if u.MonthlyLimit == nil {
		u.MonthlyLimit = def.MonthlyLimit
	}
	if u.AllowedHours == nil {
		u.AllowedHours = def.AllowedHours
	}
	if u.Lockout == nil {
		u.Lockout = def.Lockout
	}
	if u.WakeHours == nil {
		u.WakeHours = def.WakeHours
	}
	if u.TrackInactive == nil {
		u.TrackInactive = def.TrackInactive
	}
	if u.HideIcon == nil {
		u.HideIcon = def.HideIcon
	}
	if u.NotifyBefore == nil {
		u.NotifyBefore = def.NotifyBefore
	}
	if u.ActivityOverride == nil {
		u.ActivityOverride = def.ActivityOverride
	}
	if u.RestrictedActivities == nil {
		u.RestrictedActivities = def.RestrictedActivities
	}
}

// SetDefault fills unset daemon settings and completes the default user policy.
func (c *Config) SetDefault() {
	d := &c.Daemon
	if d.PollInterval == 0 {
		d.PollInterval = Duration(3 * time.Second)
	}
	if d.SaveInterval == 0 {
		d.SaveInterval = Duration(30 * time.Second)
	}
	if d.TerminationTime == 0 {
		d.TerminationTime = Duration(15 * time.Second)
	}
	if d.FinalWarningTime == 0 {
		d.FinalWarningTime = Duration(10 * time.Second)
	}
	if d.FinalNotificationTime == 0 {
		d.FinalNotificationTime = Duration(60 * time.Second)
	}
	if d.MinUID == 0 {
		d.MinUID = 1000
	}
	if d.UsersDir == "" {
		d.UsersDir = "/etc/timewarden/users"
	}
	if d.StateDir == "" {
		d.StateDir = "/var/lib/timewarden"
	}
	if d.HistoryDB == "" {
		d.HistoryDB = "/var/lib/timewarden/history.db"
	}

	c.Default.ApplyDefaults(BuiltinDefaults())
}

func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.SetDefault()
			return cfg, nil
		}
		return nil, err
	}
	return LoadConfigFromBytes(data)
}

func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefault()
	if _, err := cfg.Default.Resolve(); err != nil {
		return nil, fmt.Errorf("invalid [default] policy: %w", err)
	}
	return &cfg, nil
}
