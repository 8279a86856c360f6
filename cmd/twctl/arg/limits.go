package arg

import (
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	wakeHours string
	pushAll   bool
)

var setDaysCmd = &cobra.Command{
	Use:   "set-days <username> <days>",
	Short: "Set the allowed weekdays",
	Long: `Set the allowed weekdays, numbered 1 (Monday) to 7 (Sunday).
Examples:
  twctl set-days alice 1-5
  twctl set-days bob 1,3,5-7`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		days, err := parseDays(args[1])
		if err != nil {
			log.Fatal(err)
		}
		call("SetAllowedDays", args[0], days)
		fmt.Printf("Allowed days updated for %s\n", args[0])
	},
}

var setHoursCmd = &cobra.Command{
	Use:   "set-hours <username> <day> [range...]",
	Short: "Set the allowed hours of one weekday",
	Long: `Set the allowed windows of one weekday. A leading "!" marks a window
whose usage is not counted. No ranges disallow the whole day.
Example:
  twctl set-hours alice 1 09:00-11:00 '!20:00-21:00'`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		day, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid day %q", args[1])
		}
		call("SetAllowedHours", args[0], int32(day), append([]string{}, args[2:]...))
		fmt.Printf("Allowed hours updated for %s\n", args[0])
	},
}

var setLimitsCmd = &cobra.Command{
	Use:   "set-limits <username> <limit> [limit...]",
	Short: "Set the daily limits",
	Long: `Set the daily limits, Monday first, as durations or seconds.
A single value applies to every day.
Examples:
  twctl set-limits alice 2h
  twctl set-limits bob 1h 1h 1h 1h 2h 3h 3h`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		limits, err := parseLimits(args[1:])
		if err != nil {
			log.Fatal(err)
		}
		call("SetTimeLimitForDays", args[0], limits)
		fmt.Printf("Daily limits updated for %s\n", args[0])
	},
}

var setWeekCmd = &cobra.Command{
	Use:   "set-week <username> <limit>",
	Short: "Set the weekly limit",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		secs, err := parseSeconds(args[1])
		if err != nil {
			log.Fatal(err)
		}
		call("SetTimeLimitForWeek", args[0], secs)
		fmt.Printf("Weekly limit of %s set to %s\n", args[0], formatDuration(secs))
	},
}

var setMonthCmd = &cobra.Command{
	Use:   "set-month <username> <limit>",
	Short: "Set the monthly limit",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		secs, err := parseSeconds(args[1])
		if err != nil {
			log.Fatal(err)
		}
		call("SetTimeLimitForMonth", args[0], secs)
		fmt.Printf("Monthly limit of %s set to %s\n", args[0], formatDuration(secs))
	},
}

var setTrackInactiveCmd = &cobra.Command{
	Use:   "set-track-inactive <username> <true|false>",
	Short: "Count time of inactive sessions",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		v, err := strconv.ParseBool(args[1])
		if err != nil {
			log.Fatalf("Invalid value %q", args[1])
		}
		call("SetTrackInactive", args[0], v)
		fmt.Printf("Inactive tracking for %s: %t\n", args[0], v)
	},
}

var setHideIconCmd = &cobra.Command{
	Use:   "set-hide-icon <username> <true|false>",
	Short: "Hide the client tray icon",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		v, err := strconv.ParseBool(args[1])
		if err != nil {
			log.Fatalf("Invalid value %q", args[1])
		}
		call("SetHideIcon", args[0], v)
		fmt.Printf("Hide icon for %s: %t\n", args[0], v)
	},
}

var setLockoutCmd = &cobra.Command{
	Use:   "set-lockout <username> <kind>",
	Short: "Set what happens when time runs out",
	Long: `Set the lockout kind: lock, suspend, suspendwake, terminate, kill or shutdown.
Example:
  twctl set-lockout alice suspendwake --wake 7-21`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		from, to, err := parseWake(wakeHours)
		if err != nil {
			log.Fatal(err)
		}
		call("SetLockoutType", args[0], args[1], from, to)
		fmt.Printf("Lockout of %s set to %s\n", args[0], args[1])
	},
}

var setTimeCmd = &cobra.Command{
	Use:   "set-time <username> <+|-|=><time>",
	Short: "Adjust the time left today",
	Long: `Grant (+), take away (-) or set (=) the time left today.
Put "--" before an adjustment that starts with "-".
Examples:
  twctl set-time alice +30m
  twctl set-time bob =1h
  twctl set-time bob -- -15m`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		op, secs, err := parseAdjustment(args[1])
		if err != nil {
			log.Fatal(err)
		}
		call("SetTimeLeft", args[0], op, secs)
		fmt.Printf("Time left of %s adjusted: %s%s\n", args[0], op, formatDuration(secs))
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <username>",
	Short: "Resend time left to the user's clients",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call("RequestTimeLeft", args[0])
		if pushAll {
			call("RequestTimeLimits", args[0])
		}
		fmt.Printf("Sent to %s\n", args[0])
	},
}

func init() {
	setLockoutCmd.Flags().StringVarP(&wakeHours, "wake", "w", "0-23", "hours a suspend with wake may wake the machine")
	pushCmd.Flags().BoolVarP(&pushAll, "limits", "l", false, "send the limits as well")
	rootCmd.AddCommand(setDaysCmd, setHoursCmd, setLimitsCmd, setWeekCmd, setMonthCmd,
		setTrackInactiveCmd, setHideIconCmd, setLockoutCmd, setTimeCmd, pushCmd)
}
