package arg

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SoarinFerret/TimeWarden/internal/accounting"
	"github.com/SoarinFerret/TimeWarden/internal/engine"
	"github.com/SoarinFerret/TimeWarden/internal/history"
)

var historyDays int

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the users the daemon currently tracks",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var users []string
		callJSON(&users, "GetUsers")
		if len(users) == 0 {
			fmt.Println("No tracked users")
			return
		}
		for _, u := range users {
			fmt.Println(u)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <username>",
	Short: "Show session and restriction state of a logged-in user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var st engine.UserStatus
		callJSON(&st, "GetStatus", args[0])

		fmt.Printf("User: %s (uid %d)\n", st.User.Name, st.User.UID)
		fmt.Println("=" + strings.Repeat("=", len(st.User.Name)+5))
		fmt.Printf("Active: %t, screen locked: %t\n", st.Active, st.ScreenLocked)
		fmt.Printf("Login permitted now: %t\n", st.Permitted)
		fmt.Printf("Lockout: %s\n", st.Lockout)
		fmt.Printf("Restriction: %s\n", st.Restriction)
		if st.Countdown > 0 {
			fmt.Printf("Enforcement in: %s\n", formatDuration(st.Countdown))
		}
		printTimeLeft(st.TimeLeft)
	},
}

var leftCmd = &cobra.Command{
	Use:   "left <username>",
	Short: "Show a user's time left and time spent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var tl accounting.TimeLeft
		callJSON(&tl, "GetTimeLeft", args[0])
		printTimeLeft(tl)
	},
}

var limitsCmd = &cobra.Command{
	Use:   "limits <username>",
	Short: "Show a user's allowed days, hours and limits",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var tl accounting.TimeLimits
		callJSON(&tl, "GetTimeLimits", args[0])

		names := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
		for _, d := range tl.Days {
			if !d.Allowed {
				fmt.Printf("%s: not allowed\n", names[d.Day-1])
				continue
			}
			var windows []string
			for _, iv := range d.Intervals {
				w := fmt.Sprintf("%s-%s", clock(iv.Start), clock(iv.End))
				if iv.Unaccounted {
					w = "!" + w
				}
				windows = append(windows, w)
			}
			fmt.Printf("%s: %s in %s\n", names[d.Day-1], formatDuration(d.Limit), strings.Join(windows, ", "))
		}
		fmt.Printf("Week: %s\n", formatDuration(tl.Week))
		fmt.Printf("Month: %s\n", formatDuration(tl.Month))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <username>",
	Short: "Show a user's daily usage",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var days []history.Day
		callJSON(&days, "GetUsageHistory", args[0], int32(historyDays))
		if len(days) == 0 {
			fmt.Println("No usage recorded")
			return
		}
		for _, d := range days {
			fmt.Printf("%s  spent %-12s inactive %s\n", d.Date, formatDuration(d.Spent), formatDuration(d.Inactive))
		}
	},
}

func printTimeLeft(tl accounting.TimeLeft) {
	if tl.Unlimited {
		fmt.Println("No limit today")
	} else {
		fmt.Printf("Left today: %s (continuous %s)\n", formatDuration(tl.LeftToday), formatDuration(tl.LeftContinuous))
	}
	if tl.Unaccounted {
		fmt.Println("Current hour is not accounted")
	}
	fmt.Printf("Left this week: %s, this month: %s\n", formatDuration(tl.LeftWeek), formatDuration(tl.LeftMonth))
	fmt.Printf("Spent today: %s, this session: %s, inactive: %s\n",
		formatDuration(tl.SpentToday), formatDuration(tl.SpentSession), formatDuration(tl.InactiveSession))
	fmt.Printf("Spent this week: %s, this month: %s\n", formatDuration(tl.SpentWeek), formatDuration(tl.SpentMonth))
}

func clock(secs int64) string {
	return fmt.Sprintf("%02d:%02d", secs/3600, secs%3600/60)
}

func init() {
	historyCmd.Flags().IntVarP(&historyDays, "days", "d", 7, "number of days to show")
	rootCmd.AddCommand(usersCmd, statusCmd, leftCmd, limitsCmd, historyCmd)
}
