package notify

import (
	"fmt"
	"time"
)

// FormatTimeRemaining formats a duration for popups.
func FormatTimeRemaining(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%d hour(s) %d minute(s)", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%d minute(s)", minutes)
	}
	return fmt.Sprintf("%d second(s)", int(d.Seconds()))
}

// TimeLeftMessage is the popup body for a crossed threshold.
func TimeLeftMessage(left time.Duration) string {
	return fmt.Sprintf("You have %s of computer time remaining", FormatTimeRemaining(left))
}
