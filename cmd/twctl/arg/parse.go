package arg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDays reads a day list such as "1,2,3" or "1-5,7".
func parseDays(s string) ([]int32, error) {
	var days []int32
	if strings.TrimSpace(s) == "" {
		return days, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		from, to, isRange := strings.Cut(part, "-")
		lo, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("invalid day %q", part)
		}
		hi := lo
		if isRange {
			if hi, err = strconv.Atoi(to); err != nil || hi < lo {
				return nil, fmt.Errorf("invalid day range %q", part)
			}
		}
		for d := lo; d <= hi; d++ {
			days = append(days, int32(d))
		}
	}
	return days, nil
}

// parseSeconds reads a Go duration ("90m") or a plain number of seconds.
func parseSeconds(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return int64(d / time.Second), nil
}

// parseLimits reads seven daily limits, Monday first. A single value applies
// to every day.
func parseLimits(args []string) ([]int64, error) {
	if len(args) == 1 {
		args = []string{args[0], args[0], args[0], args[0], args[0], args[0], args[0]}
	}
	if len(args) != 7 {
		return nil, fmt.Errorf("expected 1 or 7 limits, got %d", len(args))
	}
	limits := make([]int64, len(args))
	for i, a := range args {
		v, err := parseSeconds(a)
		if err != nil {
			return nil, err
		}
		limits[i] = v
	}
	return limits, nil
}

// parseAdjustment splits "+30m", "-600" or "=2h" into an operation and seconds.
func parseAdjustment(s string) (string, int64, error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty adjustment")
	}
	op := s[:1]
	switch op {
	case "+", "-", "=":
	default:
		return "", 0, fmt.Errorf("adjustment %q must start with +, - or =", s)
	}
	secs, err := parseSeconds(s[1:])
	if err != nil {
		return "", 0, err
	}
	return op, secs, nil
}

// parseWake reads an hour range such as "5-22".
func parseWake(s string) (int32, int32, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid wake hours %q, expected H-H", s)
	}
	f, err1 := strconv.Atoi(from)
	t, err2 := strconv.Atoi(to)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("invalid wake hours %q", s)
	}
	return int32(f), int32(t), nil
}

func formatDuration(secs int64) string {
	sign := ""
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	d := time.Duration(secs) * time.Second
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%s%dh %dm %ds", sign, h, m, s)
	} else if m > 0 {
		return fmt.Sprintf("%s%dm %ds", sign, m, s)
	}
	return fmt.Sprintf("%s%ds", sign, s)
}
