package timeutil

import (
	"fmt"
	"time"
)

// Relative formats t relative to now: "5 minutes ago", "in 2 hours",
// "just now". Granularity is capped at days; anything longer reads as days.
func Relative(t time.Time) string {
	return RelativeTo(t, time.Now())
}

// RelativeTo formats t relative to a reference instant.
func RelativeTo(t, ref time.Time) string {
	d := ref.Sub(t)
	past := d >= 0
	if !past {
		d = -d
	}

	if d < 10*time.Second {
		return "just now"
	}

	var n int64
	var unit string
	switch {
	case d < time.Minute:
		n, unit = int64(d.Seconds()), "second"
	case d < time.Hour:
		n, unit = int64(d.Minutes()), "minute"
	case d < 24*time.Hour:
		n, unit = int64(d.Hours()), "hour"
	default:
		n, unit = int64(d.Hours())/24, "day"
	}
	if n != 1 {
		unit += "s"
	}

	if past {
		return fmt.Sprintf("%d %s ago", n, unit)
	}
	return fmt.Sprintf("in %d %s", n, unit)
}
