package printer

import (
	"fmt"
	"time"
)

var durationUnits = []struct {
	name string
	size time.Duration
}{
	{"day", 24 * time.Hour},
	{"hour", time.Hour},
	{"minute", time.Minute},
	{"second", time.Second},
}

// HumanDuration returns the duration rounded down to its largest unit, e.g. "3 hours".
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	for _, u := range durationUnits {
		if d < u.size && u.size != time.Second {
			continue
		}
		n := int(d / u.size)
		if n == 1 {
			return "1 " + u.name
		}
		return fmt.Sprintf("%d %ss", n, u.name)
	}

	return ""
}

// TimeAgo returns how long ago t happened, e.g. "5 minutes ago".
func TimeAgo(t time.Time) string {
	return timeAgoFrom(time.Now(), t)
}

// TimeUntil returns how long until t happens, e.g. "in 2 hours", or "expired" when t is in the past.
func TimeUntil(t time.Time) string {
	return timeUntilFrom(time.Now(), t)
}

func timeAgoFrom(now, t time.Time) string {
	diff := now.Sub(t)
	if diff < 0 {
		return "in the future"
	}
	return HumanDuration(diff) + " ago"
}

func timeUntilFrom(now, t time.Time) string {
	diff := t.Sub(now)
	if diff <= 0 {
		return "expired"
	}
	return "in " + HumanDuration(diff)
}

// FormatTimestamp returns the timestamp in UTC with a "2006-01-02 15:04:05 UTC" layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
