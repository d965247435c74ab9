package utils

import (
	"fmt"
	"strings"
	"time"
)

var durationUnits = []struct {
	name string
	d    time.Duration
}{
	{"day", 24 * time.Hour},
	{"hour", time.Hour},
	{"minute", time.Minute},
	{"second", time.Second},
}

// HumanDuration renders d as "1 day, 2 hours, 3 minutes" using the two most
// significant non-zero units. Durations under a second are shown in
// milliseconds.
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	parts := make([]string, 0, 2)
	for _, u := range durationUnits {
		n := d / u.d
		if n == 0 {
			continue
		}
		d -= n * u.d
		unit := u.name
		if n != 1 {
			unit += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, unit))
		if len(parts) == 2 {
			break
		}
	}
	return strings.Join(parts, ", ")
}
