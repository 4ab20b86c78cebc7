package monitor

import (
	"fmt"
	"time"

	"geopresence/internal/model"
)

// RelativeTime renders how long ago t was. Times in the future count as
// "just now"; a zero time yields an empty string.
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d min ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d h ago", int(d/time.Hour))
	}
	if days := int(d / (24 * time.Hour)); days > 1 {
		return fmt.Sprintf("%d days ago", days)
	}
	return "1 day ago"
}

// lastActivity is lastSeenAt, or lastUpdatedAt for records that never
// carried a fix.
func lastActivity(r model.PresenceRecord) time.Time {
	if !r.LastSeenAt.IsZero() {
		return r.LastSeenAt
	}
	return r.LastUpdatedAt
}
