package syncengine

import (
	"time"
)

// parseTimestampToken parses a trash/backup root's directory name as a
// tsLayout timestamp. ok is false when the name isn't a timestamp token,
// in which case the caller falls back to directory mtime (spec §4.3).
func parseTimestampToken(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(tsLayout, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// isExpired reports whether a trash/backup root dated effectiveTime has
// aged past retentionDays.
func isExpired(effectiveTime time.Time, retentionDays int, now time.Time) bool {
	if retentionDays <= 0 {
		return false
	}

	cutoff := now.AddDate(0, 0, -retentionDays)

	return effectiveTime.Before(cutoff)
}
