package upload

import (
	"time"

	"uploadbot/internal/job"
)

// NextSlot returns the publish slot for the queued-th job (0-based) already
// waiting on the UTC day containing day: start hour plus queued intervals.
// Slots past the end of the day are not clamped.
func NextSlot(day time.Time, startHour int, interval time.Duration, queued int) time.Time {
	if queued < 0 {
		queued = 0
	}
	return job.DayStart(day).
		Add(time.Duration(startHour) * time.Hour).
		Add(time.Duration(queued) * interval)
}
