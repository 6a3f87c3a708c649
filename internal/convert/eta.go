package convert

import (
	"math"
	"time"
)

// ETA estimates the remaining run time from completed-file velocity.
// The velocity is a simple average over the whole run, deliberately
// stable rather than reactive to transient phase slowdowns.
//
// No estimate is produced before the first completed file, after the
// last one, or when no wall time has elapsed; ok is false in those
// cases so callers show nothing instead of a misleading zero.
func ETA(startedAt time.Time, done, total int, now time.Time) (time.Duration, bool) {
	if done <= 0 || total <= 0 || done >= total {
		return 0, false
	}

	elapsed := now.Sub(startedAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	perSec := float64(done) / elapsed
	if perSec <= 0 {
		return 0, false
	}

	remaining := math.Round(float64(total-done) / perSec)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Second, true
}
