package pipeline

import "time"

// DefaultMaxRetries is the retry budget for transient failures.
const DefaultMaxRetries = 3

// DefaultRetrySchedule is the fixed backoff schedule. The attempt count
// picks the delay; attempts beyond the schedule reuse the last entry.
var DefaultRetrySchedule = []time.Duration{
	1 * time.Second,
	4 * time.Second,
	16 * time.Second,
}

// RetryDelay returns the backoff before the given attempt (1-based) using
// schedule, falling back to DefaultRetrySchedule when schedule is empty.
func RetryDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(schedule) {
		attempt = len(schedule)
	}
	return schedule[attempt-1]
}
