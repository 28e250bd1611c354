package conn

import "time"

// Delay computes the reconnect backoff for the given attempt, starting at
// base for attempt 1 and doubling per attempt, capped at ceiling. The
// function is pure so backoff schedules are testable without timers.
func Delay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if ceiling <= 0 {
		ceiling = base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
