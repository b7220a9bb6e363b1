package fleet

import "time"

// =============================================================================
// CLOCK - Injected so replay and "exceeded" checks are reproducible
// =============================================================================

// Clock returns the current time. Components default to SystemClock.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

func (c Clock) now() time.Time {
	if c == nil {
		return SystemClock()
	}
	return c()
}

// Fixed returns a Clock frozen at t. Used by tests and the CLI --at flag.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

// =============================================================================
// DATE HELPERS
// =============================================================================

// Day returns midnight UTC of the given calendar day.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last nanosecond of t's calendar day in UTC.
func EndOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
}

func timePtr(t time.Time) *time.Time { return &t }
