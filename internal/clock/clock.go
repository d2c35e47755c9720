package clock

import "time"

// Clock provides current time abstraction so alert executions can be replayed deterministically.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always reports the same instant.
// Params: wrapped timestamp.
// Returns: constant clock for tests and replays.
type Fixed time.Time

// Now returns the fixed instant.
// Params: none.
// Returns: stored timestamp.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}

// NowMS reads clock in unix milliseconds, the unit used by alert instance state.
// Params: clock implementation.
// Returns: unix milliseconds.
func NowMS(clk Clock) int64 {
	return clk.Now().UnixMilli()
}
