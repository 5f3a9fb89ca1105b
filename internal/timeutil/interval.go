package timeutil

import "time"

// IntervalTimer is a resettable stopwatch over a Clock. It measures the time
// elapsed since the last Reset (or since construction if Reset was never
// called). It is owned by a single loop and is not safe for concurrent use.
type IntervalTimer struct {
	clock Clock
	start time.Time
	stop  time.Time
}

// NewIntervalTimer returns a timer whose implicit reset point is now.
// A nil clock selects RealClock.
func NewIntervalTimer(clock Clock) *IntervalTimer {
	if clock == nil {
		clock = RealClock{}
	}
	now := clock.Now()
	return &IntervalTimer{clock: clock, start: now, stop: now}
}

// Reset records the current time as the new start reference.
func (t *IntervalTimer) Reset() {
	t.start = t.clock.Now()
}

// Elapsed returns the time since the last reset. It does not reset the timer.
func (t *IntervalTimer) Elapsed() time.Duration {
	t.stop = t.clock.Now()
	d := t.stop.Sub(t.start)
	if d < 0 {
		return 0
	}
	return d
}

// ElapsedMicros returns the elapsed time in whole microseconds.
func (t *IntervalTimer) ElapsedMicros() int64 {
	return t.Elapsed().Microseconds()
}

// ElapsedMillis returns the elapsed time in whole milliseconds.
func (t *IntervalTimer) ElapsedMillis() int64 {
	return t.ElapsedMicros() / 1000
}

// Rate returns the event rate implied by one event per elapsed interval,
// in events per second. It returns 0 if no time has elapsed.
func (t *IntervalTimer) Rate() float64 {
	d := t.Elapsed()
	if d <= 0 {
		return 0
	}
	return 1 / d.Seconds()
}

// Started returns the current start reference.
func (t *IntervalTimer) Started() time.Time {
	return t.start
}

// LastStop returns the time of the most recent elapsed query.
func (t *IntervalTimer) LastStop() time.Time {
	return t.stop
}
