package playback

import "time"

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests swap in a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Backoff returns base·2^(n-1) capped at max, for n >= 1.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 31 {
		return max
	}
	d := base * time.Duration(1<<uint(n-1))
	if d <= 0 || d > max {
		return max
	}
	return d
}
