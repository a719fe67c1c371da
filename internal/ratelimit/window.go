package ratelimit

import "time"

// WindowStart returns the start of the fixed window of windowSeconds that
// contains now, aligned to the Unix epoch.
func WindowStart(now time.Time, windowSeconds int64) time.Time {
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	sec := now.Unix()
	start := sec - sec%windowSeconds
	if sec < 0 && sec%windowSeconds != 0 {
		start -= windowSeconds
	}
	return time.Unix(start, 0).UTC()
}

// CurrentTuple builds the tuple for the window containing now.
func CurrentTuple(scope Scope, key string, now time.Time, windowSeconds int64) Tuple {
	return Tuple{
		Scope:         scope,
		Key:           key,
		WindowStart:   WindowStart(now, windowSeconds),
		WindowSeconds: windowSeconds,
	}
}
