// Package clock abstracts time so timer-driven workers can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by long-running workers.
type Clock interface {
	Now() time.Time
	// After delivers the fire time once d has elapsed. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer cancels a pending AfterFunc.
type Timer interface {
	// Stop reports whether the call prevented f from running.
	Stop() bool
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
