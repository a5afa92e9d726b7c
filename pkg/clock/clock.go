// Package clock abstracts wall time so debounce timers and sweeps can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the bot depends on.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call. Stop reports whether the call was
// prevented; stopping a timer that already fired is a no-op returning false.
type Timer interface {
	Stop() bool
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
