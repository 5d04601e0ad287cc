package clock

import "time"

// Clock abstracts time for components that poll or back off, so tests can
// drive waits without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Real returns the wall clock.
func Real() Clock { return realClock{} }
