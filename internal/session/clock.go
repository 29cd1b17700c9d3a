package session

import "time"

// Clock abstracts the server clock so tests can pin time. The engine never
// trusts client-reported elapsed time; everything derives from this clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
