package geo

import "time"

// Timer is the part of *time.Timer the resolver needs.
type Timer interface {
	Stop() bool
}

// Clock schedules debounced work. The real clock wraps time.AfterFunc;
// tests substitute a manually advanced one.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
