// Package clock abstracts the current time so streak and eviction logic
// can be tested against fixed dates.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real implements Clock with the system time.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Mock implements Clock for tests. Advance moves the mock time forward.
type Mock struct {
	Time time.Time
}

func (m *Mock) Now() time.Time { return m.Time }

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.Time = m.Time.Add(d) }
