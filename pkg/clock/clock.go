// Package clock provides the wall-clock source used to stamp and gate
// messages.
//
// Delayed messages and alarms never fire on their own: a message becomes
// deliverable when some request observes a time at or after its delivery
// timestamp. Every store transaction reads the time exactly once, so a
// single request sees one consistent "now".
//
// Manual lets tests move time forward deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real UTC wall clock.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu sync.Mutex
	ts time.Time
}

// NewManual returns a manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{ts: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ts
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ts = m.ts.Add(d)
	return m.ts
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.ts = t.UTC()
	m.mu.Unlock()
}
