// yib/utils/system.go
package utils

import (
	"sync"
	"time"
)

// Clock abstracts the current time so expiry logic can be tested.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC, the zone everything is stored in.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// StubClock returns a settable time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t.UTC()}
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
