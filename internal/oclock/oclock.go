// Package oclock provides the single time and identifier seam the rest of
// Ocean consults. Every component that needs "now" — lock expiry, backoff,
// wake, TTL sweep, event timestamps — takes a Clock instead of calling
// time.Now() directly, so tests can fast-forward without real sleeps.
package oclock

import (
	"time"

	"github.com/google/uuid"
)

// Clock returns the current wall-clock time. The zero value is not usable;
// callers should use Real() or a Fixed/mutable clock from tests.
type Clock func() time.Time

// Real returns the system clock.
func Real() Clock {
	return time.Now
}

// Fixed returns a Clock that always reports t.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

// Mutable is a test clock that can be advanced between calls.
type Mutable struct {
	now time.Time
}

// NewMutable creates a Mutable clock starting at t.
func NewMutable(t time.Time) *Mutable {
	return &Mutable{now: t}
}

// Now satisfies the Clock signature.
func (m *Mutable) Now() time.Time {
	return m.now
}

// Advance moves the clock forward by d.
func (m *Mutable) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set pins the clock to t.
func (m *Mutable) Set(t time.Time) {
	m.now = t
}

// NewID returns a new prefixed random identifier, e.g. "run_3fa...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
