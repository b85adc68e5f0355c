// Package clock wraps github.com/benbjohnson/clock so liveness transitions,
// route-stats timers, and fanout timeouts can be driven deterministically in
// tests instead of depending on wall-clock time.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the subset of benbjohnson/clock.Clock the core relies on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) *clock.Timer
	NewTicker(d time.Duration) *clock.Ticker
	Sleep(d time.Duration)
}

// real adapts benbjohnson/clock.Clock's Timer/Ticker method names to the
// NewTimer/NewTicker names this package's Clock interface uses.
type real struct {
	clock.Clock
}

func (r real) NewTimer(d time.Duration) *clock.Timer   { return r.Clock.Timer(d) }
func (r real) NewTicker(d time.Duration) *clock.Ticker { return r.Clock.Ticker(d) }

// System returns the real wall-clock implementation.
func System() Clock { return real{clock.New()} }

// Mock wraps clock.Mock so tests can construct one without importing the
// underlying library directly, adapting it to this package's Clock interface.
type Mock struct {
	*clock.Mock
}

func (m *Mock) NewTimer(d time.Duration) *clock.Timer   { return m.Mock.Timer(d) }
func (m *Mock) NewTicker(d time.Duration) *clock.Ticker { return m.Mock.Ticker(d) }

// NewMock returns a Mock clock parked at the Unix epoch.
func NewMock() *Mock { return &Mock{clock.NewMock()} }
