// Package clock provides the monotonic 100 µs tick clock that drives the
// control loop and all protocol timers. The underlying time source is
// swappable so tests can run against a mock and advance time explicitly.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// TicksPerMs is the number of clock ticks per millisecond. One tick is
// 100 µs.
const TicksPerMs = 10

// TickDuration is the wall duration of one clock tick.
const TickDuration = 100 * time.Microsecond

// Clock is a monotonic tick counter. Tick values wrap around; always compare
// them with TicksIsAfter or by signed difference.
type Clock struct {
	base  clock.Clock
	start time.Time
}

// New returns a clock backed by the wall clock.
func New() *Clock {
	return From(clock.New())
}

// NewMock returns a clock backed by a mock time source, along with the mock
// for advancing time in tests.
func NewMock() (*Clock, *clock.Mock) {
	m := clock.NewMock()
	return From(m), m
}

// From wraps an existing time source.
func From(base clock.Clock) *Clock {
	return &Clock{base: base, start: base.Now()}
}

// NowTicks returns the current time in 100 µs ticks. The value wraps after
// about five days, which the signed-difference comparisons handle.
func (c *Clock) NowTicks() uint32 {
	return uint32(c.base.Since(c.start) / TickDuration)
}

// NowMs returns the current time in milliseconds, with the same wraparound
// contract as NowTicks.
func (c *Clock) NowMs() uint32 {
	return uint32(c.base.Since(c.start) / time.Millisecond)
}

// Timer returns a timer on the underlying time source.
func (c *Clock) Timer(d time.Duration) *clock.Timer {
	return c.base.Timer(d)
}

// Ticker returns a ticker on the underlying time source.
func (c *Clock) Ticker(d time.Duration) *clock.Ticker {
	return c.base.Ticker(d)
}

// Sleep blocks for the given duration on the underlying time source.
func (c *Clock) Sleep(d time.Duration) {
	c.base.Sleep(d)
}

// After returns a channel that fires after the given duration.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	return c.base.After(d)
}

// TicksIsAfter reports whether tick time a is at or past b, accounting for
// wraparound by comparing the signed difference.
func TicksIsAfter(a, b uint32) bool {
	return int32(a-b) >= 0
}

// MsToTicks converts milliseconds to clock ticks.
func MsToTicks(ms uint32) uint32 {
	return ms * TicksPerMs
}

// TicksToMs converts clock ticks to milliseconds.
func TicksToMs(ticks uint32) uint32 {
	return ticks / TicksPerMs
}
