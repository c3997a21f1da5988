// Package counter implements the 16-bit connection event counter and the
// wrap-aware comparisons used to reason about instants.
package counter

import "fmt"

// MaxUpdateCountRange is the furthest an instant may lie ahead of the
// current event count and still be considered in the future.
const MaxUpdateCountRange = 32767

// Event is a connection (or periodic train) event count. It wraps at 65536.
type Event uint16

// Add returns e advanced by n events, wrapping modulo 65536.
func (e Event) Add(n int) Event {
	return Event(uint16(int(e) + n))
}

// Next returns the following event count.
func (e Event) Next() Event {
	return e + 1
}

// Diff returns the signed distance from b to a: positive if a is ahead of b.
func Diff(a, b Event) int {
	return int(int16(uint16(a) - uint16(b)))
}

// Reached reports whether the event count now is at or past instant.
func Reached(now, instant Event) bool {
	return Diff(instant, now) <= 0
}

// IsFuture reports whether instant lies strictly ahead of now within the
// permitted update range.
func IsFuture(now, instant Event) bool {
	d := Diff(instant, now)
	return d > 0 && d <= MaxUpdateCountRange
}

// Passed reports whether instant has already gone by relative to now.
// An instant equal to now is not passed.
func Passed(now, instant Event) bool {
	return Diff(instant, now) < 0
}

func (e Event) String() string {
	return fmt.Sprintf("%d", uint16(e))
}
